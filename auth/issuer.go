package auth

import (
	"context"
	"errors"
	"time"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/roles"
)

// DefaultTokenExpiry is how long an issued access token lasts.
const DefaultTokenExpiry = 24 * time.Hour

// Extra fields stored on issued access records.
const (
	FieldUsername = "username"
	FieldProvider = "provider"
)

var (
	// ErrNotPermitted is returned by a GrantFunc to refuse a login.
	ErrNotPermitted = errors.New("auth: login not permitted")
	// ErrNoIdentity means the login carried nothing to name the user by.
	ErrNoIdentity = errors.New("auth: no user identity")
)

// GrantFunc decides the roles of a user who has just logged in.
type GrantFunc func(ctx context.Context, username string, res *Result) ([]string, error)

// IdentifyFunc names the user who has just logged in.
type IdentifyFunc func(ctx context.Context, res *Result) (string, error)

// Issuer turns a successful login into an access token.
type Issuer struct {
	manager  *access.Manager
	grant    GrantFunc
	identify IdentifyFunc
	expiry   time.Duration
	now      func() time.Time
}

type IssuerOption func(*Issuer)

// WithGrant sets the role policy. The default grants roles.User to
// everyone.
func WithGrant(g GrantFunc) IssuerOption {
	return func(i *Issuer) { i.grant = g }
}

// WithIdentify sets how users are named. The default uses the verified
// email, then the provider-qualified subject.
func WithIdentify(f IdentifyFunc) IssuerOption {
	return func(i *Issuer) { i.identify = f }
}

// WithTokenExpiry sets the lifetime of issued tokens. Zero or less means
// the tokens never expire.
func WithTokenExpiry(d time.Duration) IssuerOption {
	return func(i *Issuer) { i.expiry = d }
}

func NewIssuer(m *access.Manager, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		manager:  m,
		grant:    GrantRoles(roles.User),
		identify: defaultIdentify,
		expiry:   DefaultTokenExpiry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// GrantRoles grants the same roles to every user.
func GrantRoles(rs ...string) GrantFunc {
	return func(context.Context, string, *Result) ([]string, error) {
		return rs, nil
	}
}

func defaultIdentify(_ context.Context, res *Result) (string, error) {
	if email, ok := VerifiedEmail(res.IDToken); ok {
		return email, nil
	}
	if id := StableID(res.IDToken, res.ProviderID); id != "" {
		return id, nil
	}
	return "", ErrNoIdentity
}

// Issue names the user, asks the grant policy for roles and stores a new
// access record.
func (i *Issuer) Issue(ctx context.Context, res *Result) (username, token string, err error) {
	username, err = i.identify(ctx, res)
	if err != nil {
		return "", "", err
	}
	if username == "" {
		return "", "", ErrNoIdentity
	}
	rs, err := i.grant(ctx, username, res)
	if err != nil {
		return "", "", err
	}

	var expires time.Time
	if i.expiry > 0 {
		expires = i.now().Add(i.expiry)
	}
	token, err = i.manager.Create(ctx, "", expires, rs, map[string]any{
		FieldUsername: username,
		FieldProvider: res.ProviderID,
	})
	if err != nil {
		return "", "", err
	}
	return username, token, nil
}

// Revoke expires token immediately.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	return i.manager.Extend(ctx, token, access.Fields{
		access.FieldExpires: i.now().Add(-time.Millisecond).UnixMilli(),
	})
}

// Package access maps bearer tokens to roles.
//
// A Manager looks tokens up in a Store and, as a dispatch.Authority, grants
// the roles of a valid record to the calling context. Expired, unknown and
// corrupt records grant nothing; only store failures fail a call.
package access

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/wire"
)

// TokenBytes is the number of random bytes in a generated token.
const TokenBytes = 32

// MakeToken returns a new random token, base64url encoded.
func MakeToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("access: generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Manager implements the token lifecycle on top of a Store.
type Manager struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for corrupt records.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager over store. A nil store selects a new
// MemoryStore.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{store: store, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() Store { return m.store }

// Get returns the valid record for token. An unknown token yields
// (nil, false, nil) and an expired one (nil, true, nil). A record whose
// expiry cannot be read is treated as unknown.
func (m *Manager) Get(ctx context.Context, token string) (*Record, bool, error) {
	f, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if f == nil {
		return nil, false, nil
	}
	rec, err := FromFields(f)
	if err != nil {
		m.log.Error("bad expiration value in access table, returning no record", "err", err)
		return nil, false, nil
	}
	if rec.Token == "" {
		rec.Token = token
	}
	if rec.Never() || !m.now().After(rec.Expires) {
		return rec, false, nil
	}
	return nil, true, nil
}

// Create stores a new record and returns its token. An empty token is
// generated; a zero expires never expires.
func (m *Manager) Create(ctx context.Context, token string, expires time.Time, roles []string, extra map[string]any) (string, error) {
	if token == "" {
		var err error
		if token, err = MakeToken(); err != nil {
			return "", err
		}
	}
	rec := &Record{Token: token, Roles: roles, Expires: expires, Extra: extra}
	if err := m.store.Create(ctx, token, normalize(token, rec.Fields())); err != nil {
		return "", err
	}
	return token, nil
}

// Update replaces the record for token.
func (m *Manager) Update(ctx context.Context, token string, rec *Record) error {
	return m.store.Update(ctx, token, normalize(token, rec.Fields()))
}

// Extend merges partial into the record for token. A single role under
// "roles" is turned into a list.
func (m *Manager) Extend(ctx context.Context, token string, partial Fields) error {
	return m.store.Extend(ctx, token, normalize(token, partial))
}

// callerToken returns the token the caller presented, if any.
func callerToken(cc *dispatch.Context) string {
	if cc.AccessToken != "" {
		return cc.AccessToken
	}
	if s, ok := cc.Tags[wire.KeyAccessToken].(string); ok {
		return s
	}
	return ""
}

// Authorize grants the roles and attributes of the caller's record. It
// implements dispatch.Authority.
func (m *Manager) Authorize(ctx context.Context, cc *dispatch.Context) error {
	token := callerToken(cc)
	if token == "" {
		return nil
	}
	rec, _, err := m.Get(ctx, token)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	cc.AddRoles(rec.Roles...)
	if len(rec.Extra) > 0 && cc.Attrs == nil {
		cc.Attrs = make(map[string]any, len(rec.Extra))
	}
	for k, v := range rec.Extra {
		cc.Attrs[k] = v
	}
	return nil
}

// ContextPrepper returns Authorize as a context hook, for registries that
// install access checks as an ordinary hook.
func (m *Manager) ContextPrepper() dispatch.ContextHook {
	return m.Authorize
}

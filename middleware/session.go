package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/rolerpc/endpoint"
)

var (
	ErrNilSession  = errors.New("nil session")
	ErrNotLoggedIn = errors.New("user not logged in")
	ErrNoKey       = errors.New("key not found")
)

// SessionIDBytes is the number of random bytes in a session ID.
const SessionIDBytes = 16

// DefaultSessionPeriod is the lifetime of a new session.
const DefaultSessionPeriod = 24 * time.Hour

// MaxExtendedPeriod bounds the total lifetime of a session however often it
// is extended.
const MaxExtendedPeriod = 90 * 24 * time.Hour

// DefaultExtendThreshold is the remaining lifetime below which a session is
// extended.
const DefaultExtendThreshold = DefaultSessionPeriod / 4

// DefaultCookieName is the name of the session cookie.
const DefaultCookieName = "rolerpc_session"

// Session is the request scoped login state. A logged in session carries
// the access token that RPC calls made over HTTP present on the user's
// behalf.
type Session interface {
	// ID is empty when nobody is logged in.
	ID() string
	// Username returns the logged in user, if any.
	Username() (string, bool)
	// AccessToken returns the access token bound at login, or "".
	AccessToken() string
	// Login starts a fresh session for username holding accessToken. Any
	// previous session data is dropped.
	Login(username, accessToken string) error
	Logout() error
	// Expires is zero when nobody is logged in.
	Expires() time.Time
	// Get decodes the value stored under key into dest.
	Get(key string, dest any) error
	Set(key string, value any) error
	Delete(key string)
}

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID          string    `cbor:"1,keyasint"`
	Username    string    `cbor:"2,keyasint"`
	AccessToken string    `cbor:"3,keyasint,omitempty"`
	Expires     time.Time `cbor:"4,keyasint"`
	// Period is the span from creation to Expires in seconds. It grows as
	// the session is extended.
	Period int                        `cbor:"5,keyasint"`
	KV     map[string]cbor.RawMessage `cbor:"6,keyasint,omitempty"`
}

type session struct {
	data  *sessionData
	dirty bool
}

func (s *session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Username() (string, bool) {
	if s == nil || s.data == nil {
		return "", false
	}
	return s.data.Username, true
}

func (s *session) AccessToken() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.AccessToken
}

func (s *session) Login(username, accessToken string) error {
	if s == nil {
		return ErrNilSession
	}
	// A fresh ID on login prevents session fixation.
	sd, err := newSessionData(time.Now())
	if err != nil {
		return err
	}
	sd.Username = username
	sd.AccessToken = accessToken
	s.data = sd
	s.dirty = true
	return nil
}

func (s *session) Logout() error {
	if s == nil {
		return ErrNilSession
	}
	s.data = nil
	s.dirty = true
	return nil
}

func (s *session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func (s *session) Get(key string, dest any) error {
	if s == nil || s.data == nil {
		return ErrNotLoggedIn
	}
	raw, ok := s.data.KV[key]
	if !ok {
		return ErrNoKey
	}
	return cbor.Unmarshal(raw, dest)
}

func (s *session) Set(key string, value any) error {
	if s == nil {
		return ErrNilSession
	}
	if s.data == nil {
		return ErrNotLoggedIn
	}
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	if s.data.KV == nil {
		s.data.KV = map[string]cbor.RawMessage{}
	}
	s.data.KV[key] = raw
	s.dirty = true
	return nil
}

func (s *session) Delete(key string) {
	if s == nil || s.data == nil {
		return
	}
	if _, ok := s.data.KV[key]; !ok {
		return
	}
	delete(s.data.KV, key)
	s.dirty = true
}

func newSessionData(now time.Time) (*sessionData, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	// Truncating moves the start of the period into the past.
	now = now.Truncate(time.Second)
	return &sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(DefaultSessionPeriod),
		Period:  int(DefaultSessionPeriod.Seconds()),
	}, nil
}

// validate reports whether sd is live at now. A live session with less than
// threshold remaining is extended to now+period and reported as extended.
func (sd *sessionData) validate(now time.Time, threshold, period time.Duration) (ok, extended bool) {
	if sd == nil {
		return false, false
	}
	if sd.Period <= 0 || sd.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	if sd.Expires.IsZero() || !now.Before(sd.Expires) {
		return false, false
	}
	if threshold <= 0 || period < threshold {
		return true, false
	}
	if sd.Expires.Sub(now) < threshold {
		return true, sd.extendTo(now.Add(period))
	}
	return true, false
}

// extendTo moves Expires forward to newExpires, capped at
// MaxExtendedPeriod after the session was issued.
func (sd *sessionData) extendTo(newExpires time.Time) bool {
	if sd == nil || sd.Expires.IsZero() {
		return false
	}
	issued := sd.Expires.Add(-time.Duration(sd.Period) * time.Second)
	newExpires = newExpires.Truncate(time.Second)
	if limit := issued.Add(MaxExtendedPeriod); newExpires.After(limit) {
		newExpires = limit
	}
	if !newExpires.After(sd.Expires) {
		return false
	}
	sd.Period += int(newExpires.Sub(sd.Expires).Seconds())
	sd.Expires = newExpires
	return true
}

type sessionContextKey struct{}

// WithSession stores sess in ctx.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor restores the session from its cookie, attaches it to the
// request context and writes the cookie back when the session changed.
type SessionProcessor struct {
	cookie          *SecureCookie
	period          time.Duration
	extendThreshold time.Duration
	now             func() time.Time
}

// SessionOption configures a SessionProcessor.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	cookieName      string
	cookieOptions   []SecureCookieOption
	period          time.Duration
	extendThreshold time.Duration
}

func WithCookieName(name string) SessionOption {
	return func(c *sessionConfig) { c.cookieName = name }
}

func WithCookieOptions(opts ...SecureCookieOption) SessionOption {
	return func(c *sessionConfig) { c.cookieOptions = append(c.cookieOptions, opts...) }
}

// WithExtension sets how far an active session is pushed out, and how
// close to expiry it must be before that happens.
func WithExtension(period, threshold time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.period = period
		c.extendThreshold = threshold
	}
}

// NewSessionProcessor returns a SessionProcessor sealing sessions with
// keys.
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionOption) (*SessionProcessor, error) {
	cfg := sessionConfig{
		cookieName:      DefaultCookieName,
		period:          DefaultSessionPeriod,
		extendThreshold: DefaultExtendThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		cookie:          cookie,
		period:          cfg.period,
		extendThreshold: cfg.extendThreshold,
		now:             time.Now,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &session{}
	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var sd sessionData
		if err := p.cookie.Decode(c, &sd); err != nil {
			// Tampered or sealed with a retired key.
			sess.dirty = true
		} else if ok, extended := sd.validate(p.now(), p.extendThreshold, p.period); !ok {
			sess.dirty = true
		} else {
			sess.data = &sd
			sess.dirty = extended
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.save(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) save(w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	maxAge := int(sess.data.Expires.Sub(p.now()).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Encode(sess.data, maxAge)
	if err != nil {
		return
	}
	http.SetCookie(w, c)
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)

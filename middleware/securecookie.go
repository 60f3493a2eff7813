package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the sealed value we are willing to decode.
const maxCookieLen = 8192

// KeySize is the key length of the default AEAD.
const KeySize = chacha20poly1305.KeySize

// Sealer seals byte strings with a rotating set of AEAD keys.
//
// A sealed value is keyID "." base64url(nonce || ciphertext). KeyID picks
// the key for sealing; every key in Keys is accepted when opening.
type Sealer struct {
	KeyID   string
	Keys    map[string][]byte
	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewSealer checks that keyID is present and that every key is usable.
// A nil newAEAD selects XChaCha20-Poly1305.
func NewSealer(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Sealer, error) {
	if newAEAD == nil {
		newAEAD = chacha20poly1305.NewX
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}
	return &Sealer{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (s *Sealer) Seal(plain, aad []byte) (string, error) {
	if s == nil {
		return "", ErrCookieConfig
	}
	key, ok := s.Keys[s.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := s.NewAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return s.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(value string, aad []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrCookieConfig
	}
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := s.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := s.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SecureCookie stores a CBOR encoded value in a sealed cookie. The cookie
// name, domain, path and secure flag are bound into the seal, so a value
// cannot be replayed under different attributes.
type SecureCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	newAEAD  func([]byte) (cipher.AEAD, error)

	sealer *Sealer
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*SecureCookie)

// WithAEAD replaces the default XChaCha20-Poly1305, e.g. with AES-GCM.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SecureCookie) { sc.newAEAD = f }
}

func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookie) { sc.path = path }
}

func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookie) { sc.domain = domain }
}

// WithSecure sets the Secure flag. It defaults to true; only plain HTTP
// development servers should turn it off.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookie) { sc.secure = secure }
}

func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookie) { sc.sameSite = sameSite }
}

// NewSecureCookie returns an HttpOnly, Secure, SameSite=Lax cookie codec
// with path "/".
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie, error) {
	sc := &SecureCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	sealer, err := NewSealer(keyID, keys, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.sealer = sealer
	return sc, nil
}

func (sc *SecureCookie) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

func (sc *SecureCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

// Encode seals v into a cookie that lives for maxAge seconds.
func (sc *SecureCookie) Encode(v any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc == nil || sc.sealer == nil {
		return nil, ErrCookieConfig
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	val, err := sc.sealer.Seal(plain, sc.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

// Decode opens cookie into v.
func (sc *SecureCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if sc == nil || sc.sealer == nil {
		return ErrCookieConfig
	}
	plain, err := sc.sealer.Open(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	return cbor.Unmarshal(plain, v)
}

// Clear returns a cookie that deletes this cookie in the client.
func (sc *SecureCookie) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}

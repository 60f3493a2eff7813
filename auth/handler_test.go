package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/mnehpets/rolerpc/access"
	"github.com/mnehpets/rolerpc/endpoint"
	"github.com/mnehpets/rolerpc/middleware"
	"github.com/mnehpets/rolerpc/roles"
)

var testKeys = map[string][]byte{"1": make([]byte, middleware.KeySize)}

// fakeIDP is an OIDC provider that signs ID tokens for whatever nonce the
// test sets.
type fakeIDP struct {
	srv   *httptest.Server
	key   *rsa.PrivateKey
	nonce string
	email string
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"))
	if err != nil {
		t.Fatal(err)
	}
	idp := &fakeIDP{key: key, email: "ada@example.com"}
	idp.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := idp.srv.URL
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]any{
				"issuer":                                issuer,
				"jwks_uri":                              issuer + "/keys",
				"authorization_endpoint":                issuer + "/auth",
				"token_endpoint":                        issuer + "/token",
				"response_types_supported":              []string{"code"},
				"subject_types_supported":               []string{"public"},
				"id_token_signing_alg_values_supported": []string{"RS256"},
			})
		case "/keys":
			json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
				{Key: &key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"},
			}})
		case "/token":
			now := time.Now()
			raw, err := jwt.Signed(signer).Claims(jwt.Claims{
				Subject:   "user123",
				Issuer:    issuer,
				Audience:  jwt.Audience{"client-id"},
				Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
			}).Claims(map[string]any{
				"nonce":          idp.nonce,
				"email":          idp.email,
				"email_verified": idp.email != "",
			}).Serialize()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "provider-token",
				"token_type":   "Bearer",
				"expires_in":   3600,
				"id_token":     raw,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(idp.srv.Close)
	return idp
}

func newOIDCProviders(t *testing.T, idp *fakeIDP) *Providers {
	t.Helper()
	ps := NewProviders()
	if err := ps.AddOIDC(context.Background(), "idp", idp.srv.URL, "client-id", "secret", []string{"email"}); err != nil {
		t.Fatalf("AddOIDC: %v", err)
	}
	return ps
}

func newHandler(t *testing.T, ps *Providers, opts ...Option) *Handler {
	t.Helper()
	h, err := NewHandler(ps, "1", testKeys, "http://example.com", "/auth", opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// startLogin runs the login step and returns the provider redirect and the
// state cookie.
func startLogin(t *testing.T, h http.Handler, target string) (*url.URL, *http.Cookie) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if w.Code != http.StatusFound {
		t.Fatalf("login: expected 302, got %d: %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	c := cookieNamed(w.Result().Cookies(), DefaultCookieName)
	if c == nil {
		t.Fatal("no state cookie set")
	}
	return loc, c
}

func callback(h http.Handler, provider, state string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth/callback/"+provider+"?code=abc&state="+url.QueryEscape(state), nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	h.ServeHTTP(w, r)
	return w
}

func TestLoginRedirect(t *testing.T) {
	ps := NewProviders()
	ps.AddOAuth2("plain", &oauth2.Config{ClientID: "cid", Endpoint: oauth2.Endpoint{AuthURL: "https://provider.example.com/auth"}})
	h := newHandler(t, ps)

	loc, c := startLogin(t, h, "/auth/login/plain?next_url=/dashboard")
	if loc.Host != "provider.example.com" {
		t.Errorf("redirect host = %q", loc.Host)
	}
	q := loc.Query()
	if q.Get("state") == "" || q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("missing state or PKCE params: %v", q)
	}
	if q.Get("nonce") != "" {
		t.Error("nonce sent to a plain OAuth2 provider")
	}
	if got := q.Get("redirect_uri"); got != "http://example.com/auth/callback/plain" {
		t.Errorf("redirect_uri = %q", got)
	}
	if !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("state cookie attributes: %+v", c)
	}

	states, err := h.jar.load(requestWith(c))
	if err != nil {
		t.Fatal(err)
	}
	fs, ok := states[q.Get("state")]
	if !ok || fs.Params.NextURL != "/dashboard" || fs.PKCEVerifier == "" {
		t.Errorf("stored flow = %+v", fs)
	}
}

func requestWith(cookies ...*http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func TestLoginSanitizesNextURL(t *testing.T) {
	ps := NewProviders()
	ps.AddOAuth2("plain", &oauth2.Config{Endpoint: oauth2.Endpoint{AuthURL: "http://provider"}})
	h := newHandler(t, ps)

	loc, c := startLogin(t, h, "/auth/login/plain?next_url=//evil.com")
	states, _ := h.jar.load(requestWith(c))
	if got := states[loc.Query().Get("state")].Params.NextURL; got != "/" {
		t.Errorf("NextURL = %q, want /", got)
	}
}

func TestLoginAppData(t *testing.T) {
	ps := NewProviders()
	ps.AddOAuth2("plain", &oauth2.Config{Endpoint: oauth2.Endpoint{AuthURL: "http://provider"}})
	h := newHandler(t, ps)

	loc, c := startLogin(t, h, "/auth/login/plain?app_data="+base64.RawURLEncoding.EncodeToString([]byte("123")))
	states, _ := h.jar.load(requestWith(c))
	if got := string(states[loc.Query().Get("state")].Params.AppData); got != "123" {
		t.Errorf("AppData = %q", got)
	}

	w := httptest.NewRecorder()
	big := base64.RawURLEncoding.EncodeToString(make([]byte, maxAppDataBytes+1))
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/login/plain?app_data="+big, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized app_data: expected 400, got %d", w.Code)
	}
}

func TestPreAuthFailure(t *testing.T) {
	ps := NewProviders()
	ps.AddOAuth2("plain", &oauth2.Config{})
	h := newHandler(t, ps, WithPreAuthHook(func(context.Context, *http.Request, string, AuthParams) (AuthParams, error) {
		return AuthParams{}, errors.New("closed")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/login/plain", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUnknownProvider(t *testing.T) {
	h := newHandler(t, NewProviders())
	for _, target := range []string{"/auth/login/nope", "/auth/callback/nope?state=s&code=c"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", target, w.Code)
		}
	}
}

func TestCallbackStateErrors(t *testing.T) {
	ps := NewProviders()
	ps.AddOAuth2("plain", &oauth2.Config{})
	h := newHandler(t, ps)

	if w := callback(h, "plain", "missing"); w.Code != http.StatusBadRequest {
		t.Errorf("no cookie: expected 400, got %d", w.Code)
	}

	c, err := h.jar.cookie.Encode(stateMap{"old": {ExpiresAt: time.Now().Add(-time.Minute)}}, 3600)
	if err != nil {
		t.Fatal(err)
	}
	w := callback(h, "plain", "old", c)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expired state: expected 400, got %d", w.Code)
	}
	if cleared := cookieNamed(w.Result().Cookies(), DefaultCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Errorf("expired state not removed: %+v", cleared)
	}
}

func TestCallbackProviderError(t *testing.T) {
	ps := NewProviders()
	ps.AddOAuth2("plain", &oauth2.Config{Endpoint: oauth2.Endpoint{AuthURL: "http://provider"}})

	var got *Result
	h := newHandler(t, ps, WithResultEndpoint(func(_ http.ResponseWriter, _ *http.Request, res *Result) (endpoint.Renderer, error) {
		got = res
		return nil, res.Err
	}))
	loc, c := startLogin(t, h, "/auth/login/plain")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth/callback/plain?error=access_denied&state="+loc.Query().Get("state"), nil)
	r.AddCookie(c)
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	var pe *ProviderError
	if got == nil || !errors.As(got.Err, &pe) || pe.Code != "access_denied" {
		t.Errorf("result error = %v", got)
	}
}

func TestStateEviction(t *testing.T) {
	jar := &stateJar{cookie: newHandler(t, NewProviders()).jar.cookie, now: time.Now}

	var c *http.Cookie
	for i := range maxStates + 1 {
		w := httptest.NewRecorder()
		r := requestWith()
		if c != nil {
			r.AddCookie(c)
		}
		jar.now = func() time.Time { return time.Unix(1_700_000_000+int64(i), 0) }
		if err := jar.add(w, r, string(rune('a'+i)), flowState{}); err != nil {
			t.Fatal(err)
		}
		c = cookieNamed(w.Result().Cookies(), DefaultCookieName)
	}
	states, err := jar.load(requestWith(c))
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != maxStates {
		t.Errorf("expected %d states, got %d", maxStates, len(states))
	}
	if _, ok := states["a"]; ok {
		t.Error("oldest state was not evicted")
	}
}

func TestOIDCLoginIssuesAccessToken(t *testing.T) {
	idp := newFakeIDP(t)
	m := access.NewManager(nil)
	sessions, err := middleware.NewSessionProcessor("1", testKeys)
	if err != nil {
		t.Fatal(err)
	}
	h := newHandler(t, newOIDCProviders(t, idp),
		WithProcessors(sessions),
		WithIssuer(NewIssuer(m, WithGrant(func(_ context.Context, username string, _ *Result) ([]string, error) {
			if username == "ada@example.com" {
				return []string{roles.Admin}, nil
			}
			return []string{roles.User}, nil
		}))))

	loc, stateCookie := startLogin(t, h, "/auth/login/idp?next_url=/home")
	if loc.Query().Get("nonce") == "" {
		t.Fatal("no nonce sent to OIDC provider")
	}
	idp.nonce = loc.Query().Get("nonce")

	w := callback(h, "idp", loc.Query().Get("state"), stateCookie)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/home" {
		t.Fatalf("callback: %d %q %s", w.Code, w.Header().Get("Location"), w.Body.String())
	}
	sessCookie := cookieNamed(w.Result().Cookies(), middleware.DefaultCookieName)
	if sessCookie == nil {
		t.Fatal("no session cookie")
	}

	// Read the session back through the processor.
	var token string
	probe := endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		sess, _ := middleware.SessionFromContext(r.Context())
		if name, _ := sess.Username(); name != "ada@example.com" {
			t.Errorf("session username = %q", name)
		}
		token = sess.AccessToken()
		return &endpoint.NoContentRenderer{}, nil
	}, sessions)
	probe.ServeHTTP(httptest.NewRecorder(), requestWith(sessCookie))

	rec, _, err := m.Get(context.Background(), token)
	if err != nil || rec == nil {
		t.Fatalf("issued token not found: %v", err)
	}
	if len(rec.Roles) != 1 || rec.Roles[0] != roles.Admin {
		t.Errorf("roles = %v", rec.Roles)
	}
	if rec.Extra[FieldUsername] != "ada@example.com" || rec.Extra[FieldProvider] != "idp" {
		t.Errorf("extra = %v", rec.Extra)
	}
	if d := time.Until(rec.Expires); d < 23*time.Hour || d > DefaultTokenExpiry {
		t.Errorf("expiry in %v", d)
	}

	// Logout expires the token and clears the session.
	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/logout?next_url=/bye", nil)
	r.AddCookie(sessCookie)
	h.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/bye" {
		t.Errorf("logout: %d %q", w.Code, w.Header().Get("Location"))
	}
	if c := cookieNamed(w.Result().Cookies(), middleware.DefaultCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie not cleared: %+v", c)
	}
	rec, expired, err := m.Get(context.Background(), token)
	if err != nil || rec != nil || !expired {
		t.Errorf("token still valid after logout: %v %v %v", rec, expired, err)
	}
}

func TestOIDCNonceMismatch(t *testing.T) {
	idp := newFakeIDP(t)
	h := newHandler(t, newOIDCProviders(t, idp))

	loc, c := startLogin(t, h, "/auth/login/idp")
	idp.nonce = "WRONG_NONCE"

	w := callback(h, "idp", loc.Query().Get("state"), c)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "nonce mismatch") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestGrantRefused(t *testing.T) {
	idp := newFakeIDP(t)
	m := access.NewManager(nil)
	sessions, _ := middleware.NewSessionProcessor("1", testKeys)
	h := newHandler(t, newOIDCProviders(t, idp),
		WithProcessors(sessions),
		WithIssuer(NewIssuer(m, WithGrant(func(context.Context, string, *Result) ([]string, error) {
			return nil, ErrNotPermitted
		}))))

	loc, c := startLogin(t, h, "/auth/login/idp")
	idp.nonce = loc.Query().Get("nonce")
	w := callback(h, "idp", loc.Query().Get("state"), c)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if cookieNamed(w.Result().Cookies(), middleware.DefaultCookieName) != nil {
		t.Error("session cookie set for a refused login")
	}
}

func TestIssuerNeedsSession(t *testing.T) {
	idp := newFakeIDP(t)
	h := newHandler(t, newOIDCProviders(t, idp), WithIssuer(NewIssuer(access.NewManager(nil))))

	loc, c := startLogin(t, h, "/auth/login/idp")
	idp.nonce = loc.Query().Get("nonce")
	if w := callback(h, "idp", loc.Query().Get("state"), c); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestDefaultIdentify(t *testing.T) {
	if _, err := defaultIdentify(context.Background(), &Result{ProviderID: "p"}); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestLocalURL(t *testing.T) {
	for in, want := range map[string]string{
		"":                 "/",
		"/a/b?c=d":         "/a/b?c=d",
		"//evil.com":       "/",
		"/\\evil.com":      "/",
		"https://evil.com": "/",
		"relative":         "/",
	} {
		if got := LocalURL(in); got != want {
			t.Errorf("LocalURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// Package auth logs users in through OAuth2 and OIDC providers and issues
// them rolerpc access tokens.
//
// The Handler serves three routes under its base path:
//
//	GET  {base}/login/{provider}     redirects to the provider
//	GET  {base}/callback/{provider}  completes the flow
//	POST {base}/logout               ends the session
//
// In-flight logins live in a sealed cookie. With an Issuer configured, a
// successful callback creates an access record and logs the request's
// middleware session in with its token, so later RPC calls carry the
// granted roles. The session processor must be among the handler's
// processors for that.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mnehpets/rolerpc/endpoint"
	"github.com/mnehpets/rolerpc/middleware"
)

// DefaultCookieName names the login state cookie.
const DefaultCookieName = "rolerpc_auth"

// maxAppDataBytes bounds AppData after base64url decoding.
const maxAppDataBytes = 512

// PreAuthHook runs before a login redirects to the provider and may rewrite
// its parameters.
type PreAuthHook func(ctx context.Context, r *http.Request, providerID string, params AuthParams) (AuthParams, error)

// ProviderError is an error reported by the identity provider on callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (%s)", e.Code, e.Description)
	}
	return "provider error: " + e.Code
}

// AuthParams travel through the flow from login to callback.
type AuthParams struct {
	NextURL string `query:"next_url" cbor:"1,keyasint,omitempty"`
	// 683 base64url characters decode to 512 bytes.
	AppData []byte `query:"app_data,base64url" cbor:"2,keyasint,omitempty" maxLength:"683"`
}

// Result is the outcome of a callback. On failure Err is set and the
// tokens are nil.
type Result struct {
	ProviderID string
	Token      *oauth2.Token
	IDToken    *oidc.IDToken
	Params     *AuthParams
	// Username and AccessToken are set when an Issuer logged the session in.
	Username    string
	AccessToken string
	Err         error
}

// ResultEndpoint renders the outcome of a callback.
type ResultEndpoint endpoint.EndpointFunc[*Result]

func defaultPreAuth(_ context.Context, _ *http.Request, _ string, params AuthParams) (AuthParams, error) {
	params.NextURL = LocalURL(params.NextURL)
	return params, nil
}

func defaultResult(_ http.ResponseWriter, _ *http.Request, res *Result) (endpoint.Renderer, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	return &endpoint.RedirectRenderer{URL: res.Params.NextURL, Status: http.StatusFound}, nil
}

// Handler runs the login flow.
type Handler struct {
	mux        *http.ServeMux
	providers  *Providers
	issuer     *Issuer
	publicURL  string
	basePath   string
	jar        *stateJar
	preAuth    PreAuthHook
	result     ResultEndpoint
	processors []endpoint.Processor
	cookieName string
	cookieOpts []middleware.SecureCookieOption
	log        *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithProcessors adds processors to every auth endpoint.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) { h.processors = append(h.processors, p...) }
}

// WithIssuer issues access tokens on successful logins.
func WithIssuer(i *Issuer) Option {
	return func(h *Handler) { h.issuer = i }
}

// WithStateCookie sets the name and attributes of the login state cookie.
func WithStateCookie(name string, opts ...middleware.SecureCookieOption) Option {
	return func(h *Handler) {
		h.cookieName = name
		h.cookieOpts = append(h.cookieOpts, opts...)
	}
}

func WithPreAuthHook(f PreAuthHook) Option {
	return func(h *Handler) { h.preAuth = f }
}

func WithResultEndpoint(f ResultEndpoint) Option {
	return func(h *Handler) { h.result = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// NewHandler returns a Handler mounted at basePath. publicURL is the
// externally visible origin used to build callback URLs.
func NewHandler(providers *Providers, keyID string, keys map[string][]byte, publicURL, basePath string, opts ...Option) (*Handler, error) {
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := &Handler{
		mux:        http.NewServeMux(),
		providers:  providers,
		publicURL:  strings.TrimRight(publicURL, "/"),
		basePath:   basePath,
		preAuth:    defaultPreAuth,
		result:     defaultResult,
		cookieName: DefaultCookieName,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	cookie, err := middleware.NewSecureCookie(h.cookieName, keyID, keys, h.cookieOpts...)
	if err != nil {
		return nil, err
	}
	h.jar = &stateJar{cookie: cookie, now: time.Now}

	h.mux.Handle("GET "+path.Join(basePath, "login", "{provider}"), logged(h.log, endpoint.Handler(h.login, h.processors...)))
	h.mux.Handle("GET "+path.Join(basePath, "callback", "{provider}"), logged(h.log, endpoint.Handler(h.callback, h.processors...)))
	h.mux.Handle("POST "+path.Join(basePath, "logout"), logged(h.log, endpoint.Handler(h.logout, h.processors...)))
	return h, nil
}

func logged[P any](l *slog.Logger, eh *endpoint.EndpointHandler[P]) http.Handler {
	eh.Logger = l
	return eh
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type LoginParams struct {
	ProviderID string `path:"provider"`
	AuthParams
}

// CallbackParams are the provider's redirect back to us.
type CallbackParams struct {
	ProviderID string `path:"provider"`
	State      string `query:"state"`
	Code       string `query:"code"`
	Error      string `query:"error"`
	ErrorDesc  string `query:"error_description"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, params LoginParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	p, ok := h.providers.Get(params.ProviderID)
	if !ok {
		return nil, endpoint.Error(http.StatusNotFound, "provider not found", nil)
	}
	fail := func(status int, message string, err error) (endpoint.Renderer, error) {
		return h.result(w, r, &Result{
			ProviderID: p.ID(),
			Params:     &params.AuthParams,
			Err:        endpoint.Error(status, message, err),
		})
	}

	var err error
	if params.AuthParams, err = h.preAuth(ctx, r, p.ID(), params.AuthParams); err != nil {
		return fail(http.StatusBadRequest, "pre-auth failed", err)
	}
	if len(params.AppData) > maxAppDataBytes {
		return fail(http.StatusBadRequest, fmt.Sprintf("app_data exceeds maximum length of %d bytes", maxAppDataBytes), nil)
	}

	state, err := randomString()
	if err != nil {
		return fail(http.StatusInternalServerError, "failed to generate state", err)
	}
	fs := flowState{Params: params.AuthParams}

	var authOpts []oauth2.AuthCodeOption
	if p.usePKCE {
		verifier, challenge, err := generatePKCE()
		if err != nil {
			return fail(http.StatusInternalServerError, "failed to generate PKCE", err)
		}
		fs.PKCEVerifier = verifier
		authOpts = append(authOpts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	}
	if p.IsOIDC() {
		if fs.Nonce, err = randomString(); err != nil {
			return fail(http.StatusInternalServerError, "failed to generate nonce", err)
		}
		authOpts = append(authOpts, oidc.Nonce(fs.Nonce))
	}

	if err := h.jar.add(w, r, state, fs); err != nil {
		return fail(http.StatusInternalServerError, "failed to save state", err)
	}
	return &endpoint.RedirectRenderer{
		URL:    h.config(p).AuthCodeURL(state, authOpts...),
		Status: http.StatusFound,
	}, nil
}

// config returns p's OAuth2 config with our callback URL.
func (h *Handler) config(p *Provider) *oauth2.Config {
	conf := *p.config
	conf.RedirectURL = h.callbackURL(p.ID())
	return &conf
}

func (h *Handler) callbackURL(providerID string) string {
	u, err := url.Parse(h.publicURL)
	if err != nil {
		return h.publicURL + path.Join(h.basePath, "callback", providerID)
	}
	u.Path = path.Join(u.Path, h.basePath, "callback", providerID)
	return u.String()
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, cb CallbackParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	p, ok := h.providers.Get(cb.ProviderID)
	if !ok {
		return nil, endpoint.Error(http.StatusNotFound, "provider not found", nil)
	}

	// The state is consumed before anything else, so a callback is
	// reported at most once.
	fs, err := h.jar.pop(w, r, cb.State)
	if err != nil {
		return h.result(w, r, &Result{
			ProviderID: p.ID(),
			Err:        endpoint.Error(http.StatusBadRequest, "invalid state", err),
		})
	}
	res := &Result{ProviderID: p.ID(), Params: &fs.Params}
	fail := func(status int, message string, err error) (endpoint.Renderer, error) {
		res.Token, res.IDToken = nil, nil
		res.Err = endpoint.Error(status, message, err)
		return h.result(w, r, res)
	}

	if cb.Error != "" {
		return fail(http.StatusBadRequest, "provider returned error", &ProviderError{Code: cb.Error, Description: cb.ErrorDesc})
	}

	var exchangeOpts []oauth2.AuthCodeOption
	if fs.PKCEVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(fs.PKCEVerifier))
	}
	if res.Token, err = h.config(p).Exchange(ctx, cb.Code, exchangeOpts...); err != nil {
		return fail(http.StatusInternalServerError, "token exchange failed", err)
	}

	if p.IsOIDC() {
		raw, ok := res.Token.Extra("id_token").(string)
		if !ok {
			return fail(http.StatusInternalServerError, "no id_token returned", errors.New("auth: no id_token"))
		}
		if res.IDToken, err = p.verifier.Verify(ctx, raw); err != nil {
			return fail(http.StatusInternalServerError, "id_token verification failed", err)
		}
		if fs.Nonce != "" && subtle.ConstantTimeCompare([]byte(res.IDToken.Nonce), []byte(fs.Nonce)) != 1 {
			return fail(http.StatusBadRequest, "nonce mismatch", errors.New("auth: nonce mismatch"))
		}
	}

	if h.issuer != nil {
		if status, message, err := h.startSession(ctx, res); err != nil {
			return fail(status, message, err)
		}
	}
	return h.result(w, r, res)
}

// startSession issues an access token for res and logs the request's
// session in with it.
func (h *Handler) startSession(ctx context.Context, res *Result) (int, string, error) {
	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return http.StatusInternalServerError, "no session", middleware.ErrNilSession
	}
	username, token, err := h.issuer.Issue(ctx, res)
	switch {
	case errors.Is(err, ErrNotPermitted):
		return http.StatusForbidden, "login not permitted", err
	case errors.Is(err, ErrNoIdentity):
		return http.StatusBadRequest, "no user identity", err
	case err != nil:
		return http.StatusInternalServerError, "failed to issue access token", err
	}
	if err := sess.Login(username, token); err != nil {
		return http.StatusInternalServerError, "failed to start session", err
	}
	res.Username, res.AccessToken = username, token
	h.log.Info("user logged in", "provider", res.ProviderID, "username", username)
	return 0, "", nil
}

type LogoutParams struct {
	NextURL string `query:"next_url"`
}

func (h *Handler) logout(_ http.ResponseWriter, r *http.Request, params LogoutParams) (endpoint.Renderer, error) {
	ctx := r.Context()
	if sess, ok := middleware.SessionFromContext(ctx); ok {
		if token := sess.AccessToken(); token != "" && h.issuer != nil {
			if err := h.issuer.Revoke(ctx, token); err != nil {
				h.log.Warn("failed to revoke access token", "err", err)
			}
		}
		if err := sess.Logout(); err != nil {
			return nil, err
		}
	}
	return &endpoint.RedirectRenderer{URL: LocalURL(params.NextURL), Status: http.StatusSeeOther}, nil
}

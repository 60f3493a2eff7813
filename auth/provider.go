package auth

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider is a configured OAuth2 or OIDC identity provider.
type Provider struct {
	id       string
	config   *oauth2.Config
	oidc     *oidc.Provider        // nil for plain OAuth2
	verifier *oidc.IDTokenVerifier // nil for plain OAuth2
	usePKCE  bool
}

// NewProvider returns a provider with PKCE enabled. Pass a nil oidcProvider
// for plain OAuth2.
func NewProvider(id string, config *oauth2.Config, oidcProvider *oidc.Provider, verifier *oidc.IDTokenVerifier) *Provider {
	return &Provider{
		id:       id,
		config:   config,
		oidc:     oidcProvider,
		verifier: verifier,
		usePKCE:  true,
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Config() *oauth2.Config { return p.config }

// Verifier returns the ID token verifier, or nil for plain OAuth2.
func (p *Provider) Verifier() *oidc.IDTokenVerifier { return p.verifier }

// IsOIDC reports whether the provider returns ID tokens.
func (p *Provider) IsOIDC() bool { return p.oidc != nil }

// SetPKCE enables or disables PKCE for this provider.
func (p *Provider) SetPKCE(enable bool) { p.usePKCE = enable }

// Providers is the set of providers a Handler can log in with. It is safe
// for concurrent use.
type Providers struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewProviders() *Providers {
	return &Providers{providers: make(map[string]*Provider)}
}

// Add registers p, replacing any provider with the same ID.
func (ps *Providers) Add(p *Provider) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.providers[p.ID()] = p
}

func (ps *Providers) Get(id string) (*Provider, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.providers[id]
	return p, ok
}

// IDs returns the registered provider IDs in sorted order.
func (ps *Providers) IDs() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]string, 0, len(ps.providers))
	for id := range ps.providers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// OIDCOption configures the ID token verifier of an OIDC provider.
type OIDCOption func(*oidc.Config)

// WithSkipIssuerCheck disables issuer validation, for providers with a
// per-tenant issuer such as Microsoft's /common endpoint.
func WithSkipIssuerCheck() OIDCOption {
	return func(c *oidc.Config) { c.SkipIssuerCheck = true }
}

// AddOIDC discovers issuer and registers it under id. The redirect URL is
// filled in by the Handler.
func (ps *Providers) AddOIDC(ctx context.Context, id, issuer, clientID, clientSecret string, scopes []string, opts ...OIDCOption) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("auth: discovering provider %q: %w", issuer, err)
	}
	if !slices.Contains(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	vc := &oidc.Config{ClientID: clientID}
	for _, opt := range opts {
		opt(vc)
	}
	ps.Add(NewProvider(id, &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}, provider, provider.Verifier(vc)))
	return nil
}

// AddOAuth2 registers a plain OAuth2 provider. Logins through it need an
// Issuer with WithIdentify, since there is no ID token to name the user.
func (ps *Providers) AddOAuth2(id string, config *oauth2.Config) {
	ps.Add(NewProvider(id, config, nil, nil))
}

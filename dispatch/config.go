package dispatch

import (
	"log/slog"
	"slices"
	"time"

	"github.com/mnehpets/rolerpc/roles"
	"github.com/mnehpets/rolerpc/rpcerr"
)

// DefaultHookTimeout bounds each context and argument hook.
const DefaultHookTimeout = 20 * time.Second

// Config holds registry-wide settings.
type Config struct {
	// Roles is the role table shared by all services.
	Roles roles.Table
	// Whitelist lists the error codes every service may reveal.
	Whitelist []string
	// HookTimeout bounds each hook invocation. Zero disables the bound.
	HookTimeout time.Duration
	// Development adds stacks to client errors. Never enable it for remote
	// callers.
	Development bool
	Logger      *slog.Logger
}

// DefaultWhitelist returns the codes revealed by default.
func DefaultWhitelist() []string {
	return []string{
		rpcerr.CodeError,
		rpcerr.CodeUnknownAPI,
		rpcerr.CodeUnknownMethod,
		rpcerr.CodeMalformedCall,
		rpcerr.CodeMaintenance,
		rpcerr.CodePermission,
	}
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Roles:       roles.Default(),
		Whitelist:   DefaultWhitelist(),
		HookTimeout: DefaultHookTimeout,
	}
}

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	cfg       Config
	authority Authority
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *registryOptions) {
		o.cfg = cfg
	}
}

// WithRoles sets the role table.
func WithRoles(t roles.Table) Option {
	return func(o *registryOptions) {
		o.cfg.Roles = t
	}
}

// WithHookTimeout sets the per-hook bound.
func WithHookTimeout(d time.Duration) Option {
	return func(o *registryOptions) {
		o.cfg.HookTimeout = d
	}
}

// WithDevelopment toggles stacks in client errors.
func WithDevelopment(dev bool) Option {
	return func(o *registryOptions) {
		o.cfg.Development = dev
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *registryOptions) {
		o.cfg.Logger = l
	}
}

// WithAuthority sets the access authority consulted before context hooks.
func WithAuthority(a Authority) Option {
	return func(o *registryOptions) {
		o.authority = a
	}
}

// WithWhitelist adds codes to the registry whitelist.
func WithWhitelist(codes ...string) Option {
	return func(o *registryOptions) {
		o.cfg.Whitelist = append(slices.Clone(o.cfg.Whitelist), codes...)
	}
}

// Package config loads rolerpcd settings from a .env file and the
// environment. Variables carry the ROLERPC_ prefix; LOG_LEVEL and
// DATABASE_URL are also read without it.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/mnehpets/rolerpc/dispatch"
	"github.com/mnehpets/rolerpc/middleware"
	"github.com/mnehpets/rolerpc/roles"
)

const logPrefix = "config"

// Prefix is the environment variable prefix.
const Prefix = "rolerpc"

// Access record stores.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreFile     = "file"
)

// Config holds rolerpcd configuration.
type Config struct {
	// HTTP
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	RPCPath     string   `envconfig:"RPC_PATH" default:"/rpc"`
	PublicURL   string   `envconfig:"PUBLIC_URL" default:"http://localhost:8080"`
	BodyLimit   int64    `envconfig:"BODY_LIMIT" default:"1000000"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
	HSTSMaxAge  int      `envconfig:"HSTS_MAX_AGE"`

	// Dispatch
	RolesFile   string        `envconfig:"ROLES_FILE"`
	Whitelist   []string      `envconfig:"WHITELIST"`
	HookTimeout time.Duration `envconfig:"HOOK_TIMEOUT" default:"20s"`
	Development bool          `envconfig:"DEVELOPMENT" default:"false"`

	// Access records
	Store        string `envconfig:"STORE" default:"memory"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	StoreDir     string `envconfig:"STORE_DIR" default:"access"`
	EnsureSchema bool   `envconfig:"ENSURE_SCHEMA" default:"true"`

	// NATS binding; disabled when NATSURL is empty.
	NATSURL        string        `envconfig:"NATS_URL"`
	NATSName       string        `envconfig:"NATS_NAME" default:"rolerpcd"`
	NATSPrefix     string        `envconfig:"NATS_PREFIX" default:"rpc"`
	NATSQueue      string        `envconfig:"NATS_QUEUE" default:"rolerpcd"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// Sessions. SessionKey is base64 and required for logins.
	SessionKeyID  string        `envconfig:"SESSION_KEY_ID" default:"1"`
	SessionKey    string        `envconfig:"SESSION_KEY"`
	SessionPeriod time.Duration `envconfig:"SESSION_PERIOD" default:"24h"`

	// OIDC login; disabled when OIDCIssuer is empty.
	OIDCProvider     string        `envconfig:"OIDC_PROVIDER" default:"oidc"`
	OIDCIssuer       string        `envconfig:"OIDC_ISSUER"`
	OIDCClientID     string        `envconfig:"OIDC_CLIENT_ID"`
	OIDCClientSecret string        `envconfig:"OIDC_CLIENT_SECRET"`
	OIDCScopes       []string      `envconfig:"OIDC_SCOPES" default:"email,profile"`
	GrantRoles       []string      `envconfig:"GRANT_ROLES" default:"user"`
	TokenExpiry      time.Duration `envconfig:"TOKEN_EXPIRY" default:"24h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the given .env files, or ".env" when none are named, then the
// environment. Missing .env files are ignored; variables already set in the
// environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s - failed to read %s: %w", logPrefix, f, err)
		}
	}
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// Validate checks the settings needed to serve.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreFile:
		if c.StoreDir == "" {
			errs = append(errs, errors.New("ROLERPC_STORE_DIR is required for the file store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.HookTimeout < 0 {
		errs = append(errs, errors.New("ROLERPC_HOOK_TIMEOUT must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("ROLERPC_REQUEST_TIMEOUT must be positive"))
	}
	if c.BodyLimit <= 0 {
		errs = append(errs, errors.New("ROLERPC_BODY_LIMIT must be positive"))
	}
	if !strings.HasPrefix(c.RPCPath, "/") {
		errs = append(errs, errors.New("ROLERPC_RPC_PATH must start with /"))
	}
	if _, err := c.SessionKeys(); err != nil {
		errs = append(errs, err)
	}
	if c.OIDCEnabled() {
		if c.OIDCClientID == "" {
			errs = append(errs, errors.New("ROLERPC_OIDC_CLIENT_ID is required for OIDC login"))
		}
		if c.SessionKey == "" {
			errs = append(errs, errors.New("ROLERPC_SESSION_KEY is required for OIDC login"))
		}
	}
	if _, ok := levels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s - invalid configuration: %w", logPrefix, err)
	}
	return nil
}

// OIDCEnabled reports whether OIDC login is configured.
func (c *Config) OIDCEnabled() bool { return c.OIDCIssuer != "" }

// NATSEnabled reports whether the NATS binding is configured.
func (c *Config) NATSEnabled() bool { return c.NATSURL != "" }

// SessionKeys decodes SessionKey into a key ring for the session and login
// cookies. It returns nil when no key is set.
func (c *Config) SessionKeys() (map[string][]byte, error) {
	if c.SessionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("ROLERPC_SESSION_KEY is not base64: %w", err)
	}
	if len(key) != middleware.KeySize {
		return nil, fmt.Errorf("ROLERPC_SESSION_KEY must decode to %d bytes, got %d", middleware.KeySize, len(key))
	}
	return map[string][]byte{c.SessionKeyID: key}, nil
}

// RoleTable returns the role table from RolesFile, or the default table.
func (c *Config) RoleTable() (roles.Table, error) {
	if c.RolesFile == "" {
		return roles.Default(), nil
	}
	data, err := os.ReadFile(c.RolesFile)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return roles.ParseYAML(data)
}

// Dispatch returns the registry configuration.
func (c *Config) Dispatch(log *slog.Logger) (dispatch.Config, error) {
	t, err := c.RoleTable()
	if err != nil {
		return dispatch.Config{}, err
	}
	if _, err := roles.Build(t); err != nil {
		return dispatch.Config{}, err
	}
	cfg := dispatch.DefaultConfig()
	cfg.Roles = t
	if len(c.Whitelist) > 0 {
		cfg.Whitelist = c.Whitelist
	}
	cfg.HookTimeout = c.HookTimeout
	cfg.Development = c.Development
	cfg.Logger = log
	return cfg, nil
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Level returns LogLevel as a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	if l, ok := levels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

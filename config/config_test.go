package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/rolerpc/rpcerr"
)

var envKeys = []string{
	"ROLERPC_HTTP_ADDR", "ROLERPC_STORE", "ROLERPC_DATABASE_URL", "DATABASE_URL",
	"ROLERPC_LOG_LEVEL", "LOG_LEVEL", "ROLERPC_SESSION_KEY", "ROLERPC_OIDC_ISSUER",
	"ROLERPC_OIDC_CLIENT_ID", "ROLERPC_ROLES_FILE", "ROLERPC_WHITELIST",
	"ROLERPC_GRANT_ROLES", "ROLERPC_NATS_URL",
}

// clearEnv unsets keys for the test and restores them afterwards, including
// values set by a loaded .env file.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, "/rpc", c.RPCPath)
	assert.Equal(t, StoreMemory, c.Store)
	assert.Equal(t, 20*time.Second, c.HookTimeout)
	assert.Equal(t, []string{"user"}, c.GrantRoles)
	assert.Equal(t, []string{"email", "profile"}, c.OIDCScopes)
	assert.Equal(t, 24*time.Hour, c.TokenExpiry)
	assert.False(t, c.OIDCEnabled())
	assert.False(t, c.NATSEnabled())
	assert.NoError(t, c.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	env := writeFile(t, "test.env", strings.Join([]string{
		"ROLERPC_STORE=postgres",
		"DATABASE_URL=postgres://localhost/rolerpc",
		"LOG_LEVEL=debug",
		"ROLERPC_HTTP_ADDR=:7000",
		"ROLERPC_WHITELIST=error,record_exists",
	}, "\n"))
	os.Setenv("ROLERPC_HTTP_ADDR", ":9000")

	c, err := Load(env)
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, c.Store)
	assert.Equal(t, "postgres://localhost/rolerpc", c.DatabaseURL)
	assert.Equal(t, ":9000", c.HTTPAddr, "environment wins over .env")
	assert.Equal(t, []string{"error", "record_exists"}, c.Whitelist)
	assert.Equal(t, "debug", c.LogLevel)
	assert.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)

	for name, tc := range map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"postgres needs url": {func(c *Config) { c.Store = StorePostgres }, "DATABASE_URL"},
		"unknown store":      {func(c *Config) { c.Store = "redis" }, `unknown store "redis"`},
		"bad session key":    {func(c *Config) { c.SessionKey = "c2hvcnQ=" }, "must decode to 32 bytes"},
		"oidc client id": {func(c *Config) {
			c.OIDCIssuer = "https://issuer.example.com"
			c.SessionKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
		}, "OIDC_CLIENT_ID"},
		"oidc session key": {func(c *Config) {
			c.OIDCIssuer = "https://issuer.example.com"
			c.OIDCClientID = "cid"
		}, "SESSION_KEY is required"},
		"log level":   {func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		"rpc path":    {func(c *Config) { c.RPCPath = "rpc" }, "RPC_PATH"},
		"body limit":  {func(c *Config) { c.BodyLimit = 0 }, "BODY_LIMIT"},
		"req timeout": {func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
	} {
		t.Run(name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSessionKeys(t *testing.T) {
	c := &Config{SessionKeyID: "k1"}
	keys, err := c.SessionKeys()
	require.NoError(t, err)
	assert.Nil(t, keys)

	key := make([]byte, 32)
	key[0] = 7
	c.SessionKey = base64.StdEncoding.EncodeToString(key)
	keys, err = c.SessionKeys()
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k1": key}, keys)

	c.SessionKey = "!!"
	_, err = c.SessionKeys()
	assert.Error(t, err)
}

func TestDispatchConfig(t *testing.T) {
	c := &Config{
		RolesFile:   writeFile(t, "roles.yaml", "owner: 10\nguest: {priority: 20, anonymous: true}\n"),
		Whitelist:   []string{rpcerr.CodeRecordExists},
		HookTimeout: time.Second,
		Development: true,
	}
	cfg, err := c.Dispatch(nil)
	require.NoError(t, err)
	require.Len(t, cfg.Roles, 2)
	assert.Equal(t, "owner", cfg.Roles[0].Name)
	assert.True(t, cfg.Roles[1].Anonymous)
	assert.Equal(t, []string{rpcerr.CodeRecordExists}, cfg.Whitelist)
	assert.Equal(t, time.Second, cfg.HookTimeout)
	assert.True(t, cfg.Development)

	c.Whitelist = nil
	c.RolesFile = ""
	cfg, err = c.Dispatch(nil)
	require.NoError(t, err)
	assert.Len(t, cfg.Roles, 4)
	assert.Contains(t, cfg.Whitelist, rpcerr.CodePermission)

	c.RolesFile = writeFile(t, "bad.yaml", "- not a mapping\n")
	_, err = c.Dispatch(nil)
	assert.Error(t, err)

	c.RolesFile = filepath.Join(t.TempDir(), "absent.yaml")
	_, err = c.Dispatch(nil)
	assert.Error(t, err)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", (&Config{LogLevel: "Debug"}).Level().String())
	assert.Equal(t, "INFO", (&Config{LogLevel: "nonsense"}).Level().String())
}

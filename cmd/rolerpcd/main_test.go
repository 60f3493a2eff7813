package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"ROLERPC_STORE", "ROLERPC_STORE_DIR", "ROLERPC_ROLES_FILE", "ROLERPC_SESSION_KEY",
	"ROLERPC_OIDC_ISSUER", "ROLERPC_NATS_URL", "ROLERPC_LOG_LEVEL", "LOG_LEVEL",
	"ROLERPC_DATABASE_URL", "DATABASE_URL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

// run executes the root command and returns its standard output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRolesCommand(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "roles")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"ROLE", "PRIORITY", "ANONYMOUS", "SERVABLE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"server", "100", "false", "false"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"public", "400", "true", "true"}, strings.Fields(lines[4]))
}

func TestRolesCommandFromFile(t *testing.T) {
	clearEnv(t)
	p := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(p, []byte("owner: 10\nguest: {priority: 20, anonymous: true}\n"), 0o600))
	t.Setenv("ROLERPC_ROLES_FILE", p)

	out, err := run(t, "roles")
	require.NoError(t, err)
	assert.Contains(t, out, "owner")
	assert.NotContains(t, out, "admin")
}

func TestDescribeCommand(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "describe")
	require.NoError(t, err)

	var info map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	require.Contains(t, info, SystemService)
	assert.Contains(t, info[SystemService]["public"], "ping")
	assert.Contains(t, info[SystemService]["admin"], "revokeToken")
}

func TestTokenCommands(t *testing.T) {
	clearEnv(t)
	t.Setenv("ROLERPC_STORE", "file")
	t.Setenv("ROLERPC_STORE_DIR", t.TempDir())

	out, err := run(t, "token", "create", "--roles", "admin,user")
	require.NoError(t, err)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	out, err = run(t, "token", "show", token)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, token, rec["access_token"])
	assert.Equal(t, []any{"admin", "user"}, rec["roles"])
	assert.Nil(t, rec["expires"])

	_, err = run(t, "token", "show", "unknown")
	assert.Error(t, err)

	_, err = run(t, "token", "create")
	assert.ErrorContains(t, err, "role")
}

func TestTokenRefusesMemoryStore(t *testing.T) {
	clearEnv(t)
	_, err := run(t, "token", "create", "--roles", "admin")
	assert.ErrorContains(t, err, "does not persist")
}

func TestServeValidatesConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("ROLERPC_STORE", "postgres")
	_, err := run(t, "serve")
	assert.ErrorContains(t, err, "DATABASE_URL")
}

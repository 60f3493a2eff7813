package roles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOrder(t *testing.T) {
	s := MustBuild(Default())
	assert.Equal(t, []string{Server, Admin, User, Public}, s.Names())

	server, ok := s.ByName(Server)
	require.True(t, ok)
	assert.False(t, server.Servable)
	assert.Equal(t, 100, server.Priority)

	public, ok := s.ByName(Public)
	require.True(t, ok)
	assert.True(t, public.Anonymous)
	assert.True(t, public.Servable)

	_, ok = s.ByName("root")
	assert.False(t, ok)
}

func TestBuildSortsStable(t *testing.T) {
	s := MustBuild(Table{
		Shorthand("b", 20),
		Shorthand("a", 10),
		Shorthand("c", 20),
		Shorthand("d", 5),
	})
	assert.Equal(t, []string{"d", "a", "b", "c"}, s.Names())

	// Repeated builds give the same order.
	for i := 0; i < 10; i++ {
		assert.Equal(t, s.Names(), MustBuild(Table{
			Shorthand("b", 20),
			Shorthand("a", 10),
			Shorthand("c", 20),
			Shorthand("d", 5),
		}).Names())
	}
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(Table{{Name: "x"}})
	assert.ErrorIs(t, err, ErrMissingPriority)

	_, err = Build(Table{Shorthand("x", 1), Shorthand("x", 2)})
	assert.ErrorIs(t, err, ErrDuplicateRole)

	_, err = Build(Table{Shorthand("", 1)})
	assert.ErrorIs(t, err, ErrEmptyName)

	assert.Panics(t, func() { MustBuild(Table{{Name: "x"}}) })
}

func TestOrderedIsCopy(t *testing.T) {
	s := MustBuild(Default())
	o := s.Ordered()
	o[0].Name = "changed"
	assert.Equal(t, Server, s.Ordered()[0].Name)
}

func TestParseYAML(t *testing.T) {
	tbl, err := ParseYAML([]byte(`
server: {priority: 100, servable: false}
admin: 200
user: 300
public:
  priority: 400
  anonymous: true
`))
	require.NoError(t, err)
	s, err := Build(tbl)
	require.NoError(t, err)
	assert.Equal(t, MustBuild(Default()).Ordered(), s.Ordered())

	tbl, err = ParseYAML([]byte("broken: {anonymous: true}\n"))
	require.NoError(t, err)
	_, err = Build(tbl)
	assert.ErrorIs(t, err, ErrMissingPriority)

	_, err = ParseYAML([]byte("- a\n- b\n"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("a: [1, 2]\n"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ops: 50\nguest: {priority: 900, anonymous: true}\n"), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "guest"}, s.Names())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSources(t *testing.T) {
	t.Setenv("STRAND_TEST_TOKEN", "from-env")

	secretPath := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-file\n"), 0o600))

	r, err := NewResolver([]Reference{
		{Name: "api-token", Source: SourceEnv, Key: "STRAND_TEST_TOKEN"},
		{Name: "inline", Source: SourceStatic, Key: "from-static"},
		{Name: "on-disk", Source: SourceFile, Key: secretPath},
	})
	require.NoError(t, err)

	for name, want := range map[string]string{
		"api-token": "from-env",
		"inline":    "from-static",
		"on-disk":   "from-file",
	} {
		got, err := r.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestResolveErrors(t *testing.T) {
	r, err := NewResolver([]Reference{
		{Name: "unset", Source: SourceEnv, Key: "STRAND_TEST_DEFINITELY_UNSET"},
		{Name: "gone", Source: SourceFile, Key: "/nonexistent/secret"},
	})
	require.NoError(t, err)

	_, err = r.Resolve("unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("unset")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve("gone")
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	_, err := NewResolver([]Reference{{Source: SourceEnv, Key: "X"}})
	assert.Error(t, err, "missing name")

	_, err = NewResolver([]Reference{{Name: "x", Source: "vault", Key: "X"}})
	assert.Error(t, err, "unknown source")

	_, err = NewResolver([]Reference{
		{Name: "x", Source: SourceStatic, Key: "1"},
		{Name: "x", Source: SourceStatic, Key: "2"},
	})
	assert.Error(t, err, "duplicate name")
}

func TestRegisterAtRuntime(t *testing.T) {
	r, err := NewResolver(nil)
	require.NoError(t, err)

	r.Register(Reference{Name: "late", Source: SourceStatic, Key: "value"})
	got, err := r.Resolve("late")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

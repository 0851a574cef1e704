package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()

	k1, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	// A second load returns the same secret.
	k2, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	assert.Equal(t, k1.Sign(3), k2.Sign(3))

	// Key file is private.
	st, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestSignVerify(t *testing.T) {
	dir := t.TempDir()
	k, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	sig := k.Sign(3)
	assert.True(t, k.Verify(3, sig))
	assert.False(t, k.Verify(4, sig), "signature binds the rank")
	assert.False(t, k.Verify(3, "deadbeef"))
	assert.False(t, k.Verify(3, "not-hex"))

	// A different session's keys never verify.
	other, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)
	assert.False(t, other.Verify(3, sig))
}

func TestRejectsTruncatedKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFile), []byte("short"), 0o600))
	_, err := LoadOrGenerate(dir)
	assert.Error(t, err)
}

package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieStoreRoundTrip(t *testing.T) {
	store, err := NewCookieStore(t.TempDir())
	require.NoError(t, err)

	bundle := Bundle{
		{Name: "z_c0", Value: "token-value", Domain: ".zhihu.com", Path: "/"},
		{Name: "d_c0", Value: "device-id", Domain: ".zhihu.com", Path: "/"},
	}
	require.NoError(t, store.Save("zhihu", "alice", bundle))

	loaded, err := store.Load("zhihu", "alice")
	require.NoError(t, err)
	assert.Equal(t, bundle, loaded)
}

func TestCookieStoreMissingBundle(t *testing.T) {
	store, err := NewCookieStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("zhihu", "nobody")
	assert.ErrorIs(t, err, ErrNoCookies)
}

func TestCookieStoreInvalidate(t *testing.T) {
	store, err := NewCookieStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("zhihu", "bob", Bundle{{Name: "a", Value: "b"}}))
	require.NoError(t, store.Invalidate("zhihu", "bob"))

	_, err = store.Load("zhihu", "bob")
	assert.ErrorIs(t, err, ErrNoCookies)

	// Invalidating twice is not an error
	require.NoError(t, store.Invalidate("zhihu", "bob"))
}

func TestCookieStoreEmptyBundleIsNoCookies(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCookieStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "zhihu_carol.json"), []byte("[]"), 0o600))

	_, err = store.Load("zhihu", "carol")
	assert.ErrorIs(t, err, ErrNoCookies)
}

func TestCookieStoreCorruptBundle(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCookieStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "zhihu_dave.json"), []byte("{not json"), 0o600))

	_, err = store.Load("zhihu", "dave")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCookies)
}

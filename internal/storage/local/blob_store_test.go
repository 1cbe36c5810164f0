// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotwatch/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("CreatesNestedDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestPutObject(t *testing.T) {
	base := t.TempDir()
	store, err := local.New(local.Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "bookings/run_1/abc.pdf", "application/pdf", []byte("%PDF"))
	require.NoError(t, err)
	full := filepath.Join(base, "bookings", "run_1", "abc.pdf")
	assert.Equal(t, "file://"+full, uri)

	data, err := os.ReadFile(full) //nolint:gosec
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
}

func TestPutObjectPublicURL(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir(), PublicBaseURL: "https://files.example.com/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "bookings/run_1/abc.pdf", "application/pdf", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/bookings/run_1/abc.pdf", uri)
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.pdf", "", []byte("x"))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), "", "", []byte("x"))
	assert.Error(t, err)
}

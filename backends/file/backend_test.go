package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/backends/backendtest"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	backendtest.RunConformanceSuite(t, func(t *testing.T) blockstore.Backend {
		b, err := NewBackend(t.TempDir())
		if err != nil {
			t.Fatalf("unable to create file backend: %v", err)
		}
		return b
	})
}

func TestNewBackendMissingDir(t *testing.T) {
	_, err := NewBackend(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected an error for a missing dir")
	}
}

func TestInvalidKeys(t *testing.T) {
	b, err := NewBackend(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "/abs", "loc/../escape", "./loc"} {
		err := b.Upload(context.Background(), key, []byte("x"))
		require.ErrorIs(t, err, blockstore.ErrInvalidConfig, "key %q", key)
	}
}

func TestClearRemovesLocationDir(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Upload(ctx, "loc/b0", []byte("x")))
	require.NoError(t, b.Clear(ctx, "loc/", nil))

	_, err = os.Stat(filepath.Join(dir, "loc"))
	require.True(t, os.IsNotExist(err), "expected loc dir to be gone, got %v", err)
}

func TestUploadLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(dir)
	require.NoError(t, err)

	require.NoError(t, b.Upload(context.Background(), "loc/index", []byte("hello")))

	entries, err := os.ReadDir(filepath.Join(dir, "loc"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "index", entries[0].Name())
}

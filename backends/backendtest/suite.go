// Package backendtest is a conformance suite shared by the Backend
// implementations.
package backendtest

import (
	"testing"

	"github.com/kochman/blockstore"
	"github.com/kochman/blockstore/pool"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty backend for each test. Cleanup belongs in
// t.Cleanup.
type Factory func(t *testing.T) blockstore.Backend

// RunConformanceSuite runs every test against backends built by factory.
// Conditional tests run only when the backend is a ConditionalBackend.
func RunConformanceSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("UploadDownload", func(t *testing.T) { testUploadDownload(t, factory) })
	t.Run("DownloadMissing", func(t *testing.T) { testDownloadMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("EmptyObject", func(t *testing.T) { testEmptyObject(t, factory) })
	t.Run("Clear", func(t *testing.T) { testClear(t, factory, nil) })
	t.Run("ClearParallel", func(t *testing.T) {
		p := pool.New(4)
		defer p.Release()
		testClear(t, factory, p)
	})
	t.Run("Conditional", func(t *testing.T) { testConditional(t, factory) })
}

func testUploadDownload(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := t.Context()

	ok, err := b.Exists(ctx, "loc/index")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Upload(ctx, "loc/index", []byte("hello")))

	ok, err = b.Exists(ctx, "loc/index")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := b.Download(ctx, "loc/index")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func testDownloadMissing(t *testing.T, factory Factory) {
	b := factory(t)

	_, err := b.Download(t.Context(), "nope/b0")
	require.ErrorIs(t, err, blockstore.ErrNotFound)
}

func testOverwrite(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := t.Context()

	require.NoError(t, b.Upload(ctx, "loc/b1", []byte("first")))
	require.NoError(t, b.Upload(ctx, "loc/b1", []byte("second")))

	data, err := b.Download(ctx, "loc/b1")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)
}

func testEmptyObject(t *testing.T, factory Factory) {
	b := factory(t)
	ctx := t.Context()

	require.NoError(t, b.Upload(ctx, "loc/empty", nil))
	data, err := b.Download(ctx, "loc/empty")
	require.NoError(t, err)
	require.Empty(t, data)
}

func testClear(t *testing.T, factory Factory, ex blockstore.Executor) {
	b := factory(t)
	ctx := t.Context()

	for _, key := range []string{"loc/index", "loc/b0", "loc/b1", "loc/b2", "loc2/index", "loc2/b0"} {
		require.NoError(t, b.Upload(ctx, key, []byte(key)))
	}

	require.NoError(t, b.Clear(ctx, blockstore.LocationPrefix("loc"), ex))

	for _, key := range []string{"loc/index", "loc/b0", "loc/b1", "loc/b2"} {
		ok, err := b.Exists(ctx, key)
		require.NoError(t, err)
		require.False(t, ok, "%s should have been cleared", key)
	}
	for _, key := range []string{"loc2/index", "loc2/b0"} {
		data, err := b.Download(ctx, key)
		require.NoError(t, err, "%s should survive clearing loc/", key)
		require.Equal(t, []byte(key), data)
	}

	// clearing an empty prefix is not an error
	require.NoError(t, b.Clear(ctx, blockstore.LocationPrefix("missing"), ex))
}

func testConditional(t *testing.T, factory Factory) {
	b := factory(t)
	cb, ok := b.(blockstore.ConditionalBackend)
	if !ok {
		t.Skip("backend does not support conditional uploads")
	}
	ctx := t.Context()

	// create only if absent
	require.NoError(t, cb.UploadIf(ctx, "loc/index", []byte("v1"), ""))
	err := cb.UploadIf(ctx, "loc/index", []byte("again"), "")
	require.ErrorIs(t, err, blockstore.ErrPreconditionFailed)

	data, v1, err := cb.DownloadVersion(ctx, "loc/index")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), data)
	require.NotEmpty(t, v1)

	require.NoError(t, cb.UploadIf(ctx, "loc/index", []byte("v2"), v1))

	// v1 is stale now
	err = cb.UploadIf(ctx, "loc/index", []byte("v3"), v1)
	require.ErrorIs(t, err, blockstore.ErrPreconditionFailed)

	data, v2, err := cb.DownloadVersion(ctx, "loc/index")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)
	require.NotEqual(t, v1, v2)

	// a version for an object that does not exist never matches
	err = cb.UploadIf(ctx, "loc/other", []byte("x"), v2)
	require.ErrorIs(t, err, blockstore.ErrPreconditionFailed)

	_, _, err = cb.DownloadVersion(ctx, "loc/missing")
	require.ErrorIs(t, err, blockstore.ErrNotFound)
}

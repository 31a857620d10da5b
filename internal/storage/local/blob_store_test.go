package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-archiver/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "export", "site")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.Equal(t, dir, store.BaseDir())
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "example.test/about/index.html", "text/html", strings.NewReader("<p>about</p>"))
	require.NoError(t, err)
	want := filepath.Join(dir, "example.test", "about", "index.html")
	require.Equal(t, "file://"+filepath.ToSlash(want), uri)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "<p>about</p>", string(data))

	_, err = store.PutObject(ctx, "example.test/about/index.html", "text/html", strings.NewReader("v2"))
	require.NoError(t, err)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err = os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	_, err = store.PutObject(ctx, "", "text/plain", strings.NewReader("x"))
	require.Error(t, err)
	_, err = store.PutObject(ctx, "../escape.txt", "text/plain", strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.PutObject(canceled, "late.txt", "text/plain", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
}

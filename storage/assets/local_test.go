package assets_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/storage/assets"
	"github.com/entropool/entropool/utils/unittest"
)

func TestLocalProviderOpen(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte("console.log(1)"), 0o644))

		provider := assets.NewLocalProvider(dir)
		ctx := context.Background()

		asset, err := provider.Open(ctx, "index.html")
		require.NoError(t, err)
		assert.Equal(t, []byte("<html></html>"), asset.Body)
		assert.Contains(t, asset.ContentType, "text/html")

		// nested assets resolve with slash paths, leading slash included
		asset, err = provider.Open(ctx, "/js/app.js")
		require.NoError(t, err)
		assert.Equal(t, "js/app.js", asset.Name)
	})
}

func TestLocalProviderNotFound(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		provider := assets.NewLocalProvider(dir)
		_, err := provider.Open(context.Background(), "missing.css")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		secret := filepath.Join(dir, "secret.txt")
		require.NoError(t, os.WriteFile(secret, []byte("keep out"), 0o644))

		sub := filepath.Join(dir, "public")
		require.NoError(t, os.MkdirAll(sub, 0o755))

		provider := assets.NewLocalProvider(sub)
		ctx := context.Background()

		for _, name := range []string{"../secret.txt", "..", ".", "", "/"} {
			_, err := provider.Open(ctx, name)
			require.ErrorIs(t, err, storage.ErrNotFound, "name %q must not resolve", name)
		}
	})
}

func TestLocalProviderRejectsDirectory(t *testing.T) {
	unittest.RunWithTempDir(t, func(dir string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "css"), 0o755))

		provider := assets.NewLocalProvider(dir)
		_, err := provider.Open(context.Background(), "css")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

package assets_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/storage/assets"
)

// countingProvider serves assets from a map and counts backend fetches,
// so tests can tell cache hits from misses.
type countingProvider struct {
	objects map[string][]byte
	fetches int
}

func (p *countingProvider) Open(_ context.Context, name string) (*assets.Asset, error) {
	p.fetches++
	body, ok := p.objects[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &assets.Asset{Name: name, ContentType: "text/plain", Body: body}, nil
}

func TestCachedProviderServesFromCache(t *testing.T) {
	backend := &countingProvider{objects: map[string][]byte{
		"style.css": []byte("body {}"),
	}}
	provider, err := assets.NewCachedProvider(backend, 8, 0)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		asset, err := provider.Open(ctx, "style.css")
		require.NoError(t, err)
		assert.Equal(t, []byte("body {}"), asset.Body)
	}
	assert.Equal(t, 1, backend.fetches)
}

func TestCachedProviderExpiresEntries(t *testing.T) {
	backend := &countingProvider{objects: map[string][]byte{
		"app.js": []byte("1"),
	}}
	provider, err := assets.NewCachedProvider(backend, 8, 10*time.Millisecond)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = provider.Open(ctx, "app.js")
	require.NoError(t, err)
	require.Equal(t, 1, backend.fetches)

	// a fresh entry is served from cache
	_, err = provider.Open(ctx, "app.js")
	require.NoError(t, err)
	require.Equal(t, 1, backend.fetches)

	// once the entry expires the backend serves an updated body
	backend.objects["app.js"] = []byte("2")
	time.Sleep(20 * time.Millisecond)

	asset, err := provider.Open(ctx, "app.js")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), asset.Body)
	assert.Equal(t, 2, backend.fetches)
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	backend := &countingProvider{objects: map[string][]byte{}}
	provider, err := assets.NewCachedProvider(backend, 8, 0)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = provider.Open(ctx, "missing.txt")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// the asset appearing later must be visible immediately
	backend.objects["missing.txt"] = []byte("late")
	asset, err := provider.Open(ctx, "missing.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), asset.Body)
	assert.Equal(t, 2, backend.fetches)
}

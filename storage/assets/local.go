package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/entropool/entropool/storage"
)

// LocalProvider serves assets from a directory on disk.
type LocalProvider struct {
	root string
}

var _ Provider = (*LocalProvider)(nil)

func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{root: root}
}

// Open returns the asset with the given name.
//
// Expected errors during normal operations:
//   - storage.ErrNotFound if no file with this name exists under the root
func (p *LocalProvider) Open(_ context.Context, name string) (*Asset, error) {
	cleaned, ok := cleanName(name)
	if !ok {
		return nil, storage.ErrNotFound
	}

	fullPath := filepath.Join(p.root, filepath.FromSlash(cleaned))

	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("could not stat asset %s: %w", cleaned, err)
	}
	if info.IsDir() {
		// directories are not assets
		return nil, storage.ErrNotFound
	}

	body, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("could not read asset %s: %w", cleaned, err)
	}

	return &Asset{
		Name:        cleaned,
		ContentType: contentType(cleaned, body),
		Body:        body,
	}, nil
}

// Package assets serves the static files of the web client from a
// configurable backend: a local directory during development, an S3 bucket
// in production, optionally fronted by an in-memory cache.
package assets

import (
	"context"
	"mime"
	"net/http"
	"path"
	"strings"
)

// Asset is one static file, fully buffered.
type Asset struct {
	Name        string
	ContentType string
	Body        []byte
}

// Provider serves static assets by name.
type Provider interface {

	// Open returns the asset with the given name. The name is interpreted
	// relative to the provider's root; traversal outside the root resolves
	// to not found.
	//
	// Expected errors during normal operations:
	//   - storage.ErrNotFound if no asset with this name exists
	//   - storage.ErrUnavailable if the backend cannot be reached
	Open(ctx context.Context, name string) (*Asset, error)
}

// cleanName normalizes an asset name to a relative slash path, rejecting
// anything that would escape the provider root.
func cleanName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "", false
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// contentType resolves the content type from the file extension, falling
// back to sniffing the body.
func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

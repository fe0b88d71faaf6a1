// Package fetcher downloads remote documents over HTTP and reads batch
// manifests from CSV and XLSX files.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote documents.
type Fetcher interface {
	// Download fetches the URL and returns the response body and its
	// Content-Type. The caller closes the body.
	Download(ctx context.Context, url string) (io.ReadCloser, string, error)
}

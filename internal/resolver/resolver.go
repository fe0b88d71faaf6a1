// Package resolver turns file and URL documents into the plain text the
// extraction pipeline analyzes.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/cost"
	"github.com/sells-group/insights-cli/internal/fetcher"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/pkg/jina"
)

var (
	// ErrUnsupportedFormat is returned for inputs whose format has no text
	// extractor, or that contain no extractable text.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrFetch is returned when a file or URL cannot be read.
	ErrFetch = errors.New("document fetch failed")
)

// DefaultMaxBytes caps how much of a file or response body is read.
const DefaultMaxBytes = 20 << 20

// Resolver resolves DocumentInputs to text.
type Resolver struct {
	fetcher  fetcher.Fetcher
	jina     jina.Client
	pricing  *cost.Calculator
	maxBytes int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher sets the HTTP fetcher used for URL inputs.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(r *Resolver) { r.fetcher = f }
}

// WithJina routes non-Google URLs through the Jina Reader API.
func WithJina(c jina.Client) Option {
	return func(r *Resolver) { r.jina = c }
}

// WithPricing prices Jina Reader token usage in the debug log.
func WithPricing(c *cost.Calculator) Option {
	return func(r *Resolver) { r.pricing = c }
}

// WithMaxBytes caps the bytes read per document.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// New creates a Resolver. Without WithFetcher a default HTTP fetcher is used.
func New(opts ...Option) *Resolver {
	r := &Resolver{maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(r)
	}
	if r.fetcher == nil {
		r.fetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	}
	return r
}

// Resolve returns the document's text. Text inputs and inputs whose Content
// is already set are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, doc model.DocumentInput) (string, error) {
	if doc.SourceType == model.SourceText || doc.Content != "" {
		return doc.Content, nil
	}

	var (
		text string
		err  error
	)
	switch doc.SourceType {
	case model.SourceFile:
		text, err = r.resolveFile(doc.Filename)
	case model.SourceURL:
		text, err = r.resolveURL(ctx, doc.SourceURL)
	default:
		return "", unsupported("resolver: unknown source type %q", doc.SourceType)
	}
	if err != nil {
		return "", err
	}

	zap.L().Debug("resolver: resolved document",
		zap.String("document_id", doc.ID),
		zap.String("source", doc.Source()),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

func (r *Resolver) resolveFile(path string) (string, error) {
	if path == "" {
		return "", fetchFailed(eris.New("empty path"), "resolver: read file")
	}
	if _, ok := fileExtractors[strings.ToLower(filepath.Ext(path))]; !ok {
		return "", unsupported("resolver: %s (supported: %s)", filepath.Base(path), SupportedExtensions())
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fetchFailed(err, "resolver: open "+filepath.Base(path))
	}
	defer f.Close() //nolint:errcheck

	data, err := readLimited(f, r.maxBytes)
	if err != nil {
		return "", fetchFailed(err, "resolver: read "+filepath.Base(path))
	}
	return FileText(path, data)
}

func unsupported(format string, args ...any) error {
	return eris.Wrap(ErrUnsupportedFormat, fmt.Sprintf(format, args...))
}

// fetchFailed tags err with ErrFetch while keeping it in the chain.
func fetchFailed(err error, msg string) error {
	return eris.Wrap(errors.Join(ErrFetch, err), msg)
}

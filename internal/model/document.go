package model

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SourceType identifies where a document's text came from.
type SourceType string

const (
	SourceText SourceType = "text"
	SourceFile SourceType = "file"
	SourceURL  SourceType = "url"
)

// DocumentInput is one document submitted for analysis. Content holds plain
// text once the document has been resolved.
type DocumentInput struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"source_type"`
	Content    string     `json:"content"`
	Filename   string     `json:"filename,omitempty"`
	SourceURL  string     `json:"source_url,omitempty"`
}

// NewTextDocument wraps pasted text.
func NewTextDocument(text string) DocumentInput {
	return DocumentInput{ID: uuid.New().String(), SourceType: SourceText, Content: text}
}

// NewFileDocument references a local file to be resolved.
func NewFileDocument(path string) DocumentInput {
	return DocumentInput{ID: uuid.New().String(), SourceType: SourceFile, Filename: path}
}

// NewURLDocument references a URL to be fetched.
func NewURLDocument(rawURL string) DocumentInput {
	return DocumentInput{ID: uuid.New().String(), SourceType: SourceURL, SourceURL: strings.TrimSpace(rawURL)}
}

// Source returns a short human-readable origin for export rows.
func (d DocumentInput) Source() string {
	switch d.SourceType {
	case SourceFile:
		return filepath.Base(d.Filename)
	case SourceURL:
		return d.SourceURL
	default:
		text := []rune(strings.Join(strings.Fields(d.Content), " "))
		if len(text) > 50 {
			return string(text[:50]) + "..."
		}
		return string(text)
	}
}

// WordCount counts whitespace-separated words in the resolved content.
func (d DocumentInput) WordCount() int {
	return len(strings.Fields(d.Content))
}

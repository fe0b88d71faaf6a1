// Package store persists schema templates and batch runs in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/insights-cli/internal/model"
)

var (
	// ErrNotFound is returned when a template or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a caller modifies a default template or
	// one owned by another user.
	ErrForbidden = errors.New("forbidden")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     model.RunStatus `json:"status,omitempty"`
	TemplateID string          `json:"template_id,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for templates and batch runs.
// Ownership and default-template rules live in Templates, not here.
type Store interface {
	// Templates
	ListTemplates(ctx context.Context, userID string) ([]model.SchemaTemplate, error)
	GetTemplate(ctx context.Context, id string) (*model.SchemaTemplate, error)
	InsertTemplate(ctx context.Context, t model.SchemaTemplate) error
	SaveTemplate(ctx context.Context, t model.SchemaTemplate) error
	DeleteTemplate(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, templateID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, result *model.BatchResult) error
	FailRun(ctx context.Context, runID string, msg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle. Migrate creates the tables and seeds the default templates.
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

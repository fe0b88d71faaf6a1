package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/insights-cli/internal/model"
)

// TemplateUpdate carries the fields of an update. Nil fields are unchanged.
type TemplateUpdate struct {
	Name       *string                    `json:"template_name,omitempty"`
	Categories []model.CategoryDefinition `json:"categories,omitempty"`
}

// Templates applies validation, ownership and default-template rules on top
// of a Store.
type Templates struct {
	store Store
	now   func() time.Time
}

// NewTemplates wraps s.
func NewTemplates(s Store) *Templates {
	return &Templates{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// List returns the defaults plus, when userID is set, that user's templates.
// An empty userID lists every template.
func (t *Templates) List(ctx context.Context, userID string) ([]model.SchemaTemplate, error) {
	return t.store.ListTemplates(ctx, userID)
}

// Get fails with ErrNotFound for unknown ids.
func (t *Templates) Get(ctx context.Context, id string) (*model.SchemaTemplate, error) {
	return t.store.GetTemplate(ctx, id)
}

// Defaults returns the built-in templates.
func (t *Templates) Defaults() []model.SchemaTemplate {
	return model.DefaultTemplates()
}

// Create validates and stores a new template owned by userID.
func (t *Templates) Create(ctx context.Context, name string, categories []model.CategoryDefinition, userID string) (*model.SchemaTemplate, error) {
	now := t.now()
	tmpl := model.SchemaTemplate{
		ID:         uuid.New().String(),
		Name:       strings.TrimSpace(name),
		Categories: categories,
		UserID:     userID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if err := t.store.InsertTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Update changes a template owned by userID. Default templates and templates
// owned by someone else fail with ErrForbidden.
func (t *Templates) Update(ctx context.Context, id, userID string, upd TemplateUpdate) (*model.SchemaTemplate, error) {
	tmpl, err := t.editable(ctx, id, userID, "modify")
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		tmpl.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Categories != nil {
		tmpl.Categories = upd.Categories
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	tmpl.UpdatedAt = t.now()
	if err := t.store.SaveTemplate(ctx, *tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Delete removes a template owned by userID, with the same rules as Update.
func (t *Templates) Delete(ctx context.Context, id, userID string) error {
	if _, err := t.editable(ctx, id, userID, "delete"); err != nil {
		return err
	}
	return t.store.DeleteTemplate(ctx, id)
}

func (t *Templates) editable(ctx context.Context, id, userID, verb string) (*model.SchemaTemplate, error) {
	tmpl, err := t.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if tmpl.IsDefault {
		return nil, eris.Wrapf(ErrForbidden, "cannot %s default templates", verb)
	}
	if tmpl.UserID != userID {
		return nil, eris.Wrapf(ErrForbidden, "you can only %s your own templates", verb)
	}
	return tmpl, nil
}

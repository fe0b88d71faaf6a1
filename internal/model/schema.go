package model

import (
	"fmt"
	"strings"
	"time"
)

// ValueType selects how a category's values are produced.
type ValueType string

const (
	// ValueTypePredefined restricts values to a closed set of allowed strings.
	ValueTypePredefined ValueType = "predefined"
	// ValueTypeInferred lets the model produce its own labels.
	ValueTypeInferred ValueType = "inferred"
)

// CategoryDefinition describes one labeled dimension of a schema.
type CategoryDefinition struct {
	Name           string    `json:"name" yaml:"name"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	ValueType      ValueType `json:"value_type" yaml:"value_type"`
	PossibleValues []string  `json:"possible_values,omitempty" yaml:"possible_values,omitempty"`
}

// IsPredefined reports whether the category carries a closed value set.
func (c CategoryDefinition) IsPredefined() bool {
	return c.ValueType == ValueTypePredefined
}

// SchemaTemplate is a named, ordered list of categories.
type SchemaTemplate struct {
	ID         string               `json:"template_id" yaml:"template_id"`
	Name       string               `json:"template_name" yaml:"template_name"`
	Categories []CategoryDefinition `json:"categories" yaml:"categories"`
	UserID     string               `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	IsDefault  bool                 `json:"is_default" yaml:"is_default"`
	CreatedAt  time.Time            `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time            `json:"updated_at" yaml:"-"`
}

// Snapshot returns a deep copy safe to hand to a running extraction.
func (s SchemaTemplate) Snapshot() SchemaTemplate {
	out := s
	out.Categories = make([]CategoryDefinition, len(s.Categories))
	for i, c := range s.Categories {
		c.PossibleValues = append([]string(nil), c.PossibleValues...)
		out.Categories[i] = c
	}
	return out
}

// CategoryNames returns the category names in schema order.
func (s SchemaTemplate) CategoryNames() []string {
	names := make([]string, len(s.Categories))
	for i, c := range s.Categories {
		names[i] = c.Name
	}
	return names
}

// FieldError is a single validation failure addressed by field path.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a schema.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Field + ": " + fe.Message
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// ValidateCategories checks a category list. It returns nil or a *ValidationError.
func ValidateCategories(categories []CategoryDefinition) error {
	var errs []FieldError
	seen := make(map[string]bool, len(categories))

	for i, c := range categories {
		namePath := fmt.Sprintf("categories[%d].name", i)
		valuesPath := fmt.Sprintf("categories[%d].possible_values", i)

		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, FieldError{Field: namePath, Message: "Category name cannot be empty"})
		} else if seen[name] {
			errs = append(errs, FieldError{Field: namePath, Message: fmt.Sprintf("Duplicate category name: '%s'", c.Name)})
		}
		seen[name] = true

		switch c.ValueType {
		case ValueTypePredefined:
			if len(c.PossibleValues) == 0 {
				errs = append(errs, FieldError{Field: valuesPath, Message: "Predefined categories must have at least one possible value"})
				continue
			}
			uniq := make(map[string]bool, len(c.PossibleValues))
			for _, v := range c.PossibleValues {
				if strings.TrimSpace(v) == "" {
					errs = append(errs, FieldError{Field: valuesPath, Message: "Possible values cannot be blank"})
					break
				}
				key := strings.ToLower(strings.TrimSpace(v))
				if uniq[key] {
					errs = append(errs, FieldError{Field: valuesPath, Message: "Possible values must be unique"})
					break
				}
				uniq[key] = true
			}
		case ValueTypeInferred:
			if len(c.PossibleValues) > 0 {
				errs = append(errs, FieldError{Field: valuesPath, Message: "Inferred categories should not have predefined values"})
			}
		default:
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("categories[%d].value_type", i),
				Message: fmt.Sprintf("Unknown value type: '%s'", c.ValueType),
			})
		}
	}

	if len(categories) == 0 {
		errs = append(errs, FieldError{Field: "categories", Message: "Schema must have at least one category"})
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Validate checks the template's categories and name.
func (s SchemaTemplate) Validate() error {
	err := ValidateCategories(s.Categories)
	if strings.TrimSpace(s.Name) != "" {
		return err
	}
	fe := FieldError{Field: "template_name", Message: "Template name cannot be empty"}
	if ve, ok := err.(*ValidationError); ok {
		ve.Errors = append([]FieldError{fe}, ve.Errors...)
		return ve
	}
	return &ValidationError{Errors: []FieldError{fe}}
}

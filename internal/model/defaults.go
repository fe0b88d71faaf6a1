package model

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Built-in template IDs.
const (
	DefaultProductFeedbackID = "default_product_feedback"
	DefaultFeatureRequestsID = "default_feature_requests"
)

// DefaultTemplates returns the built-in schema templates seeded into every store.
func DefaultTemplates() []SchemaTemplate {
	return []SchemaTemplate{
		{
			ID:        DefaultProductFeedbackID,
			Name:      "Product Feedback Analysis",
			IsDefault: true,
			Categories: []CategoryDefinition{
				{
					Name:           "Product",
					Description:    "Which products the customer uses or discusses",
					ValueType:      ValueTypePredefined,
					PossibleValues: []string{"Vector Search", "Embedding FT", "Keyword Search", "MLflow", "Delta Lake", "Unity Catalog"},
				},
				{
					Name:        "Industry",
					Description: "The business sector the customer operates in",
					ValueType:   ValueTypeInferred,
				},
				{
					Name:           "Usage Pattern",
					Description:    "How the customer runs their workloads",
					ValueType:      ValueTypePredefined,
					PossibleValues: []string{"Batch", "Real-Time", "Interactive", "Scheduled"},
				},
				{
					Name:        "Use Case",
					Description: "The business problem the customer wants to solve",
					ValueType:   ValueTypeInferred,
				},
			},
		},
		{
			ID:        DefaultFeatureRequestsID,
			Name:      "Feature Requests Analysis",
			IsDefault: true,
			Categories: []CategoryDefinition{
				{
					Name:           "Feature Category",
					Description:    "Area of the product the request touches",
					ValueType:      ValueTypePredefined,
					PossibleValues: []string{"UI/UX", "Performance", "Integration", "Analytics", "Security", "Compliance"},
				},
				{
					Name:           "Priority Level",
					Description:    "How urgent the request is for the customer",
					ValueType:      ValueTypePredefined,
					PossibleValues: []string{"Critical", "High", "Medium", "Low", "Nice to Have"},
				},
				{
					Name:        "Business Impact",
					Description: "Expected business outcome if the request is delivered",
					ValueType:   ValueTypeInferred,
				},
				{
					Name:        "Timeline",
					Description: "When the customer needs the capability",
					ValueType:   ValueTypeInferred,
				},
			},
		},
	}
}

// DefaultTemplate returns the built-in template with the given ID.
func DefaultTemplate(id string) (SchemaTemplate, bool) {
	for _, t := range DefaultTemplates() {
		if t.ID == id {
			return t, true
		}
	}
	return SchemaTemplate{}, false
}

// LoadTemplateFile reads a schema template from a YAML (or JSON) file.
func LoadTemplateFile(path string) (*SchemaTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read template %s", path)
	}
	var t SchemaTemplate
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "model: parse template %s", path)
	}
	return &t, nil
}

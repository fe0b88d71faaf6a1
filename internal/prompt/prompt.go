// Package prompt renders extraction requests for the model invoker.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/insights-cli/internal/model"
)

// Generation defaults.
const (
	CategoryMaxTokens     int64   = 1000
	CustomerInfoMaxTokens int64   = 500
	DefaultTemperature    float64 = 0.1
)

// Kind distinguishes what a request is asking for.
type Kind string

const (
	KindCategory     Kind = "category"
	KindCustomerInfo Kind = "customer_info"
)

// Request is a rendered model request. It carries no endpoint; the invoker
// decides where it goes.
type Request struct {
	Kind        Kind
	Category    string
	System      string
	User        string
	MaxTokens   int64
	Temperature float64
}

const systemPrompt = `You are an analyst reading customer meeting notes, call transcripts and feedback documents.
You extract structured insights for one category at a time.

Rules:
- Answer ONLY from what the document says
- Return a single valid JSON object and nothing else
- Every value must be supported by a short verbatim excerpt from the document
- Confidence is 0.0-1.0 and reflects how directly the document supports the values
- If nothing in the document applies, return an empty values list`

// predefinedGuidance holds hand-written hints for well-known closed-set categories.
var predefinedGuidance = map[string]string{
	"Usage Pattern":     "Select how they use the solution: Real Time (instant/live), Batch (scheduled/bulk), Interactive (on-demand queries), Scheduled (recurring/automated).",
	"Product":           "Identify mentioned Databricks products: Vector Search, Embedding FT, Unstructured, MLflow, Delta Lake, Unity Catalog.",
	"Search Tags":       "Select search capabilities: RAG (retrieval/contextual), Matching (similarity), Search (text/document), Similarity (semantic/vector).",
	"Unstructured Tags": "Select data processing: RAG (text retrieval), Automation (workflows), Document Processing (parsing), Text Analysis (NLP).",
	"End User Tags":     "Select user type: Internal (employees), External (customers), Customer-Facing (public), Partner (third-party).",
	"Production Status": "Select deployment stage: Production (live), Development (building), POC (pilot/trial), Planning (future).",
}

// inferredGuidance holds hints for well-known open-ended categories.
var inferredGuidance = map[string]string{
	"Industry": "Read the document and understand what type of business this customer operates. Focus on their core business purpose and industry sector.",
	"Use Case": "Read the document and understand what specific business problem or application they want to solve. Focus on the business value they're trying to create.",
}

// Build renders the request for one category of one document. It is pure:
// identical inputs always yield identical requests.
func Build(documentText string, category model.CategoryDefinition) Request {
	var user string
	if category.IsPredefined() {
		user = predefinedPrompt(documentText, category)
	} else {
		user = inferredPrompt(documentText, category)
	}
	return Request{
		Kind:        KindCategory,
		Category:    category.Name,
		System:      systemPrompt,
		User:        user,
		MaxTokens:   CategoryMaxTokens,
		Temperature: DefaultTemperature,
	}
}

func predefinedPrompt(text string, c model.CategoryDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Category: %q\n", c.Name)
	if c.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", c.Description)
	}

	sb.WriteString("\nAllowed values (closed set):\n")
	for _, v := range c.PossibleValues {
		fmt.Fprintf(&sb, "- %s\n", v)
	}

	sb.WriteString("\n")
	sb.WriteString(predefinedHint(c))
	sb.WriteString("\n\nSelect zero, one or several values from the allowed list only. ")
	sb.WriteString("Copy each value exactly as written above. Never invent new values or add free text.\n")

	sb.WriteString("\nExamples:\n")
	for _, ex := range examplesFor(c) {
		sb.WriteString(ex)
		sb.WriteString("\n")
	}

	writeDocument(&sb, text)
	writeFormat(&sb, `{"values": ["<allowed value>"], "evidence": ["<verbatim excerpt>"], "confidence": 0.9}`)
	return sb.String()
}

func inferredPrompt(text string, c model.CategoryDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Extract values for %q from the document.\n\n", c.Name)
	sb.WriteString(inferredHint(c))
	sb.WriteString("\n\nWrite your own short labels (a few words each). Avoid repeating the same idea twice.\n")

	writeDocument(&sb, text)
	writeFormat(&sb, `{"values": ["<short label>"], "evidence": ["<verbatim excerpt>"], "confidence": 0.9}`)
	return sb.String()
}

func predefinedHint(c model.CategoryDefinition) string {
	if g, ok := predefinedGuidance[c.Name]; ok {
		return g
	}
	if c.Description != "" {
		return fmt.Sprintf("Select the options that match what the document says about %s: %s.", c.Name, strings.TrimSuffix(c.Description, "."))
	}
	return fmt.Sprintf("Read the document and select options that best match what they describe for %s.", c.Name)
}

func inferredHint(c model.CategoryDefinition) string {
	if g, ok := inferredGuidance[c.Name]; ok {
		return g
	}
	if c.Description != "" {
		return fmt.Sprintf("Focus on: %s.", strings.TrimSuffix(c.Description, "."))
	}
	return fmt.Sprintf("Read the document and understand what they describe related to %s.", c.Name)
}

// valueCue matches "Value (cue/cue)" pairs in guidance or descriptions.
var valueCue = regexp.MustCompile(`([^,:;.(]+?)\s*\(([^)]*)\)`)

// examplesFor builds up to two illustrations that map a descriptive phrase
// to an allowed value. Phrases come from the parenthetical cues in the
// category's guidance or description and never repeat a value name.
func examplesFor(c model.CategoryDefinition) []string {
	cues := valueCues(c)
	out := make([]string, 0, 2)
	for _, v := range c.PossibleValues {
		cue, ok := cues[v]
		if !ok {
			continue
		}
		phrase := "they described it as " + cue
		out = append(out, fmt.Sprintf(`- The document says "%s" -> {"values": [%q], "evidence": [%q]}`, phrase, v, phrase))
		if len(out) == 2 {
			return out
		}
	}
	if len(out) == 0 && len(c.PossibleValues) > 0 {
		out = append(out, fmt.Sprintf(`- A passage that describes %q without naming it still selects %q; quote that passage as evidence.`,
			c.PossibleValues[0], c.PossibleValues[0]))
	}
	return out
}

// valueCues picks, per allowed value, the first cue term that does not
// mention any allowed value.
func valueCues(c model.CategoryDefinition) map[string]string {
	source := predefinedGuidance[c.Name]
	if source == "" {
		source = c.Description
	}

	allowed := make(map[string]string, len(c.PossibleValues))
	for _, v := range c.PossibleValues {
		allowed[fold(v)] = v
	}

	cues := make(map[string]string)
	for _, m := range valueCue.FindAllStringSubmatch(source, -1) {
		v, ok := allowed[fold(m[1])]
		if !ok {
			continue
		}
		for _, term := range strings.Split(m[2], "/") {
			term = strings.TrimSpace(term)
			if term != "" && !mentionsAny(term, c.PossibleValues) {
				cues[v] = term
				break
			}
		}
	}
	return cues
}

// fold makes "Real-Time" and "real time" compare equal.
func fold(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", " "))
}

func mentionsAny(s string, values []string) bool {
	s = fold(s)
	for _, v := range values {
		if strings.Contains(s, fold(v)) {
			return true
		}
	}
	return false
}

func writeDocument(sb *strings.Builder, text string) {
	sb.WriteString("\n--- Document ---\n")
	sb.WriteString(text)
	sb.WriteString("\n--- End Document ---\n")
}

func writeFormat(sb *strings.Builder, example string) {
	sb.WriteString("\nProvide one evidence excerpt per value, in the same order.\n")
	sb.WriteString("Respond with JSON only, shaped like:\n")
	sb.WriteString(example)
}

// BuildCustomerInfo renders the once-per-document request for the customer
// name and meeting date.
func BuildCustomerInfo(documentText string) Request {
	var sb strings.Builder
	sb.WriteString("Extract the customer name and meeting date from this document.\n\n")
	sb.WriteString("Return a JSON object with these fields:\n")
	sb.WriteString(`- customer_name: the company or customer name (e.g. "7-Eleven", "a16z", "ActiveFence")` + "\n")
	sb.WriteString(`- meeting_date: the date formatted as "MMM DD, YYYY" (e.g. "Nov 12, 2024", "Mar 11, 2025")` + "\n\n")
	sb.WriteString("MMM is the 3-letter month abbreviation, DD the 2-digit day and YYYY the 4-digit year.\n")
	sb.WriteString(`If a field is not found, use an empty string "".` + "\n")
	writeDocument(&sb, documentText)
	sb.WriteString("\nRespond with JSON only, shaped like:\n")
	sb.WriteString(`{"customer_name": "7-Eleven", "meeting_date": "Nov 12, 2024"}`)

	return Request{
		Kind:        KindCustomerInfo,
		System:      systemPrompt,
		User:        sb.String(),
		MaxTokens:   CustomerInfoMaxTokens,
		Temperature: DefaultTemperature,
	}
}

// Package reconcile turns untrusted model output into validated category
// results.
package reconcile

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/insights-cli/internal/model"
)

// ErrParse marks model output that could not be interpreted.
var ErrParse = errors.New("reconcile: unparseable model output")

// Confidence policy.
const (
	// DefaultConfidence applies when the model reports none.
	DefaultConfidence = 0.5
	// RejectionPenalty scales confidence when every candidate was rejected.
	RejectionPenalty = 0.5
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	parenSuffix = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
)

// payload is the loosely typed shape models are asked to return.
type payload struct {
	Values     any `json:"values"`
	Evidence   any `json:"evidence"`
	Confidence any `json:"confidence"`
}

// Reconcile parses raw model output for one category and enforces the
// category's value-type rules. It never returns an error: parse failures are
// reported on the result.
func Reconcile(raw, modelUsed string, category model.CategoryDefinition) model.CategoryResult {
	p, err := parse(raw)
	if err != nil {
		zap.L().Debug("reconcile: parse failed",
			zap.String("category", category.Name),
			zap.String("model", modelUsed),
			zap.Error(err),
		)
		return model.ErrorResult(category.Name, modelUsed, err)
	}

	candidates := dedupe(stringsOf(p.Values))
	confidence := confidenceOf(p.Confidence)

	var values []string
	if category.IsPredefined() {
		var rejected int
		values, rejected = matchAllowed(candidates, category.PossibleValues)
		confidence = scaleForRejections(confidence, len(values), rejected)
		if rejected > 0 {
			zap.L().Debug("reconcile: dropped values outside the allowed set",
				zap.String("category", category.Name),
				zap.Int("rejected", rejected),
				zap.Int("accepted", len(values)),
			)
		}
	} else {
		values = NormalizeInferred(candidates)
	}

	return model.CategoryResult{
		CategoryName: category.Name,
		Values:       values,
		Confidence:   confidence,
		EvidenceText: nonBlank(stringsOf(p.Evidence)),
		ModelUsed:    modelUsed,
	}
}

func parse(raw string) (payload, error) {
	text, err := ExtractJSON(raw)
	if err != nil {
		return payload{}, err
	}
	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return payload{}, eris.Wrapf(ErrParse, "decode JSON: %v", err)
	}
	return p, nil
}

// stringsOf accepts a string or a list; non-string list items are ignored.
func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func nonBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// dedupe trims, drops blanks and removes case-insensitive duplicates while
// keeping first-seen order.
func dedupe(in []string) []string {
	fold := cases.Fold()
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k := fold.String(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

// matchAllowed keeps candidates that equal an allowed value ignoring case and
// surrounding space, returning them in canonical spelling. A candidate that
// only matches after dropping a trailing parenthetical ("Batch (bulk)") is
// accepted; anything else is rejected, never coerced.
func matchAllowed(candidates, allowed []string) ([]string, int) {
	fold := cases.Fold()
	canon := make(map[string]string, len(allowed))
	for _, a := range allowed {
		canon[fold.String(strings.TrimSpace(a))] = a
	}

	accepted := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	rejected := 0
	for _, c := range candidates {
		v, ok := canon[fold.String(c)]
		if !ok {
			v, ok = canon[fold.String(parenSuffix.ReplaceAllString(c, ""))]
		}
		if !ok {
			rejected++
			continue
		}
		if !seen[v] {
			seen[v] = true
			accepted = append(accepted, v)
		}
	}
	return accepted, rejected
}

// scaleForRejections lowers confidence whenever a candidate was rejected:
// by the accepted share when something survived, by RejectionPenalty when
// nothing did.
func scaleForRejections(confidence float64, accepted, rejected int) float64 {
	if rejected == 0 {
		return confidence
	}
	if accepted == 0 {
		return confidence * RejectionPenalty
	}
	return confidence * float64(accepted) / float64(accepted+rejected)
}

// NormalizeInferred collapses whitespace, upper-cases the first letter and
// drops case-insensitive duplicates.
func NormalizeInferred(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = spaceRun.ReplaceAllString(c, " ")
		r, size := utf8.DecodeRuneInString(c)
		out = append(out, string(unicode.ToUpper(r))+c[size:])
	}
	return dedupe(out)
}

// confidenceOf reads a number or numeric string, clamped to [0,1]; anything
// else yields DefaultConfidence.
func confidenceOf(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return DefaultConfidence
		}
		f = parsed
	default:
		return DefaultConfidence
	}
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

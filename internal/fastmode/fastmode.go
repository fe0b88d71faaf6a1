// Package fastmode extracts category values with keyword and pattern
// matching only. It never calls a model and is fully deterministic.
package fastmode

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/reconcile"
)

// Model labels reported on fast-mode results.
const (
	KeywordModel = "keyword_fallback"
	PatternModel = "pattern_fallback"
)

// Confidence assigned when at least one value matched.
const (
	KeywordConfidence = 0.7
	PatternConfidence = 0.6
)

const (
	maxValues      = 5
	maxUseCases    = 3
	maxCompanies   = 3
	keywordContext = 50
	patternContext = 30
)

// satisfactionSynonyms maps satisfaction levels to phrases that imply them.
var satisfactionSynonyms = map[string][]string{
	"very satisfied":    {"very happy", "love", "excellent", "fantastic"},
	"satisfied":         {"happy", "pleased", "good", "works well"},
	"neutral":           {"okay", "average", "fine"},
	"dissatisfied":      {"frustrated", "struggling", "issues", "problems", "slow"},
	"very dissatisfied": {"very frustrated", "angry", "terrible", "awful"},
}

type industry struct {
	label    string
	keywords []string
}

var industries = []industry{
	{"e-commerce", []string{"e-commerce", "ecommerce", "online retail", "online store", "marketplace"}},
	{"financial services", []string{"financial", "banking", "fintech", "insurance", "trading", "payments"}},
	{"healthcare", []string{"healthcare", "medical", "hospital", "health", "pharma", "clinical"}},
	{"technology", []string{"software", "saas", "tech company", "it company", "technology", "platform"}},
	{"retail", []string{"retail", "store", "shops", "merchandising", "pos", "point of sale"}},
	{"manufacturing", []string{"manufacturing", "factory", "production", "assembly", "industrial"}},
	{"media", []string{"media", "entertainment", "streaming", "content", "publishing", "broadcasting"}},
}

var (
	painPatterns = compileAll(
		`(?i)(?:frustrated|struggling|issues?|problems?) (?:with|about|regarding) ([^.,]+)`,
		`(?i)(slow (?:performance|response|processing|loading|speed))`,
		`(?i)((?:lack|lacking|missing|need|needs) (?:of |for |better )?[^.,]+)`,
		`(?i)((?:difficult|hard|challenging) to [^.,]+)`,
		`(?i)((?:can't|cannot|unable to) [^.,]+)`,
		`(?i)(takes? (?:too long|hours|forever|ages))`,
		`(?i)((?:poor|bad|terrible) [^.,]+)`,
	)
	requestPatterns = compileAll(
		`(?i)(?:need|needs?|want|wants?) (?:to have |for |better |improved |new )?([^.,]+)`,
		`(?i)(?:would like|we'd like) (?:to have |to see |better )?([^.,]+)`,
		`(?i)(?:looking for|interested in) ([^.,]+)`,
		`(?i)(?:it would be (?:great|nice|helpful) (?:to have|if)) ([^.,]+)`,
		`(?i)(?:feature request|request):\s*([^.,]+)`,
		`(?i)(?:wishlist|wish list):\s*([^.,]+)`,
	)
	useCasePatterns = compileAll(
		`(?i)(?:use|using|used) (?:it |this |that )?(?:for|to) ([^.,]+)`,
		`(?i)(?:helps?|helping) (?:us |them )?(?:with|to) ([^.,]+)`,
		`(?i)(?:solution for|platform for) ([^.,]+)`,
		`(?i)(?:enables?|enabling) ([^.,]+)`,
	)
	companyPatterns = compileAll(
		`\b([A-Z][a-zA-Z]+(?:\s+(?:Corp|Inc|Ltd|LLC|Co|Company))?)\b`,
		`meeting with ([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*)`,
		`client ([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*)`,
	)

	painPrefix    = regexp.MustCompile(`^(with|about|regarding|of|for)\s+`)
	requestPrefix = regexp.MustCompile(`^(to |for |if |have |see )\s*`)
)

var (
	sentimentWords   = []string{"happy", "satisfied", "frustrated", "disappointed", "pleased", "concerned"}
	requestFiller    = map[string]bool{"the": true, "a": true, "an": true, "to": true, "it": true, "that": true, "this": true}
	companySkipWords = map[string]bool{
		"Meeting": true, "Call": true, "Discussion": true, "The": true, "This": true,
		"That": true, "They": true, "Their": true, "Team": true, "Customer": true,
	}
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Extract produces a category result for text without calling a model.
// Predefined categories use keyword matching against the allowed values;
// inferred categories use phrase patterns chosen by the category name.
func Extract(text string, category model.CategoryDefinition) model.CategoryResult {
	if category.IsPredefined() {
		return keywordMatch(text, category)
	}
	return patternMatch(text, category)
}

func keywordMatch(text string, category model.CategoryDefinition) model.CategoryResult {
	values := []string{}
	evidence := []string{}

	name := strings.ToLower(strings.TrimSpace(category.Name))
	satisfaction := name == "satisfaction" || name == "satisfaction level"

	for _, v := range category.PossibleValues {
		if start, end, ok := indexFold(text, v); ok {
			values = append(values, v)
			evidence = append(evidence, window(text, start, end, keywordContext))
			continue
		}
		if !satisfaction {
			continue
		}
		for _, kw := range satisfactionSynonyms[strings.ToLower(v)] {
			if start, end, ok := indexFold(text, kw); ok {
				values = append(values, v)
				evidence = append(evidence, window(text, start, end, keywordContext))
				break
			}
		}
	}

	return result(category.Name, KeywordModel, KeywordConfidence, values, evidence)
}

func patternMatch(text string, category model.CategoryDefinition) model.CategoryResult {
	var values, evidence []string
	name := strings.ToLower(category.Name)

	switch {
	case containsAny(name, "pain", "challenge", "issue", "problem"):
		values, evidence = findPhrases(text, painPatterns, maxValues, func(v string) (string, bool) {
			v = painPrefix.ReplaceAllString(v, "")
			n := utf8.RuneCountInString(v)
			return v, n > 5 && n < 100
		}, windowEvidence)

	case containsAny(name, "feature", "request", "need", "requirement"):
		values, evidence = findPhrases(text, requestPatterns, maxValues, func(v string) (string, bool) {
			v = requestPrefix.ReplaceAllString(v, "")
			return v, utf8.RuneCountInString(v) > 8 && !onlyFiller(v)
		}, sentenceEvidence)

	case strings.Contains(name, "industry"):
		values, evidence = matchIndustries(text)

	case strings.Contains(name, "use case"):
		values, evidence = findPhrases(text, useCasePatterns, maxUseCases, func(v string) (string, bool) {
			n := utf8.RuneCountInString(v)
			return v, n > 10 && n < 80
		}, sentenceEvidence)

	case containsAny(name, "customer", "company", "client"):
		values, evidence = matchCompanies(text)

	default:
		desc := strings.ToLower(category.Description)
		if strings.Contains(desc, "satisfaction") || strings.Contains(desc, "sentiment") {
			for _, w := range sentimentWords {
				if start, end, ok := indexFold(text, w); ok {
					values = append(values, w)
					evidence = append(evidence, window(text, start, end, patternContext))
				}
			}
		}
	}

	values = reconcile.NormalizeInferred(values)
	if len(values) > maxValues {
		values = values[:maxValues]
	}
	if len(evidence) > maxValues {
		evidence = evidence[:maxValues]
	}
	return result(category.Name, PatternModel, PatternConfidence, values, evidence)
}

type evidenceFunc func(text string, start, end int) string

func windowEvidence(text string, start, end int) string {
	return window(text, start, end, patternContext)
}

// findPhrases runs each pattern in order and collects the first capture
// group of every match that keep accepts, stopping at limit.
func findPhrases(text string, patterns []*regexp.Regexp, limit int, keep func(string) (string, bool), ev evidenceFunc) ([]string, []string) {
	var values, evidence []string
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2], m[3]
			v, ok := keep(strings.TrimSpace(text[start:end]))
			if !ok {
				continue
			}
			values = append(values, v)
			evidence = append(evidence, ev(text, start, end))
			if len(values) >= limit {
				return values, evidence
			}
		}
	}
	return values, evidence
}

func matchIndustries(text string) ([]string, []string) {
	var values, evidence []string
	for _, ind := range industries {
		for _, kw := range ind.keywords {
			if start, end, ok := indexFold(text, kw); ok {
				values = append(values, ind.label)
				evidence = append(evidence, window(text, start, end, keywordContext))
				break
			}
		}
	}
	return values, evidence
}

func matchCompanies(text string) ([]string, []string) {
	seen := make(map[string]bool)
	var values, evidence []string
	for _, re := range companyPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			c := m[1]
			if seen[c] || companySkipWords[c] || len(c) <= 2 {
				continue
			}
			seen[c] = true
			values = append(values, c)
			evidence = append(evidence, "Company mentioned: "+c)
			if len(values) >= maxCompanies {
				return values, evidence
			}
		}
	}
	return values, evidence
}

func result(category, modelUsed string, confidence float64, values, evidence []string) model.CategoryResult {
	if values == nil {
		values = []string{}
	}
	if evidence == nil {
		evidence = []string{}
	}
	if len(values) == 0 {
		confidence = 0
	}
	return model.CategoryResult{
		CategoryName: category,
		Values:       values,
		Confidence:   confidence,
		EvidenceText: evidence,
		ModelUsed:    modelUsed,
	}
}

// indexFold finds needle in text ignoring case and returns byte offsets into
// text itself, which stay valid even when lowering changes byte lengths.
func indexFold(text, needle string) (int, int, bool) {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return 0, 0, false
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(needle))
	if err != nil {
		return 0, 0, false
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

// window returns the match plus pad bytes on either side, widened to rune
// boundaries and trimmed.
func window(text string, start, end, pad int) string {
	lo := max(0, start-pad)
	hi := min(len(text), end+pad)
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return strings.TrimSpace(text[lo:hi])
}

// sentenceEvidence returns the period-delimited sentence holding the match.
func sentenceEvidence(text string, start, end int) string {
	lo := strings.LastIndexByte(text[:start], '.') + 1
	hi := strings.IndexByte(text[end:], '.')
	if hi < 0 {
		hi = len(text)
	} else {
		hi += end
	}
	return strings.TrimSpace(text[lo:hi])
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func onlyFiller(v string) bool {
	for _, w := range strings.Fields(strings.ToLower(v)) {
		if !requestFiller[w] {
			return false
		}
	}
	return true
}

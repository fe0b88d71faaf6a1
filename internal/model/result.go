package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Confidence band thresholds.
const (
	HighConfidence   = 0.8
	MediumConfidence = 0.6
)

// ConfidenceBand is the display bucket for a confidence score.
type ConfidenceBand string

const (
	BandHigh   ConfidenceBand = "high"
	BandMedium ConfidenceBand = "medium"
	BandLow    ConfidenceBand = "low"
)

// Band maps a confidence score to its display bucket.
func Band(confidence float64) ConfidenceBand {
	switch {
	case confidence >= HighConfidence:
		return BandHigh
	case confidence >= MediumConfidence:
		return BandMedium
	default:
		return BandLow
	}
}

// CategoryResult is the reconciled answer for one category.
type CategoryResult struct {
	CategoryName string   `json:"category_name"`
	Values       []string `json:"values"`
	Confidence   float64  `json:"confidence"`
	EvidenceText []string `json:"evidence_text"`
	ModelUsed    string   `json:"model_used"`
	Error        string   `json:"error,omitempty"`
}

// Band returns the display bucket for the result's confidence.
func (r CategoryResult) Band() ConfidenceBand {
	return Band(r.Confidence)
}

// Failed reports whether the category carries an error.
func (r CategoryResult) Failed() bool {
	return r.Error != ""
}

// ErrorResult builds the empty, error-tagged result used when a category
// could not be extracted.
func ErrorResult(category, modelUsed string, err error) CategoryResult {
	return CategoryResult{
		CategoryName: category,
		Values:       []string{},
		EvidenceText: []string{},
		ModelUsed:    modelUsed,
		Error:        err.Error(),
	}
}

// CategoryResults is an ordered name -> result mapping. It marshals to a JSON
// object whose keys follow schema order.
type CategoryResults []CategoryResult

// Get returns the result for the named category.
func (cr CategoryResults) Get(name string) (CategoryResult, bool) {
	for _, r := range cr {
		if r.CategoryName == name {
			return r, true
		}
	}
	return CategoryResult{}, false
}

// Errored counts categories carrying an error.
func (cr CategoryResults) Errored() int {
	n := 0
	for _, r := range cr {
		if r.Failed() {
			n++
		}
	}
	return n
}

func (cr CategoryResults) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range cr {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(r.CategoryName)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (cr *CategoryResults) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "model: decode category results")
	}
	if tok == nil {
		*cr = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.New("model: category results must be an object")
	}

	out := CategoryResults{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "model: decode category key")
		}
		name, _ := keyTok.(string)
		var r CategoryResult
		if err := dec.Decode(&r); err != nil {
			return eris.Wrapf(err, "model: decode category %q", name)
		}
		if r.CategoryName == "" {
			r.CategoryName = name
		}
		out = append(out, r)
	}
	*cr = out
	return nil
}

// Usage sums token consumption for one document. It is accounting metadata:
// a cached repeat of an analysis carries the same categories but different
// usage, so equality checks on results exclude it.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	ModelCalls   int     `json:"model_calls"`
	CacheHits    int     `json:"cache_hits"`
}

// Add accumulates another usage record.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
	u.ModelCalls += o.ModelCalls
	u.CacheHits += o.CacheHits
}

// DocumentAnalysisResult is the unit returned for one analyzed document.
type DocumentAnalysisResult struct {
	DocumentID       string          `json:"document_id"`
	CustomerName     string          `json:"customer_name,omitempty"`
	MeetingDate      string          `json:"meeting_date,omitempty"`
	Categories       CategoryResults `json:"categories"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	ProcessedAt      time.Time       `json:"processed_at"`
	WordCount        int             `json:"word_count"`
	Error            string          `json:"error,omitempty"`
	Usage            Usage           `json:"usage"`
}

// BatchItemResult pairs a document's origin with its analysis.
type BatchItemResult struct {
	Index     int        `json:"index"`
	InputType SourceType `json:"input_type"`
	Source    string     `json:"source"`
	DocumentAnalysisResult
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	// Categories snapshots the template's category names at analysis time.
	Categories       []string          `json:"categories,omitempty"`
	TotalItems       int               `json:"total_items"`
	SuccessfulItems  int               `json:"successful_items"`
	FailedItems      int               `json:"failed_items"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	Results          []BatchItemResult `json:"results"`
}

package reconcile

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/insights-cli/internal/model"
)

var usagePattern = model.CategoryDefinition{
	Name:           "Usage Pattern",
	ValueType:      model.ValueTypePredefined,
	PossibleValues: []string{"Batch", "Real-Time", "Interactive", "Scheduled"},
}

var painPoints = model.CategoryDefinition{
	Name:      "Pain Points",
	ValueType: model.ValueTypeInferred,
}

func TestReconcile_PredefinedAccepted(t *testing.T) {
	raw := `{"values": ["Batch"], "evidence": ["overnight in bulk"], "confidence": 0.9}`
	r := Reconcile(raw, "endpoint1", usagePattern)

	assert.Equal(t, "Usage Pattern", r.CategoryName)
	assert.Equal(t, []string{"Batch"}, r.Values)
	assert.Greater(t, r.Confidence, 0.6)
	assert.Contains(t, r.EvidenceText, "overnight in bulk")
	assert.Equal(t, "endpoint1", r.ModelUsed)
	assert.Empty(t, r.Error)
}

func TestReconcile_PredefinedRejectsOutOfSet(t *testing.T) {
	raw := `{"values": ["Vector Search"], "evidence": ["needs Vector Search"], "confidence": 0.9}`
	r := Reconcile(raw, "endpoint1", usagePattern)

	assert.Empty(t, r.Values)
	assert.NotNil(t, r.Values)
	assert.Less(t, r.Confidence, 0.9)
	assert.InDelta(t, 0.45, r.Confidence, 1e-9)
	assert.Empty(t, r.Error)
}

func TestReconcile_PartialRejectionScalesConfidence(t *testing.T) {
	raw := `{"values": ["batch", "Vector Search", " real-time "], "confidence": 0.9}`
	r := Reconcile(raw, "m", usagePattern)

	assert.Equal(t, []string{"Batch", "Real-Time"}, r.Values, "canonical spelling, schema casing")
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
}

func TestReconcile_PredefinedParentheticalGuidance(t *testing.T) {
	r := Reconcile(`{"values": ["Batch (scheduled/bulk)"], "confidence": 0.8}`, "m", usagePattern)
	assert.Equal(t, []string{"Batch"}, r.Values)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
}

func TestReconcile_DuplicatesCollapse(t *testing.T) {
	r := Reconcile(`{"values": ["Batch", "BATCH", "batch "], "confidence": 0.7}`, "m", usagePattern)
	assert.Equal(t, []string{"Batch"}, r.Values)
	assert.InDelta(t, 0.7, r.Confidence, 1e-9)
}

func TestReconcile_ValuesShapes(t *testing.T) {
	r := Reconcile(`{"values": "Interactive", "evidence": "on-demand queries"}`, "m", usagePattern)
	assert.Equal(t, []string{"Interactive"}, r.Values)
	assert.Equal(t, []string{"on-demand queries"}, r.EvidenceText)

	r = Reconcile(`{"values": ["Scheduled", 3, null, {"x": 1}, ""], "evidence": ["  ", "cron"]}`, "m", usagePattern)
	assert.Equal(t, []string{"Scheduled"}, r.Values)
	assert.Equal(t, []string{"cron"}, r.EvidenceText)
}

func TestReconcile_Confidence(t *testing.T) {
	tests := []struct {
		name string
		conf string
		want float64
	}{
		{"missing", ``, DefaultConfidence},
		{"number", `, "confidence": 0.72`, 0.72},
		{"numeric string", `, "confidence": "0.7"`, 0.7},
		{"above one clamps", `, "confidence": 1.4`, 1},
		{"negative clamps", `, "confidence": -0.2`, 0},
		{"word", `, "confidence": "high"`, DefaultConfidence},
		{"null", `, "confidence": null`, DefaultConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Reconcile(`{"values": ["slow exports"]`+tt.conf+`}`, "m", painPoints)
			assert.InDelta(t, tt.want, r.Confidence, 1e-9)
		})
	}
}

func TestReconcile_InferredNormalization(t *testing.T) {
	raw := `{"values": ["  slow   dashboards ", "Slow dashboards", "missing\tSSO", "über fast ingest"], "confidence": 0.8}`
	r := Reconcile(raw, "m", painPoints)
	assert.Equal(t, []string{"Slow dashboards", "Missing SSO", "Über fast ingest"}, r.Values)
}

func TestReconcile_ParseFailure(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{ not: valid"} {
		r := Reconcile(raw, "endpoint1", usagePattern)
		assert.Empty(t, r.Values, raw)
		assert.Zero(t, r.Confidence, raw)
		assert.NotEmpty(t, r.Error, raw)
		assert.Equal(t, "Usage Pattern", r.CategoryName)
	}
}

func TestReconcile_TruncatedOutputStillUsable(t *testing.T) {
	r := Reconcile("```json\n{\"values\": [\"Batch\", \"Scheduled\"], \"evidence\": [\"nightly ru", "m", usagePattern)
	assert.Empty(t, r.Error)
	assert.Equal(t, []string{"Batch", "Scheduled"}, r.Values)
	assert.Equal(t, []string{"nightly ru"}, r.EvidenceText)
}

func TestReconcile_PredefinedValuesAlwaysAllowed(t *testing.T) {
	pool := []string{
		"Batch", "batch", "REAL-TIME", "Interactive", "Scheduled ", "Vector Search",
		"Streaming", "real time", "", "Batch (bulk)", "Scheduled-ish", "MLflow",
	}
	rng := rand.New(rand.NewPCG(7, 11))

	allowed := make(map[string]bool)
	for _, v := range usagePattern.PossibleValues {
		allowed[v] = true
	}

	for i := 0; i < 500; i++ {
		n := rng.IntN(6)
		picks := make([]string, n)
		for j := range picks {
			picks[j] = fmt.Sprintf("%q", pool[rng.IntN(len(pool))])
		}
		conf := math.Round(rng.Float64()*1000) / 1000
		raw := fmt.Sprintf(`{"values": [%s], "confidence": %.3f}`, strings.Join(picks, ", "), conf)

		r := Reconcile(raw, "m", usagePattern)
		require.Empty(t, r.Error, raw)
		for _, v := range r.Values {
			assert.True(t, allowed[v], "value %q escaped the allowed set for %s", v, raw)
		}
		assert.LessOrEqual(t, r.Confidence, conf+1e-9, raw)
	}
}

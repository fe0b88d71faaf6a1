package reconcile

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "plain object",
			raw:  `{"values": ["Batch"], "confidence": 0.9}`,
			want: `{"values": ["Batch"], "confidence": 0.9}`,
		},
		{
			name: "json fence",
			raw:  "Here you go:\n```json\n{\"values\": [\"Batch\"]}\n```\nHope that helps.",
			want: `{"values": ["Batch"]}`,
		},
		{
			name: "bare fence",
			raw:  "```\n{\"values\": []}\n```",
			want: `{"values": []}`,
		},
		{
			name: "prose around object",
			raw:  `Sure! {"values": ["a"]} Let me know if you need more.`,
			want: `{"values": ["a"]}`,
		},
		{
			name: "braces inside strings",
			raw:  `{"values": ["uses {templated} prompts"], "evidence": ["}"]} trailing`,
			want: `{"values": ["uses {templated} prompts"], "evidence": ["}"]}`,
		},
		{
			name: "truncated inside string",
			raw:  `{"values": ["Batch", "Real Ti`,
			want: `{"values": ["Batch", "Real Ti"]}`,
		},
		{
			name: "truncated after comma",
			raw:  `{"values": ["Batch"],`,
			want: `{"values": ["Batch"]}`,
		},
		{
			name: "truncated after colon",
			raw:  `{"values": ["Batch"], "confidence":`,
			want: `{"values": ["Batch"], "confidence":null}`,
		},
		{
			name: "truncated inside key",
			raw:  `{"values": ["Batch"], "confi`,
			want: `{"values": ["Batch"]}`,
		},
		{
			name: "truncated nested list",
			raw:  "```json\n{\"values\": [\"a\", \"b\"], \"evidence\": [\"first\", \"sec",
			want: `{"values": ["a", "b"], "evidence": ["first", "sec"]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, json.Valid([]byte(got)), "output must be valid JSON: %s", got)
		})
	}
}

func TestExtractJSON_Failures(t *testing.T) {
	for _, raw := range []string{"", "   ", "I could not find anything relevant.", "[1, 2, 3]"} {
		_, err := ExtractJSON(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrParse), "expected ErrParse for %q, got %v", raw, err)
	}
}

package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/insights-cli/internal/cost"
	"github.com/sells-group/insights-cli/pkg/anthropic"
	"github.com/sells-group/insights-cli/pkg/serving"
)

// CompletionRequest is what a Completer sends to one endpoint.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int64
	Temperature float64
}

// CompletionResponse is the raw text an endpoint produced.
type CompletionResponse struct {
	Text  string
	Usage cost.Usage
}

// Completer performs a single completion against a named model endpoint.
// Failures are classified with resilience.TransientError (rate limited,
// timeout, 5xx) or resilience.PermanentError (auth, malformed request).
type Completer interface {
	Complete(ctx context.Context, model string, req CompletionRequest) (CompletionResponse, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, model string, req CompletionRequest) (CompletionResponse, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, model string, req CompletionRequest) (CompletionResponse, error) {
	return f(ctx, model, req)
}

// errEmptyCompletion is returned when an endpoint answers without text. It is
// neither transient nor permanent: the invoker moves on to the next endpoint.
var errEmptyCompletion = eris.New("llm: empty completion")

// AnthropicCompleter sends requests to the Anthropic Messages API. The system
// prompt is identical for every category request, so it is marked as a
// prompt-cache breakpoint and later calls are billed as cache reads.
type AnthropicCompleter struct {
	client   anthropic.Client
	cacheTTL string
}

// NewAnthropicCompleter wraps an Anthropic client. cacheTTL is "5m", "1h" or
// empty for the API default.
func NewAnthropicCompleter(client anthropic.Client, cacheTTL string) *AnthropicCompleter {
	return &AnthropicCompleter{client: client, cacheTTL: cacheTTL}
}

// Complete implements Completer.
func (c *AnthropicCompleter) Complete(ctx context.Context, model string, req CompletionRequest) (CompletionResponse, error) {
	temp := req.Temperature
	var system []anthropic.SystemBlock
	if req.System != "" {
		system = []anthropic.SystemBlock{{
			Text:         req.System,
			CacheControl: &anthropic.CacheControl{TTL: c.cacheTTL},
		}}
	}
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &temp,
	})
	if err != nil {
		return CompletionResponse{}, err
	}
	text := resp.Text()
	if text == "" {
		return CompletionResponse{}, errEmptyCompletion
	}
	return CompletionResponse{
		Text: text,
		Usage: cost.Usage{
			Input:      resp.Usage.InputTokens,
			Output:     resp.Usage.OutputTokens,
			CacheWrite: resp.Usage.CacheCreationInputTokens,
			CacheRead:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}

// ServingCompleter sends requests to OpenAI-compatible serving endpoints.
type ServingCompleter struct {
	client serving.Client
}

// NewServingCompleter wraps a serving endpoint client.
func NewServingCompleter(client serving.Client) *ServingCompleter {
	return &ServingCompleter{client: client}
}

// Complete implements Completer.
func (c *ServingCompleter) Complete(ctx context.Context, model string, req CompletionRequest) (CompletionResponse, error) {
	temp := req.Temperature
	maxTokens := int(req.MaxTokens)
	msgs := make([]serving.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, serving.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, serving.Message{Role: "user", Content: req.User})

	resp, err := c.client.Invoke(ctx, model, serving.ChatRequest{
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return CompletionResponse{}, err
	}
	text := resp.Text()
	if text == "" {
		return CompletionResponse{}, errEmptyCompletion
	}
	return CompletionResponse{
		Text: text,
		Usage: cost.Usage{
			Input:  int64(resp.Usage.PromptTokens),
			Output: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Package extract runs category extraction for documents: one pipeline per
// category, fanned out concurrently and bounded by the shared model gate.
package extract

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/insights-cli/internal/cache"
	"github.com/sells-group/insights-cli/internal/fastmode"
	"github.com/sells-group/insights-cli/internal/llm"
	"github.com/sells-group/insights-cli/internal/metrics"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/prompt"
	"github.com/sells-group/insights-cli/internal/reconcile"
)

// ErrDeadline tags categories still running when the document deadline hit.
var ErrDeadline = errors.New("extract: document deadline exceeded")

// Invoker sends a prompt to the model endpoints. *llm.Invoker implements it.
type Invoker interface {
	Invoke(ctx context.Context, req prompt.Request) (*llm.Response, error)
	ModelID() string
}

// Resolver turns a file or URL document into plain text.
type Resolver interface {
	Resolve(ctx context.Context, doc model.DocumentInput) (string, error)
}

// Orchestrator analyzes single documents.
type Orchestrator struct {
	invoker      Invoker
	resolver     Resolver
	cache        *cache.ResponseCache
	metrics      *metrics.Metrics
	fastMode     bool
	deadline     time.Duration
	customerInfo bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache reuses model responses across identical (document, category)
// pairs.
func WithCache(c *cache.ResponseCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithResolver resolves file and URL inputs before extraction.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithMetrics records document and category outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithFastMode replaces model calls with deterministic keyword matching.
func WithFastMode(enabled bool) Option {
	return func(o *Orchestrator) { o.fastMode = enabled }
}

// WithDocumentDeadline bounds the time spent on one document. Categories
// unfinished at the deadline are reported with ErrDeadline. Zero disables.
func WithDocumentDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithCustomerInfo toggles the customer name / meeting date extraction.
func WithCustomerInfo(enabled bool) Option {
	return func(o *Orchestrator) { o.customerInfo = enabled }
}

// NewOrchestrator creates an Orchestrator. inv may be nil only in fast mode.
func NewOrchestrator(inv Invoker, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{invoker: inv, customerInfo: true}
	for _, opt := range opts {
		opt(o)
	}
	if o.invoker == nil && !o.fastMode {
		return nil, eris.New("extract: invoker is required unless fast mode is enabled")
	}
	return o, nil
}

// FastMode reports whether model calls are replaced by keyword matching.
func (o *Orchestrator) FastMode() bool {
	return o.fastMode
}

// Analyze extracts every schema category from doc. Schema validation errors
// and caller cancellation are returned as errors; everything else is
// reported on the result, which always holds one entry per category.
func (o *Orchestrator) Analyze(ctx context.Context, doc model.DocumentInput, schema model.SchemaTemplate) (*model.DocumentAnalysisResult, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	schema = schema.Snapshot()
	start := time.Now()

	log := zap.L().With(
		zap.String("document_id", doc.ID),
		zap.String("template_id", schema.ID),
		zap.Bool("fast_mode", o.fastMode),
	)

	text := doc.Content
	if doc.SourceType != model.SourceText && doc.SourceType != "" && text == "" {
		resolved, err := o.resolve(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "extract: analyze canceled")
			}
			log.Warn("extract: document could not be resolved", zap.Error(err))
			res := FailedResult(doc, schema, err)
			res.ProcessingTimeMS = time.Since(start).Milliseconds()
			o.metrics.FinishDocument(time.Since(start), true)
			return res, nil
		}
		text = resolved
		doc.Content = resolved
	}

	dctx := ctx
	if o.deadline > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}

	n := len(schema.Categories)
	results := make([]model.CategoryResult, n)
	usages := make([]model.Usage, n+1)
	var info reconcile.CustomerInfo

	var g errgroup.Group
	if o.customerInfo {
		g.Go(func() error {
			info, usages[n] = o.extractCustomerInfo(dctx, text)
			return nil
		})
	}
	for i, cat := range schema.Categories {
		g.Go(func() error {
			r, u := o.extractCategory(dctx, text, cat)
			if r.Failed() && dctx.Err() != nil && ctx.Err() == nil {
				r = model.ErrorResult(cat.Name, r.ModelUsed, ErrDeadline)
			}
			results[i], usages[i] = r, u
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "extract: analyze canceled")
	}

	res := &model.DocumentAnalysisResult{
		DocumentID:   doc.ID,
		CustomerName: info.CustomerName,
		MeetingDate:  info.MeetingDate,
		Categories:   model.CategoryResults(results),
		ProcessedAt:  start.UTC(),
		WordCount:    doc.WordCount(),
	}
	for _, u := range usages {
		res.Usage.Add(u)
	}
	for _, r := range results {
		if r.Failed() {
			o.metrics.CategoryError(r.CategoryName)
		}
	}

	elapsed := time.Since(start)
	res.ProcessingTimeMS = elapsed.Milliseconds()
	o.metrics.FinishDocument(elapsed, n > 0 && res.Categories.Errored() == n)

	log.Info("extract: document analyzed",
		zap.Int("categories", n),
		zap.Int("errored", res.Categories.Errored()),
		zap.Int("model_calls", res.Usage.ModelCalls),
		zap.Int("cache_hits", res.Usage.CacheHits),
		zap.Float64("cost_usd", res.Usage.CostUSD),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (o *Orchestrator) resolve(ctx context.Context, doc model.DocumentInput) (string, error) {
	if o.resolver == nil {
		return "", eris.Errorf("extract: no resolver for %s input", doc.SourceType)
	}
	return o.resolver.Resolve(ctx, doc)
}

func (o *Orchestrator) extractCategory(ctx context.Context, text string, cat model.CategoryDefinition) (model.CategoryResult, model.Usage) {
	if o.fastMode {
		return fastmode.Extract(text, cat), model.Usage{}
	}

	key := cache.Key(text, cat, o.invoker.ModelID())
	if e, ok := o.cache.Get(key); ok {
		return reconcile.Reconcile(e.Text, e.ModelUsed, cat), model.Usage{CacheHits: 1}
	}

	resp, err := o.invoker.Invoke(ctx, prompt.Build(text, cat))
	if err != nil {
		zap.L().Warn("extract: category failed",
			zap.String("category", cat.Name),
			zap.Error(err),
		)
		return model.ErrorResult(cat.Name, "", err), model.Usage{}
	}

	r := reconcile.Reconcile(resp.Text, resp.ModelUsed, cat)
	if !r.Failed() {
		o.cache.Put(key, cache.Entry{Text: resp.Text, ModelUsed: resp.ModelUsed})
	}
	return r, usageOf(resp)
}

// extractCustomerInfo asks the model for the customer name and meeting date
// and falls back to regex heuristics when the call or the parse fails.
func (o *Orchestrator) extractCustomerInfo(ctx context.Context, text string) (reconcile.CustomerInfo, model.Usage) {
	if o.fastMode {
		return fastmode.CustomerInfo(text), model.Usage{}
	}

	key := cache.CustomerInfoKey(text, o.invoker.ModelID())
	if e, ok := o.cache.Get(key); ok {
		if info, err := reconcile.ReconcileCustomerInfo(e.Text); err == nil {
			return info, model.Usage{CacheHits: 1}
		}
	}

	resp, err := o.invoker.Invoke(ctx, prompt.BuildCustomerInfo(text))
	if err != nil {
		zap.L().Warn("extract: customer info call failed, using heuristics", zap.Error(err))
		return fastmode.CustomerInfo(text), model.Usage{}
	}

	info, err := reconcile.ReconcileCustomerInfo(resp.Text)
	if err != nil {
		zap.L().Debug("extract: customer info unparseable, using heuristics", zap.Error(err))
		return fastmode.CustomerInfo(text), usageOf(resp)
	}
	o.cache.Put(key, cache.Entry{Text: resp.Text, ModelUsed: resp.ModelUsed})
	return info, usageOf(resp)
}

func usageOf(resp *llm.Response) model.Usage {
	return model.Usage{
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
		CostUSD:      resp.CostUSD,
		ModelCalls:   resp.Attempts,
	}
}

// FailedResult is the result for a document that never reached extraction:
// every category carries err.
func FailedResult(doc model.DocumentInput, schema model.SchemaTemplate, err error) *model.DocumentAnalysisResult {
	cats := make(model.CategoryResults, len(schema.Categories))
	for i, c := range schema.Categories {
		cats[i] = model.ErrorResult(c.Name, "", err)
	}
	return &model.DocumentAnalysisResult{
		DocumentID:  doc.ID,
		Categories:  cats,
		ProcessedAt: time.Now().UTC(),
		WordCount:   doc.WordCount(),
		Error:       err.Error(),
	}
}

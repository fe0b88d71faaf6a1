package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/insights-cli/internal/model"
)

// DefaultMaxConcurrentDocuments bounds documents in flight when the
// coordinator is given no limit.
const DefaultMaxConcurrentDocuments = 3

// Coordinator analyzes many documents with bounded concurrency. Model calls
// are additionally bounded by the gate shared through the orchestrator's
// invoker.
type Coordinator struct {
	orch          *Orchestrator
	maxConcurrent int
}

// NewCoordinator creates a Coordinator. maxConcurrent <= 0 uses
// DefaultMaxConcurrentDocuments.
func NewCoordinator(orch *Orchestrator, maxConcurrent int) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentDocuments
	}
	return &Coordinator{orch: orch, maxConcurrent: maxConcurrent}
}

// AnalyzeMany analyzes docs and returns one result per input in input
// order. A document that cannot be resolved or analyzed is recorded with
// every category errored; it never aborts the batch. Only schema validation
// and caller cancellation return an error.
func (c *Coordinator) AnalyzeMany(ctx context.Context, docs []model.DocumentInput, schema model.SchemaTemplate) (*model.BatchResult, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	items := make([]model.BatchItemResult, len(docs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)

	for i, doc := range docs {
		g.Go(func() error {
			res, err := c.orch.Analyze(gCtx, doc, schema)
			if err != nil {
				if ctx.Err() != nil {
					return eris.Wrap(ctx.Err(), "extract: batch canceled")
				}
				zap.L().Warn("extract: document failed",
					zap.Int("index", i),
					zap.String("source", doc.Source()),
					zap.Error(err),
				)
				res = FailedResult(doc, schema, err)
			}
			items[i] = model.BatchItemResult{
				Index:                  i,
				InputType:              doc.SourceType,
				Source:                 doc.Source(),
				DocumentAnalysisResult: *res,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &model.BatchResult{
		Categories:       schema.CategoryNames(),
		TotalItems:       len(docs),
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		Results:          items,
	}
	for _, it := range items {
		if it.Error != "" {
			out.FailedItems++
		} else {
			out.SuccessfulItems++
		}
	}

	zap.L().Info("extract: batch complete",
		zap.Int("total", out.TotalItems),
		zap.Int("successful", out.SuccessfulItems),
		zap.Int("failed", out.FailedItems),
		zap.Int64("elapsed_ms", out.ProcessingTimeMS),
	)
	return out, nil
}

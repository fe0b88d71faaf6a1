package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/cache"
	"github.com/sells-group/insights-cli/internal/config"
	"github.com/sells-group/insights-cli/internal/cost"
	"github.com/sells-group/insights-cli/internal/extract"
	"github.com/sells-group/insights-cli/internal/fetcher"
	"github.com/sells-group/insights-cli/internal/llm"
	"github.com/sells-group/insights-cli/internal/metrics"
	"github.com/sells-group/insights-cli/internal/model"
	"github.com/sells-group/insights-cli/internal/resilience"
	"github.com/sells-group/insights-cli/internal/resolver"
	"github.com/sells-group/insights-cli/internal/store"
	anthropicpkg "github.com/sells-group/insights-cli/pkg/anthropic"
	"github.com/sells-group/insights-cli/pkg/jina"
	"github.com/sells-group/insights-cli/pkg/serving"
)

// appEnv holds the initialized extraction pipeline and, when requested, the
// template store.
type appEnv struct {
	Metrics      *metrics.Metrics
	Orchestrator *extract.Orchestrator
	Coordinator  *extract.Coordinator
	Store        store.Store // nil unless opened
	Templates    *store.Templates
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv builds the orchestrator and coordinator from c. withStore also
// opens and migrates the template store. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, withStore bool) (*appEnv, error) {
	m := metrics.New()

	orch, err := buildOrchestrator(c, m)
	if err != nil {
		return nil, err
	}

	env := &appEnv{
		Metrics:      m,
		Orchestrator: orch,
		Coordinator:  extract.NewCoordinator(orch, c.Batch.MaxConcurrentDocuments),
	}

	if withStore {
		st, err := initStore(ctx, c)
		if err != nil {
			return nil, err
		}
		env.Store = st
		env.Templates = store.NewTemplates(st)
	}

	return env, nil
}

func buildOrchestrator(c *config.Config, m *metrics.Metrics) (*extract.Orchestrator, error) {
	pricing := cost.NewCalculator(c.Pricing)
	resolverOpts := []resolver.Option{
		resolver.WithFetcher(fetcher.NewHTTPFetcher(c.FetchOptions())),
		resolver.WithMaxBytes(int64(c.Fetch.MaxDocumentMB) << 20),
		resolver.WithPricing(pricing),
	}
	if c.Jina.Key != "" {
		resolverOpts = append(resolverOpts, resolver.WithJina(jina.NewClient(c.Jina.Key, jina.WithBaseURL(c.Jina.BaseURL))))
		zap.L().Info("jina reader enabled for url documents")
	}

	opts := []extract.Option{
		extract.WithResolver(resolver.New(resolverOpts...)),
		extract.WithMetrics(m),
		extract.WithDocumentDeadline(c.DocumentDeadline()),
		extract.WithCustomerInfo(c.Extract.CustomerInfo),
	}

	if c.Extract.FastMode {
		zap.L().Info("fast mode enabled, model calls replaced by keyword matching")
		return extract.NewOrchestrator(nil, append(opts, extract.WithFastMode(true))...)
	}

	completer, err := newCompleter(c)
	if err != nil {
		return nil, err
	}
	gate := resilience.NewGate(c.LLM.ConcurrencyLimit, c.LLM.RequestsPerMinute)
	inv, err := llm.NewInvoker(completer, gate, c.InvokerConfig(),
		llm.WithMetrics(m),
		llm.WithPricing(pricing),
	)
	if err != nil {
		return nil, err
	}

	rc, err := cache.New(c.Extract.CacheCapacity, m)
	if err != nil {
		return nil, err
	}

	zap.L().Info("model invoker ready",
		zap.String("provider", c.LLM.Provider),
		zap.Strings("endpoints", inv.Endpoints()),
		zap.Int("concurrency_limit", gate.Size()),
	)
	return extract.NewOrchestrator(inv, append(opts, extract.WithCache(rc))...)
}

func newCompleter(c *config.Config) (llm.Completer, error) {
	switch c.LLM.Provider {
	case config.ProviderAnthropic:
		var opts []anthropicpkg.Option
		if c.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
		}
		return llm.NewAnthropicCompleter(anthropicpkg.NewClient(c.Anthropic.Key, opts...), c.Anthropic.CacheTTL), nil
	case config.ProviderServing:
		return llm.NewServingCompleter(serving.NewClient(c.Serving.BaseURL, c.Serving.Token)), nil
	default:
		return nil, eris.Errorf("unsupported llm provider: %s", c.LLM.Provider)
	}
}

// initStore opens the configured store and runs migrations.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// loadTemplate picks the schema for a run: a template file wins, then the
// built-in defaults, then the store.
func loadTemplate(ctx context.Context, env *appEnv, id, file string) (model.SchemaTemplate, error) {
	if file != "" {
		t, err := model.LoadTemplateFile(file)
		if err != nil {
			return model.SchemaTemplate{}, err
		}
		return *t, nil
	}
	if id == "" {
		return model.SchemaTemplate{}, eris.New("a --template id or --template-file is required")
	}
	if t, ok := model.DefaultTemplate(id); ok {
		return t, nil
	}
	if env == nil || env.Templates == nil {
		return model.SchemaTemplate{}, eris.Errorf("template %q is not a built-in default and no store is open", id)
	}
	t, err := env.Templates.Get(ctx, id)
	if err != nil {
		return model.SchemaTemplate{}, err
	}
	return *t, nil
}

// needsStore reports whether resolving the template requires the store.
func needsStore(id, file string) bool {
	if file != "" {
		return false
	}
	_, ok := model.DefaultTemplate(id)
	return !ok
}

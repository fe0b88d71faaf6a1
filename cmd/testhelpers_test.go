package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/insights-cli/internal/config"
)

// testConfig returns a fast-mode config backed by a temp-dir SQLite store.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.LLM.Provider = config.ProviderServing
	c.Extract.FastMode = true
	c.Extract.CustomerInfo = true
	c.Batch.MaxConcurrentDocuments = 2
	c.Batch.OutputDir = t.TempDir()
	c.Fetch.MaxRetries = 1
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "insights.db")
	c.Server.Port = 8080
	c.Server.MaxUploadMB = 5
	return c
}

func newTestEnv(t *testing.T, withStore bool) *appEnv {
	t.Helper()
	env, err := initEnv(context.Background(), testConfig(t), withStore)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

const acmeNotes = `Meeting with Acme Corp on 2024-03-15.
Acme is an online retail marketplace. They run nightly batch loads into Delta Lake
and want to use Vector Search for product recommendations.`

package resilience

import (
	"time"
)

// FromModelPolicy builds the per-endpoint retry policy from the configured
// attempt count and backoff base (seconds, fractional allowed).
func FromModelPolicy(maxRetries int, backoffBaseSeconds float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries > 0 {
		cfg.MaxAttempts = maxRetries
	}
	if backoffBaseSeconds >= 0 {
		cfg.InitialBackoff = time.Duration(backoffBaseSeconds * float64(time.Second))
	}
	return cfg
}

package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "REDIS_URL", "ORCH_RUNSTORE", "ORCH_MAX_RETRIES_DEFAULT",
		"ORCH_BACKOFF_SECONDS_DEFAULT", "ORCH_EXECUTION_ID_HEADER",
		"MAX_PARALLELISM", "AUTH_OIDC_ISSUER", "DATAFLOW_BACKEND",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q, want redis://localhost:6379/0", cfg.RedisURL)
	}
	if cfg.RunStoreType != "memory" {
		t.Errorf("RunStoreType = %q, want memory", cfg.RunStoreType)
	}
	if cfg.DefaultMaxRetries != 0 {
		t.Errorf("DefaultMaxRetries = %d, want 0", cfg.DefaultMaxRetries)
	}
	if cfg.DefaultBackoffSecs != 2 {
		t.Errorf("DefaultBackoffSecs = %d, want 2", cfg.DefaultBackoffSecs)
	}
	if cfg.ExecutionIDHeader != "X-Execution-Id" {
		t.Errorf("ExecutionIDHeader = %q, want X-Execution-Id", cfg.ExecutionIDHeader)
	}
	if cfg.MaxParallelism != 0 {
		t.Errorf("MaxParallelism = %d, want 0", cfg.MaxParallelism)
	}
	if cfg.OIDCIssuer != "" {
		t.Errorf("OIDCIssuer = %q, want empty (auth disabled)", cfg.OIDCIssuer)
	}
	if cfg.DataflowBackend != "memory" {
		t.Errorf("DataflowBackend = %q, want memory", cfg.DataflowBackend)
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("MAX_PARALLELISM", "4")
	os.Setenv("AUTH_OIDC_ISSUER", "https://issuer.example.com")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("MAX_PARALLELISM")
		os.Unsetenv("AUTH_OIDC_ISSUER")
	}()

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.MaxParallelism != 4 {
		t.Errorf("MaxParallelism = %d, want 4", cfg.MaxParallelism)
	}
	if cfg.OIDCIssuer != "https://issuer.example.com" {
		t.Errorf("OIDCIssuer = %q, want override", cfg.OIDCIssuer)
	}
}

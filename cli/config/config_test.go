package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justapithecus/gantry/retry"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `workers: 8

checkpoint:
  backend: bolt
  path: ./state/gantry.db

journal:
  dir: ./state/journal

idempotency:
  backend: redis
  url: redis://localhost:6379/1
  ttl: 24h

retry:
  max_retries: 5
  base_delay: 2s
  multiplier: 2
  max_delay: 1m
  jitter_fraction: 0.2

breaker:
  failure_threshold: 4
  recovery_timeout: 45s

archive:
  bucket: gantry-runs
  prefix: prod
  region: us-east-1
  endpoint: https://minio.internal:9000
  s3_path_style: true

adapter:
  type: webhook
  url: https://hooks.example.com/gantry
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3

pipelines:
  assessment:
    stages:
      - id: extract
        command: ./stages/extract.sh
        dependency: upstream-api
        timeout: 30s
      - id: transform
        needs: [extract]
        command: ./stages/transform.sh
        retry:
          max_retries: 1
      - id: load
        needs: [transform]
        command: ./stages/load.sh
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Workers != 8 {
		t.Errorf("expected workers=8, got %d", cfg.Workers)
	}
	assertEqual(t, "checkpoint.backend", cfg.Checkpoint.Backend, "bolt")
	assertEqual(t, "checkpoint.path", cfg.Checkpoint.Path, "./state/gantry.db")
	assertEqual(t, "journal.dir", cfg.Journal.Dir, "./state/journal")

	assertEqual(t, "idempotency.backend", cfg.Idempotency.Backend, "redis")
	assertEqual(t, "idempotency.url", cfg.Idempotency.URL, "redis://localhost:6379/1")
	if cfg.Idempotency.TTL.Duration != 24*time.Hour {
		t.Errorf("expected ttl=24h, got %v", cfg.Idempotency.TTL.Duration)
	}

	policy := cfg.Retry.RetryPolicy()
	if policy.MaxRetries != 5 || policy.BaseDelay != 2*time.Second || policy.MaxDelay != time.Minute {
		t.Errorf("unexpected retry policy: %+v", policy)
	}
	if policy.JitterFraction != 0.2 {
		t.Errorf("expected jitter 0.2, got %v", policy.JitterFraction)
	}

	settings := cfg.Breaker.BreakerSettings()
	if settings.FailureThreshold != 4 || settings.RecoveryTimeout != 45*time.Second {
		t.Errorf("unexpected breaker settings: %+v", settings)
	}

	if !cfg.Archive.Enabled() {
		t.Error("archive should be enabled when a bucket is set")
	}
	assertEqual(t, "archive.bucket", cfg.Archive.Bucket, "gantry-runs")
	if !cfg.Archive.S3PathStyle {
		t.Error("expected archive.s3_path_style=true")
	}

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	assertEqual(t, "adapter.url", cfg.Adapter.URL, "https://hooks.example.com/gantry")
	if cfg.Adapter.Timeout.Duration != 10*time.Second {
		t.Errorf("expected adapter.timeout=10s, got %v", cfg.Adapter.Timeout.Duration)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 3 {
		t.Errorf("expected adapter.retries=3")
	}
	if cfg.Adapter.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("expected Authorization header")
	}

	if got := cfg.PipelineNames(); len(got) != 1 || got[0] != "assessment" {
		t.Errorf("unexpected pipeline names: %v", got)
	}
	stages := cfg.Pipelines["assessment"].Stages
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if stages[0].Dependency != "upstream-api" || stages[0].Timeout.Duration != 30*time.Second {
		t.Errorf("unexpected first stage: %+v", stages[0])
	}
	if stages[1].Retry == nil || stages[1].Retry.MaxRetries == nil || *stages[1].Retry.MaxRetries != 1 {
		t.Errorf("per-stage retry override lost: %+v", stages[1].Retry)
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != 0 || len(cfg.Pipelines) != 0 {
		t.Errorf("expected zero config, got %+v", cfg)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/gantry.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "{{invalid yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://expanded:6379")

	yaml := `idempotency:
  backend: redis
  url: ${TEST_REDIS_URL}
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "idempotency.url", cfg.Idempotency.URL, "redis://expanded:6379")
}

func TestLoad_EnvExpansionDefault(t *testing.T) {
	yaml := `checkpoint:
  path: ${GANTRY_UNSET_STATE_DIR:-/var/lib/gantry}/gantry.db
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "checkpoint.path", cfg.Checkpoint.Path, "/var/lib/gantry/gantry.db")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	yaml := `workers: 2
bogus_key: should_fail
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	if !strings.Contains(err.Error(), "bogus_key") {
		t.Errorf("error should mention the unknown key, got: %v", err)
	}
}

func TestLoad_UnknownNestedKeyRejected(t *testing.T) {
	yaml := `checkpoint:
  backend: bolt
  unknown_field: bad
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown nested key, got nil")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Errorf("error should mention the unknown key, got: %v", err)
	}
}

func TestLoad_CommentsOnlyConfig(t *testing.T) {
	path := writeTemp(t, "# This is a comment\n# Another comment\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed for comments-only config: %v", err)
	}
}

func TestLoad_RetriesZeroDistinctFromNil(t *testing.T) {
	// max_retries: 0 should parse as *int(0), not nil.
	yaml := `retry:
  max_retries: 0
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Retry.MaxRetries == nil {
		t.Fatal("expected max_retries to be non-nil (*int(0)), got nil")
	}
	if got := cfg.Retry.RetryPolicy().MaxRetries; got != 0 {
		t.Errorf("expected policy max retries 0, got %d", got)
	}
}

func TestRetryPolicy_DefaultsWhenUnset(t *testing.T) {
	var rc RetryConfig
	if got := rc.RetryPolicy(); got != retry.DefaultPolicy {
		t.Errorf("empty retry config should yield the default policy, got %+v", got)
	}
}

func TestDuration_InvalidFormat(t *testing.T) {
	yaml := `adapter:
  timeout: not-a-duration
`
	path := writeTemp(t, yaml)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

func TestDuration_EmptyIsZero(t *testing.T) {
	yaml := `adapter:
  type: webhook
  url: https://example.com
  timeout: ""
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Timeout.Duration != 0 {
		t.Errorf("expected zero duration, got %v", cfg.Adapter.Timeout.Duration)
	}
}

func TestBuildCatalog_SubprocessStages(t *testing.T) {
	yaml := `pipelines:
  assessment:
    stages:
      - id: extract
        command: ./extract.sh
      - id: load
        needs: [extract]
        command: ./load.sh
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	catalog, err := cfg.BuildCatalog(nil)
	if err != nil {
		t.Fatalf("BuildCatalog failed: %v", err)
	}
	p, err := catalog.Lookup("assessment")
	if err != nil {
		t.Fatal(err)
	}
	if ids := p.NodeIDs(); len(ids) != 2 || ids[0] != "extract" || ids[1] != "load" {
		t.Errorf("unexpected node ids: %v", ids)
	}
}

func TestBuildCatalog_RejectsCycle(t *testing.T) {
	yaml := `pipelines:
  broken:
    stages:
      - id: a
        needs: [b]
        command: ./a.sh
      - id: b
        needs: [a]
        command: ./b.sh
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := cfg.BuildCatalog(nil); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestBuildCatalog_HandlerAndCommandExclusive(t *testing.T) {
	yaml := `pipelines:
  broken:
    stages:
      - id: a
        handler: builtin
        command: ./a.sh
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := cfg.BuildCatalog(nil); err == nil {
		t.Fatal("expected handler/command conflict to be rejected")
	}
}

func TestBuildCatalog_StageNeedsBody(t *testing.T) {
	yaml := `pipelines:
  broken:
    stages:
      - id: a
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := cfg.BuildCatalog(nil); err == nil {
		t.Fatal("expected stage without handler or command to be rejected")
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gantry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}

package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/justapithecus/gantry/breaker"
	"github.com/justapithecus/gantry/pipeline"
	"github.com/justapithecus/gantry/retry"
	"github.com/justapithecus/gantry/stage/execstage"
)

// Config represents a gantry.yaml configuration file.
// All values are optional and act as defaults for gantry run flags.
// CLI flags always override config values.
type Config struct {
	Workers     int                       `yaml:"workers"`
	Checkpoint  CheckpointConfig          `yaml:"checkpoint"`
	Journal     JournalConfig             `yaml:"journal"`
	Idempotency IdempotencyConfig         `yaml:"idempotency"`
	Retry       RetryConfig               `yaml:"retry"`
	Breaker     BreakerConfig             `yaml:"breaker"`
	Archive     ArchiveConfig             `yaml:"archive"`
	Adapter     AdapterConfig             `yaml:"adapter"`
	Pipelines   map[string]PipelineConfig `yaml:"pipelines"`
}

// CheckpointConfig selects the run-state store backend.
type CheckpointConfig struct {
	// Backend is "bolt" (durable local file, the default) or "memory".
	Backend string `yaml:"backend"`
	// Path is the bolt database file (default: gantry.db).
	Path string `yaml:"path"`
}

// JournalConfig selects the transition journal.
type JournalConfig struct {
	// Dir is where per-run JSONL journals are written. Empty disables
	// journaling.
	Dir string `yaml:"dir"`
}

// IdempotencyConfig selects the dedup store.
type IdempotencyConfig struct {
	// Backend is "local" (shares the checkpoint store, the default),
	// "redis", or "off".
	Backend string `yaml:"backend"`
	// URL is the Redis connection URL for the redis backend.
	URL string `yaml:"url"`
	// TTL bounds how long Redis dedup records live. Zero means no
	// expiry.
	TTL Duration `yaml:"ttl"`
}

// RetryConfig holds the default backoff policy from the config file.
type RetryConfig struct {
	MaxRetries     *int     `yaml:"max_retries"`
	BaseDelay      Duration `yaml:"base_delay"`
	Multiplier     float64  `yaml:"multiplier"`
	MaxDelay       Duration `yaml:"max_delay"`
	JitterFraction float64  `yaml:"jitter_fraction"`
}

// BreakerConfig holds circuit breaker thresholds from the config file.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

// ArchiveConfig holds optional S3 archive settings for terminal runs.
type ArchiveConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Enabled reports whether archiving is configured.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// AdapterConfig holds run-completed notification settings.
type AdapterConfig struct {
	// Type is "redis", "webhook", or empty (disabled).
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// PipelineConfig declares one pipeline's stage graph.
type PipelineConfig struct {
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig declares one stage. Exactly one of Handler (a registered
// handler id) or Command (a subprocess) names the stage body.
type StageConfig struct {
	ID              string            `yaml:"id"`
	Needs           []string          `yaml:"needs"`
	Handler         string            `yaml:"handler"`
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	Env             map[string]string `yaml:"env"`
	Dir             string            `yaml:"dir"`
	Dependency      string            `yaml:"dependency"`
	Timeout         Duration          `yaml:"timeout"`
	Retry           *RetryConfig      `yaml:"retry"`
	TolerateSkipped bool              `yaml:"tolerate_skipped"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// RetryPolicy converts the config block into a retry policy, filling
// unset fields from the default policy.
func (r RetryConfig) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy
	if r.MaxRetries != nil {
		p.MaxRetries = *r.MaxRetries
	}
	if r.BaseDelay.Duration > 0 {
		p.BaseDelay = r.BaseDelay.Duration
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	if r.MaxDelay.Duration > 0 {
		p.MaxDelay = r.MaxDelay.Duration
	}
	if r.JitterFraction > 0 {
		p.JitterFraction = r.JitterFraction
	}
	return p
}

// BreakerSettings converts the config block into breaker settings,
// falling back to the defaults for unset fields.
func (b BreakerConfig) BreakerSettings() breaker.Settings {
	s := breaker.DefaultSettings
	if b.FailureThreshold > 0 {
		s.FailureThreshold = b.FailureThreshold
	}
	if b.RecoveryTimeout.Duration > 0 {
		s.RecoveryTimeout = b.RecoveryTimeout.Duration
	}
	return s
}

// PipelineNames returns declared pipeline names, sorted.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildCatalog validates every declared pipeline and assembles the
// catalog. Stage handlers named via `handler:` resolve against reg;
// stages with `command:` get a subprocess handler. reg may be nil when
// no stage uses `handler:`.
func (c *Config) BuildCatalog(reg *pipeline.HandlerRegistry) (pipeline.Catalog, error) {
	catalog := make(pipeline.Catalog, len(c.Pipelines))
	for _, name := range c.PipelineNames() {
		p, err := c.buildPipeline(name, c.Pipelines[name], reg)
		if err != nil {
			return nil, err
		}
		catalog[name] = p
	}
	return catalog, nil
}

func (c *Config) buildPipeline(name string, pc PipelineConfig, reg *pipeline.HandlerRegistry) (*pipeline.Pipeline, error) {
	nodes := make([]*pipeline.Node, 0, len(pc.Stages))
	for _, sc := range pc.Stages {
		h, err := stageHandler(name, sc, reg)
		if err != nil {
			return nil, err
		}

		node := &pipeline.Node{
			ID:              sc.ID,
			Needs:           sc.Needs,
			Handler:         h,
			Dependency:      sc.Dependency,
			Timeout:         sc.Timeout.Duration,
			TolerateSkipped: sc.TolerateSkipped,
		}
		if sc.Retry != nil {
			p := sc.Retry.RetryPolicy()
			node.Retry = &p
		}
		nodes = append(nodes, node)
	}

	p, err := pipeline.Build(name, nodes)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", name, err)
	}
	return p, nil
}

func stageHandler(pipelineName string, sc StageConfig, reg *pipeline.HandlerRegistry) (pipeline.Handler, error) {
	switch {
	case sc.Handler != "" && sc.Command != "":
		return nil, fmt.Errorf("pipeline %q stage %q: handler and command are mutually exclusive", pipelineName, sc.ID)

	case sc.Handler != "":
		if reg == nil {
			return nil, fmt.Errorf("pipeline %q stage %q: no handler registry available", pipelineName, sc.ID)
		}
		h, err := reg.Resolve(sc.Handler)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q stage %q: %w", pipelineName, sc.ID, err)
		}
		return h, nil

	case sc.Command != "":
		return execstage.New(execstage.Config{
			Stage:   sc.ID,
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Dir:     sc.Dir,
		})

	default:
		return nil, fmt.Errorf("pipeline %q stage %q: one of handler or command is required", pipelineName, sc.ID)
	}
}

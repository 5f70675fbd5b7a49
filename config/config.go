// Package config centralises runtime configuration for a dispatch
// engine process: which idle strategy paces each agent thread, which
// processor groups run on which thread, which feeds/sinks/services are
// wired in, and which invocation strategy backs each callback type.
// Following internal/config's YAML-plus-typed-struct pattern
// (Load/Validate pair, precedence defaults → YAML → env), adapted from
// exchange connectivity settings to dispatch-engine topology.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IdleStrategyName is the interned name of one of core/agent's
// IdleStrategy implementations.
type IdleStrategyName string

const (
	IdleNoOp     IdleStrategyName = "noop"
	IdleBusySpin IdleStrategyName = "busySpin"
	IdleYielding IdleStrategyName = "yielding"
	IdleSleeping IdleStrategyName = "sleeping"
	IdleBackoff  IdleStrategyName = "backoff"
)

func (n IdleStrategyName) valid() bool {
	switch n {
	case IdleNoOp, IdleBusySpin, IdleYielding, IdleSleeping, IdleBackoff:
		return true
	default:
		return false
	}
}

// RetryPolicyConfig mirrors core/flow.RetryPolicy's tunables.
type RetryPolicyConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// AgentThreadConfig declares one OS-thread-hosted ComposingAgent group.
type AgentThreadConfig struct {
	Name         string
	IdleStrategy IdleStrategyName
	MaxSleep     time.Duration
	CoreID       *int
}

// ProcessorGroupConfig binds a named group of processors to the agent
// thread that hosts their QueueToInvocationAgent.
type ProcessorGroupConfig struct {
	Name        string
	AgentThread string
	Processors  []string
}

// EventFeedConfig declares one registered source.
type EventFeedConfig struct {
	Name          string
	Type          string // "wsfeed" | "tickfeed" | "restfeed"
	QueueCapacity int
	CacheEnabled  bool
	RetryPolicy   *RetryPolicyConfig
}

// EventSinkConfig declares one registered sink.
type EventSinkConfig struct {
	Name string
	Type string // "pgsink" | ...
	DSN  string
}

// ServiceConfig declares one registered user service.
type ServiceConfig struct {
	Name        string
	Type        string
	AgentThread string
}

// TelemetryConfig configures the OTLP metrics exporter telemetry.Install
// wires, mirroring the teacher's config.TelemetryConfig consumed by
// lib/telemetry.Init. An empty OTLPEndpoint selects a no-op meter
// provider.
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

// Config is the unified dispatch-engine configuration tree, per
// spec.md §6's recognized surface. The invocation-strategy factory
// functions themselves are still wired in code; Config only carries
// the callback-type → strategy-name mapping.
type Config struct {
	IdleStrategy         IdleStrategyName
	AgentThreads         []AgentThreadConfig
	ProcessorGroups      []ProcessorGroupConfig
	EventFeeds           []EventFeedConfig
	EventSinks           []EventSinkConfig
	Services             []ServiceConfig
	InvocationStrategies map[string]string
	Telemetry            TelemetryConfig
}

// Durations are carried as YAML strings and parsed with
// time.ParseDuration, the same precedent as internal/config.app.go's
// HTTPTimeout/HandshakeTimeout fields — yaml.v3 has no built-in
// time.Duration scalar support.

type retryPolicyYAML struct {
	MaxAttempts    int     `yaml:"maxAttempts"`
	InitialBackoff string  `yaml:"initialBackoff"`
	MaxBackoff     string  `yaml:"maxBackoff"`
	Multiplier     float64 `yaml:"multiplier"`
}

type agentThreadYAML struct {
	Name         string `yaml:"name"`
	IdleStrategy string `yaml:"idleStrategy"`
	MaxSleep     string `yaml:"maxSleep"`
	CoreID       *int   `yaml:"coreId,omitempty"`
}

type processorGroupYAML struct {
	Name        string   `yaml:"name"`
	AgentThread string   `yaml:"agentThread"`
	Processors  []string `yaml:"processors"`
}

type eventFeedYAML struct {
	Name          string           `yaml:"name"`
	Type          string           `yaml:"type"`
	QueueCapacity int              `yaml:"queueCapacity"`
	CacheEnabled  bool             `yaml:"cacheEnabled"`
	RetryPolicy   *retryPolicyYAML `yaml:"retryPolicy,omitempty"`
}

type eventSinkYAML struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn,omitempty"`
}

type serviceYAML struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	AgentThread string `yaml:"agentThread,omitempty"`
}

type telemetryYAML struct {
	ServiceName  string `yaml:"serviceName"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// configYAML is the YAML representation mapping onto Config.
type configYAML struct {
	IdleStrategy         string               `yaml:"idleStrategy"`
	AgentThreads         []agentThreadYAML    `yaml:"agentThreads"`
	ProcessorGroups      []processorGroupYAML `yaml:"processorGroups"`
	EventFeeds           []eventFeedYAML      `yaml:"eventFeeds"`
	EventSinks           []eventSinkYAML      `yaml:"eventSinks"`
	Services             []serviceYAML        `yaml:"services"`
	InvocationStrategies map[string]string    `yaml:"invocationStrategies"`
	Telemetry            telemetryYAML        `yaml:"telemetry"`
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return d
}

// Default returns the minimal valid configuration: a single backoff-paced
// agent thread and no feeds, sinks, or services.
func Default() Config {
	return Config{
		IdleStrategy: IdleBackoff,
		AgentThreads: []AgentThreadConfig{
			{Name: "main", IdleStrategy: IdleBackoff, MaxSleep: 10 * time.Millisecond},
		},
		InvocationStrategies: map[string]string{"on-event": "default"},
		Telemetry:            TelemetryConfig{ServiceName: "cortege"},
	}
}

// Load loads the dispatch-engine configuration with precedence:
// defaults → YAML → env vars, then validates the result, mirroring
// internal/config.Load's AppConfig pipeline.
func Load(ctx context.Context, path string) (Config, error) {
	_ = ctx
	cfg := Default()

	if err := cfg.loadYAML(path); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load yaml config: %w", err)
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CORTEGE_CONFIG"))
	}
	if path == "" {
		path = "config/engine.yaml"
	}
	path = filepath.Clean(path)

	f, err := os.Open(path) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var y configYAML
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if y.IdleStrategy != "" {
		c.IdleStrategy = IdleStrategyName(y.IdleStrategy)
	}
	if len(y.AgentThreads) > 0 {
		threads := make([]AgentThreadConfig, len(y.AgentThreads))
		for i, t := range y.AgentThreads {
			threads[i] = AgentThreadConfig{
				Name:         t.Name,
				IdleStrategy: IdleStrategyName(t.IdleStrategy),
				MaxSleep:     parseDuration(t.MaxSleep),
				CoreID:       t.CoreID,
			}
		}
		c.AgentThreads = threads
	}
	if len(y.ProcessorGroups) > 0 {
		groups := make([]ProcessorGroupConfig, len(y.ProcessorGroups))
		for i, g := range y.ProcessorGroups {
			groups[i] = ProcessorGroupConfig{Name: g.Name, AgentThread: g.AgentThread, Processors: g.Processors}
		}
		c.ProcessorGroups = groups
	}
	if len(y.EventFeeds) > 0 {
		feeds := make([]EventFeedConfig, len(y.EventFeeds))
		for i, f := range y.EventFeeds {
			feeds[i] = EventFeedConfig{
				Name:          f.Name,
				Type:          f.Type,
				QueueCapacity: f.QueueCapacity,
				CacheEnabled:  f.CacheEnabled,
			}
			if f.RetryPolicy != nil {
				feeds[i].RetryPolicy = &RetryPolicyConfig{
					MaxAttempts:    f.RetryPolicy.MaxAttempts,
					InitialBackoff: parseDuration(f.RetryPolicy.InitialBackoff),
					MaxBackoff:     parseDuration(f.RetryPolicy.MaxBackoff),
					Multiplier:     f.RetryPolicy.Multiplier,
				}
			}
		}
		c.EventFeeds = feeds
	}
	if len(y.EventSinks) > 0 {
		sinks := make([]EventSinkConfig, len(y.EventSinks))
		for i, s := range y.EventSinks {
			sinks[i] = EventSinkConfig{Name: s.Name, Type: s.Type, DSN: s.DSN}
		}
		c.EventSinks = sinks
	}
	if len(y.Services) > 0 {
		services := make([]ServiceConfig, len(y.Services))
		for i, s := range y.Services {
			services[i] = ServiceConfig{Name: s.Name, Type: s.Type, AgentThread: s.AgentThread}
		}
		c.Services = services
	}
	if len(y.InvocationStrategies) > 0 {
		c.InvocationStrategies = y.InvocationStrategies
	}
	if y.Telemetry.ServiceName != "" {
		c.Telemetry.ServiceName = y.Telemetry.ServiceName
	}
	if y.Telemetry.OTLPEndpoint != "" {
		c.Telemetry.OTLPEndpoint = y.Telemetry.OTLPEndpoint
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("CORTEGE_IDLE_STRATEGY")); v != "" {
		c.IdleStrategy = IdleStrategyName(v)
	}
	if v := strings.TrimSpace(os.Getenv("CORTEGE_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("CORTEGE_DEFAULT_QUEUE_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			for i := range c.EventFeeds {
				if c.EventFeeds[i].QueueCapacity == 0 {
					c.EventFeeds[i].QueueCapacity = n
				}
			}
		}
	}
}

// Validate checks referential integrity and spec.md's stated invariants:
// queue capacities a power of two, non-negative retry policies, and
// idle-strategy names drawn from the known set.
func (c *Config) Validate() error {
	if !c.IdleStrategy.valid() {
		return fmt.Errorf("config: unknown idle strategy %q", c.IdleStrategy)
	}
	threads := make(map[string]struct{}, len(c.AgentThreads))
	for _, t := range c.AgentThreads {
		if t.Name == "" {
			return fmt.Errorf("config: agent thread missing name")
		}
		if t.IdleStrategy != "" && !t.IdleStrategy.valid() {
			return fmt.Errorf("config: agent thread %q: unknown idle strategy %q", t.Name, t.IdleStrategy)
		}
		threads[t.Name] = struct{}{}
	}
	for _, g := range c.ProcessorGroups {
		if g.AgentThread == "" {
			continue
		}
		if _, ok := threads[g.AgentThread]; !ok {
			return fmt.Errorf("config: processor group %q: unknown agent thread %q", g.Name, g.AgentThread)
		}
	}
	for _, f := range c.EventFeeds {
		if f.QueueCapacity != 0 && !isPowerOfTwo(f.QueueCapacity) {
			return fmt.Errorf("config: feed %q: queueCapacity must be a power of two, got %d", f.Name, f.QueueCapacity)
		}
		if f.RetryPolicy != nil {
			if err := validateRetryPolicy(f.Name, f.RetryPolicy); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRetryPolicy(owner string, rp *RetryPolicyConfig) error {
	if rp.MaxAttempts < 0 {
		return fmt.Errorf("config: %q: retryPolicy.maxAttempts must be >= 0", owner)
	}
	if rp.InitialBackoff < 0 || rp.MaxBackoff < 0 {
		return fmt.Errorf("config: %q: retryPolicy backoff durations must be non-negative", owner)
	}
	if rp.Multiplier < 0 {
		return fmt.Errorf("config: %q: retryPolicy.multiplier must be >= 0", owner)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

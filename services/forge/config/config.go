// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides typed configuration access for the forge service.
//
// Configuration lives in a single skiff.yaml file. The Provider re-reads
// the file when its modification time changes, so feature toggles
// flipped by an admin take effect on the next request without a restart.
// Components must therefore query the Provider per request instead of
// capturing values at startup.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration Schema
// =============================================================================

// Config is the full typed configuration tree.
type Config struct {
	Server           ServerConfig           `yaml:"server"`
	Models           ModelsConfig           `yaml:"models"`
	Paths            PathsConfig            `yaml:"paths"`
	StructuredOutput StructuredOutputConfig `yaml:"structured_output"`
	AgentResources   AgentResourcesConfig   `yaml:"agent_resources"`
	Debug            DebugConfig            `yaml:"debug"`
	Memory           MemoryConfig           `yaml:"memory"`
	Context          ContextConfig          `yaml:"context"`
	Router           RouterConfig           `yaml:"router"`
	Stream           StreamConfig           `yaml:"stream"`
	Gateway          GatewayConfig          `yaml:"gateway"`
	WebSearch        WebSearchConfig        `yaml:"web_search"`
	Validators       ValidatorsConfig       `yaml:"validators"`
	Weaviate         WeaviateConfig         `yaml:"weaviate"`
	Telemetry        TelemetryConfig        `yaml:"telemetry"`
	Cloud            CloudConfig            `yaml:"cloud"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8199".
	Addr string `yaml:"addr"`

	// ShutdownGraceSeconds bounds graceful shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// ModelsConfig selects LLM backends and model names.
type ModelsConfig struct {
	// Backend selects the runtime: "ollama" or "openai".
	Backend string `yaml:"backend"`

	// OllamaURL is the Ollama runtime base URL.
	OllamaURL string `yaml:"ollama_url"`

	// Default is the general-purpose model.
	Default string `yaml:"default"`

	// Coder is the code-generation model.
	Coder string `yaml:"coder"`

	// Classifier is the small model used for intent classification.
	Classifier string `yaml:"classifier"`

	// Embedding is the embedding model for the vector store.
	Embedding string `yaml:"embedding"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// OutputDir is the root for generated artifacts, conversations,
	// and backups.
	OutputDir string `yaml:"output_dir"`

	// ConversationsDir overrides OutputDir/conversations when set.
	ConversationsDir string `yaml:"conversations_dir"`

	// BackupsDir overrides OutputDir/backups when set.
	BackupsDir string `yaml:"backups_dir"`

	// LogFile is the JSONL log sink target.
	LogFile string `yaml:"log_file"`

	// TraceDir is the badger store for under-the-hood traces.
	TraceDir string `yaml:"trace_dir"`
}

// StructuredOutputConfig controls schema-constrained generation.
type StructuredOutputConfig struct {
	// Enabled turns the structured surface on globally.
	Enabled bool `yaml:"enabled"`

	// EnabledAgents lists agent names allowed to use it. Empty with
	// Enabled=true means all agents.
	EnabledAgents []string `yaml:"enabled_agents"`

	// FallbackToManualParsing lets a failed structured call fall back
	// to the legacy parser instead of erroring.
	FallbackToManualParsing bool `yaml:"fallback_to_manual_parsing"`

	// MaxRetries is how many times schema validation is retried.
	MaxRetries int `yaml:"max_retries"`
}

// EnabledFor reports whether the structured surface is on for an agent.
func (c StructuredOutputConfig) EnabledFor(agent string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.EnabledAgents) == 0 {
		return true
	}
	for _, name := range c.EnabledAgents {
		if name == agent {
			return true
		}
	}
	return false
}

// AgentResourcesConfig bounds concurrent agent work.
type AgentResourcesConfig struct {
	// MaxConcurrentAgents caps simultaneous LLM-bound stages.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`
}

// DebugConfig controls the under-the-hood trace fabric.
type DebugConfig struct {
	// UnderTheHoodEnabled turns tool-call tracing on.
	UnderTheHoodEnabled bool `yaml:"under_the_hood_enabled"`

	// LogLevel is the fabric's minimum level (DEBUG/INFO/WARNING/ERROR).
	LogLevel string `yaml:"log_level"`

	// MaxLogsInMemory caps the memory ring sink.
	MaxLogsInMemory int `yaml:"max_logs_in_memory"`

	// TraceTTLHours evicts persisted call traces older than this.
	TraceTTLHours int `yaml:"trace_ttl_hours"`
}

// MemoryConfig tunes the conversation and experience stores.
type MemoryConfig struct {
	// SummarizeThreshold is the unsummarized-message count that
	// triggers summarization.
	SummarizeThreshold int `yaml:"summarize_threshold"`

	// ConversationTTLHours evicts conversations idle longer than this.
	ConversationTTLHours int `yaml:"conversation_ttl_hours"`

	// MaxConversations caps concurrently retained conversations.
	MaxConversations int `yaml:"max_conversations"`

	// PersistConversations writes one JSON file per conversation.
	PersistConversations bool `yaml:"persist_conversations"`

	// ExperienceSimilarityThreshold is FindExact's minimum similarity.
	ExperienceSimilarityThreshold float64 `yaml:"experience_similarity_threshold"`

	// ExperienceMinSuccess is FindExact's minimum overall score.
	ExperienceMinSuccess float64 `yaml:"experience_min_success"`
}

// ContextConfig tunes the context engine.
type ContextConfig struct {
	// MaxContextTokens is the composition budget.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// MaxChunkTokens is the chunk split threshold.
	MaxChunkTokens int `yaml:"max_chunk_tokens"`

	// WatchProjects invalidates the index cache on file changes.
	WatchProjects bool `yaml:"watch_projects"`
}

// RouterConfig carries the keyword families for mode detection.
// Keyword sets are configuration, not code constants; admins can
// replace them (e.g. add a language) without a rebuild.
type RouterConfig struct {
	// Greetings is the fast-path greeting set.
	Greetings []string `yaml:"greetings"`

	// CodeKeywords signal code generation.
	CodeKeywords []string `yaml:"code_keywords"`

	// ChatKeywords signal conversation.
	ChatKeywords []string `yaml:"chat_keywords"`

	// LearningKeywords force chat mode even next to code verbs.
	LearningKeywords []string `yaml:"learning_keywords"`

	// AnalyzeKeywords signal project analysis.
	AnalyzeKeywords []string `yaml:"analyze_keywords"`

	// QuestionVerbs are "tell/explain"-class verbs that disqualify the
	// fast greeting path.
	QuestionVerbs []string `yaml:"question_verbs"`
}

// StreamConfig tunes outbound event delivery.
type StreamConfig struct {
	// QueueSize bounds each subscriber's pending-event queue.
	QueueSize int `yaml:"queue_size"`

	// PacingMillis is the advisory inter-event delay for informational
	// events, letting thin UI clients render incremental progress.
	PacingMillis int `yaml:"pacing_millis"`

	// CriticalPacingMillis is the shorter delay used for stage
	// boundaries and terminal events.
	CriticalPacingMillis int `yaml:"critical_pacing_millis"`

	// KeepAliveSeconds is the SSE comment-ping interval.
	KeepAliveSeconds int `yaml:"keep_alive_seconds"`
}

// GatewayConfig tunes LLM call behavior.
type GatewayConfig struct {
	// CallTimeoutSeconds bounds a single LLM call.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`

	// MaxRetries bounds availability retries.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseSeconds is the initial backoff.
	RetryBaseSeconds int `yaml:"retry_base_seconds"`

	// RetryMaxSeconds caps the backoff.
	RetryMaxSeconds int `yaml:"retry_max_seconds"`

	// TokensPerMinute rate-limits outbound generation (0 = unlimited).
	TokensPerMinute int `yaml:"tokens_per_minute"`
}

// WebSearchConfig tunes the research stage's web lookups.
type WebSearchConfig struct {
	// Enabled turns web search on. Requests can still disable it
	// per call.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the SearxNG-compatible search URL.
	Endpoint string `yaml:"endpoint"`

	// TimeoutSeconds bounds the whole search call.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxResults caps returned hits.
	MaxResults int `yaml:"max_results"`
}

// ValidatorsConfig configures the validation stage's external checks.
type ValidatorsConfig struct {
	// TestCommand is the external test-runner argv. The command receives
	// the artifact directory as its last argument and reports
	// {"success": bool, "output": string} on stdout. Empty means no test
	// runner is installed; the suite reports it as skipped.
	TestCommand []string `yaml:"test_command"`

	// TimeoutSeconds bounds one external validator run.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxCodeLines rejects oversized artifacts before parsing.
	MaxCodeLines int `yaml:"max_code_lines"`

	// WarnOnly downgrades security findings to warnings instead of
	// failing validation.
	WarnOnly bool `yaml:"warn_only"`
}

// WeaviateConfig locates the vector store.
type WeaviateConfig struct {
	// URL is the full endpoint, e.g. "http://localhost:8080".
	URL string `yaml:"url"`

	// BackupBackend is the weaviate backup module ("filesystem").
	BackupBackend string `yaml:"backup_backend"`
}

// TelemetryConfig wires tracing and metrics exporters.
type TelemetryConfig struct {
	// TraceExporter selects the span pipeline: "otlp", "stdout", or
	// "none". Empty resolves from OTLPEndpoint.
	TraceExporter string `yaml:"trace_exporter"`

	// MetricExporter selects the meter pipeline: "prometheus",
	// "stdout", or "none". Empty resolves from PrometheusEnabled.
	MetricExporter string `yaml:"metric_exporter"`

	// OTLPEndpoint receives trace spans over gRPC.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// SampleRate is the fraction of traces kept, in (0, 1]. Zero
	// means sample everything; turn tracing off with trace_exporter
	// "none" instead.
	SampleRate float64 `yaml:"sample_rate"`

	// PrometheusEnabled serves /metrics.
	PrometheusEnabled bool `yaml:"prometheus_enabled"`

	// InfluxURL, InfluxToken, InfluxOrg, InfluxBucket enable the
	// optional run-metrics recorder when all are set.
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// CloudConfig enables off-machine copies of logs and backups. Uploads
// stay unavailable until all three fields are set; nothing in the
// request path ever touches this section.
type CloudConfig struct {
	// GCSProject and GCSBucket name the upload target.
	GCSProject string `yaml:"gcs_project"`
	GCSBucket  string `yaml:"gcs_bucket"`

	// GCSCredentialsFile points at a service-account key file.
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

// Configured reports whether uploads can be attempted.
func (c CloudConfig) Configured() bool {
	return c.GCSProject != "" && c.GCSBucket != "" && c.GCSCredentialsFile != ""
}

// =============================================================================
// Defaults
// =============================================================================

// ApplyDefaults fills zero-valued fields with working defaults.
//
// The service must come up with an empty or missing skiff.yaml; every
// default here matches the documented behavior of the component that
// consumes it.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8199"
	}
	if c.Server.ShutdownGraceSeconds <= 0 {
		c.Server.ShutdownGraceSeconds = 10
	}

	if c.Models.Backend == "" {
		c.Models.Backend = "ollama"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen2.5-coder:7b"
	}
	if c.Models.Coder == "" {
		c.Models.Coder = c.Models.Default
	}
	if c.Models.Classifier == "" {
		c.Models.Classifier = c.Models.Default
	}
	if c.Models.Embedding == "" {
		c.Models.Embedding = "nomic-embed-text"
	}

	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "output"
	}
	if c.Paths.ConversationsDir == "" {
		c.Paths.ConversationsDir = c.Paths.OutputDir + "/conversations"
	}
	if c.Paths.BackupsDir == "" {
		c.Paths.BackupsDir = c.Paths.OutputDir + "/backups"
	}
	if c.Paths.TraceDir == "" {
		c.Paths.TraceDir = c.Paths.OutputDir + "/trace"
	}

	if c.StructuredOutput.MaxRetries <= 0 {
		c.StructuredOutput.MaxRetries = 2
	}

	if c.AgentResources.MaxConcurrentAgents <= 0 {
		c.AgentResources.MaxConcurrentAgents = 5
	}

	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = "INFO"
	}
	if c.Debug.MaxLogsInMemory <= 0 {
		c.Debug.MaxLogsInMemory = 1000
	}
	if c.Debug.TraceTTLHours <= 0 {
		c.Debug.TraceTTLHours = 72
	}

	if c.Memory.SummarizeThreshold <= 0 {
		c.Memory.SummarizeThreshold = 20
	}
	if c.Memory.ConversationTTLHours <= 0 {
		c.Memory.ConversationTTLHours = 72
	}
	if c.Memory.MaxConversations <= 0 {
		c.Memory.MaxConversations = 100
	}
	if c.Memory.ExperienceSimilarityThreshold <= 0 {
		c.Memory.ExperienceSimilarityThreshold = 0.85
	}
	if c.Memory.ExperienceMinSuccess <= 0 {
		c.Memory.ExperienceMinSuccess = 0.8
	}

	if c.Context.MaxContextTokens <= 0 {
		c.Context.MaxContextTokens = 4000
	}
	if c.Context.MaxChunkTokens <= 0 {
		c.Context.MaxChunkTokens = 500
	}

	c.Router.ApplyDefaults()

	if c.Stream.QueueSize <= 0 {
		c.Stream.QueueSize = 256
	}
	if c.Stream.PacingMillis <= 0 {
		c.Stream.PacingMillis = 50
	}
	if c.Stream.CriticalPacingMillis <= 0 {
		c.Stream.CriticalPacingMillis = 10
	}
	if c.Stream.KeepAliveSeconds <= 0 {
		c.Stream.KeepAliveSeconds = 15
	}

	if c.Gateway.CallTimeoutSeconds <= 0 {
		c.Gateway.CallTimeoutSeconds = 120
	}
	if c.Gateway.MaxRetries <= 0 {
		c.Gateway.MaxRetries = 3
	}
	if c.Gateway.RetryBaseSeconds <= 0 {
		c.Gateway.RetryBaseSeconds = 1
	}
	if c.Gateway.RetryMaxSeconds <= 0 {
		c.Gateway.RetryMaxSeconds = 30
	}

	if c.WebSearch.TimeoutSeconds <= 0 {
		c.WebSearch.TimeoutSeconds = 15
	}
	if c.WebSearch.MaxResults <= 0 {
		c.WebSearch.MaxResults = 5
	}

	if c.Validators.TimeoutSeconds <= 0 {
		c.Validators.TimeoutSeconds = 60
	}
	if c.Validators.MaxCodeLines <= 0 {
		c.Validators.MaxCodeLines = 2000
	}

	if c.Weaviate.BackupBackend == "" {
		c.Weaviate.BackupBackend = "filesystem"
	}

	if c.Telemetry.TraceExporter == "" {
		if c.Telemetry.OTLPEndpoint != "" {
			c.Telemetry.TraceExporter = "otlp"
		} else {
			c.Telemetry.TraceExporter = "none"
		}
	}
	if c.Telemetry.MetricExporter == "" {
		if c.Telemetry.PrometheusEnabled {
			c.Telemetry.MetricExporter = "prometheus"
		} else {
			c.Telemetry.MetricExporter = "none"
		}
	}
	if c.Telemetry.SampleRate <= 0 || c.Telemetry.SampleRate > 1 {
		c.Telemetry.SampleRate = 1.0
	}
}

// ApplyDefaults fills empty keyword families with the built-in
// bilingual (English/Russian) sets.
func (r *RouterConfig) ApplyDefaults() {
	if len(r.Greetings) == 0 {
		r.Greetings = []string{
			"hi", "hello", "hey", "yo", "привет", "здравствуй", "здравствуйте",
			"good morning", "good afternoon", "good evening", "добрый день",
			"доброе утро", "добрый вечер",
		}
	}
	if len(r.CodeKeywords) == 0 {
		r.CodeKeywords = []string{
			"write", "create", "implement", "build", "generate", "function",
			"class", "fix", "debug", "refactor", "optimize", "test",
			"напиши", "создай", "реализуй", "сделай", "исправь", "функцию",
			"класс", "оптимизируй", "отрефактори", "тест",
		}
	}
	if len(r.ChatKeywords) == 0 {
		r.ChatKeywords = []string{
			"what is", "what's", "who is", "why", "when", "weather", "news",
			"current", "today", "что такое", "кто такой", "почему", "когда",
			"погода", "новости", "сегодня",
		}
	}
	if len(r.LearningKeywords) == 0 {
		r.LearningKeywords = []string{
			"how does", "how do", "difference between", "learn", "understand",
			"как работает", "в чем разница", "чем отличается", "объясни",
			"научи", "понять",
		}
	}
	if len(r.AnalyzeKeywords) == 0 {
		r.AnalyzeKeywords = []string{
			"analyze", "codebase", "architecture", "review the project",
			"structure of", "проанализируй", "кодовую базу", "архитектуру",
			"структуру проекта",
		}
	}
	if len(r.QuestionVerbs) == 0 {
		r.QuestionVerbs = []string{
			"tell", "explain", "describe", "show", "расскажи", "объясни",
			"опиши", "покажи",
		}
	}
}

// =============================================================================
// Provider (live re-read)
// =============================================================================

// Provider serves configuration snapshots with live reload.
//
// Snapshot stats the config file on every call and re-parses it when
// the modification time changed. A stat per request is cheap; a full
// parse happens only after an actual edit. Components that must honor
// live toggles call Snapshot per request.
//
// # Thread Safety
//
// Provider is safe for concurrent use. Snapshots are immutable; never
// mutate the returned Config.
type Provider struct {
	path string

	mu      sync.RWMutex
	current *Config
	modTime time.Time
}

// NewProvider loads the initial configuration.
//
// A missing file is not an error: the Provider serves defaults and
// starts honoring the file if it appears later.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	cfg, modTime, err := p.load()
	if err != nil {
		return nil, err
	}
	p.current = cfg
	p.modTime = modTime
	return p, nil
}

// Static wraps a fixed Config in a Provider that never reloads.
// Intended for tests.
func Static(cfg *Config) *Provider {
	cfg.ApplyDefaults()
	return &Provider{current: cfg}
}

// Snapshot returns the current configuration, reloading if the file
// changed. Reload failures keep the previous snapshot so a half-saved
// edit cannot take the service down.
func (p *Provider) Snapshot() *Config {
	if p.path == "" {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.current
	}

	info, err := os.Stat(p.path)
	if err != nil {
		// File missing or unreadable: serve what we have.
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.current
	}

	p.mu.RLock()
	unchanged := info.ModTime().Equal(p.modTime)
	current := p.current
	p.mu.RUnlock()
	if unchanged {
		return current
	}

	cfg, modTime, err := p.load()
	if err != nil {
		return current
	}

	p.mu.Lock()
	p.current = cfg
	p.modTime = modTime
	p.mu.Unlock()
	return cfg
}

// Path returns the config file path ("" for static providers).
func (p *Provider) Path() string {
	return p.path
}

// load parses the file (or returns defaults when it is missing).
func (p *Provider) load() (*Config, time.Time, error) {
	cfg := &Config{}

	if p.path == "" {
		cfg.ApplyDefaults()
		return cfg, time.Time{}, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("config: read %s: %w", p.path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, time.Time{}, fmt.Errorf("config: parse %s: %w", p.path, err)
	}
	cfg.ApplyDefaults()

	info, err := os.Stat(p.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("config: stat %s: %w", p.path, err)
	}
	return cfg, info.ModTime(), nil
}

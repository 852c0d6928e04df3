// Package config defines the configuration surface of the Loom runtime.
// Every struct carries yaml tags and implements SetDefaults and Validate;
// loading applies defaults first, then validation.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// TOP-LEVEL CONFIGURATION
// ============================================================================

// Config is the root configuration record loaded from loom.yaml.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMProviderConfig   `yaml:"llm"`
	Memory        MemoryBackendConfig `yaml:"memory"`
	Events        EventBackendConfig  `yaml:"events"`
	MCPServers    []MCPServerConfig   `yaml:"mcp_servers,omitempty"`
	Tasks         []TaskConfig        `yaml:"tasks,omitempty"`
	Logger        LoggerConfig        `yaml:"logger"`
	Observability ObservabilityConfig `yaml:"observability"`
}

func (c *Config) SetDefaults() {
	c.Agent.SetDefaults()
	c.LLM.SetDefaults()
	c.Memory.SetDefaults()
	c.Events.SetDefaults()
	for i := range c.MCPServers {
		c.MCPServers[i].SetDefaults()
	}
	for i := range c.Tasks {
		c.Tasks[i].SetDefaults()
	}
	c.Logger.SetDefaults()
	c.Observability.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	for i := range c.MCPServers {
		if err := c.MCPServers[i].Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
	}
	for i := range c.Tasks {
		if err := c.Tasks[i].Validate(); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	return nil
}

// ============================================================================
// AGENT CONFIGURATION
// ============================================================================

// AgentConfig holds the per-agent execution knobs.
type AgentConfig struct {
	Name              string `yaml:"name"`
	Description       string `yaml:"description,omitempty"`
	SystemInstruction string `yaml:"system_instruction,omitempty"`

	MaxSteps          int  `yaml:"max_steps"`
	ToolCallTimeoutS  int  `yaml:"tool_call_timeout_s"`
	MaxExecutionTimeS int  `yaml:"max_execution_time_s"`
	RequestLimit      int  `yaml:"request_limit"`
	TotalTokensLimit  int  `yaml:"total_tokens_limit"`
	FailFast          bool `yaml:"fail_fast"`

	MemoryConfig      MemoryConfig            `yaml:"memory_config"`
	ContextManagement ContextManagementConfig `yaml:"context_management"`
	ToolOffload       ToolOffloadConfig       `yaml:"tool_offload"`
	Guardrail         GuardrailConfig         `yaml:"guardrail_config"`

	EnableAdvancedToolUse bool `yaml:"enable_advanced_tool_use"`
	ToolSelectionTopK     int  `yaml:"tool_selection_top_k"`

	EnableAgentSkills bool   `yaml:"enable_agent_skills"`
	SkillsDir         string `yaml:"skills_dir,omitempty"`

	MemoryToolBackend string `yaml:"memory_tool_backend"`
	MemoryToolDir     string `yaml:"memory_tool_dir,omitempty"`

	SubAgentDepthLimit int `yaml:"sub_agent_depth_limit"`
}

func (c *AgentConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "loom"
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = 15
	}
	if c.ToolCallTimeoutS == 0 {
		c.ToolCallTimeoutS = 30
	}
	if c.ToolSelectionTopK == 0 {
		c.ToolSelectionTopK = 5
	}
	if c.MemoryToolBackend == "" {
		c.MemoryToolBackend = "none"
	}
	if c.SubAgentDepthLimit == 0 {
		c.SubAgentDepthLimit = 3
	}
	c.MemoryConfig.SetDefaults()
	c.ContextManagement.SetDefaults()
	c.ToolOffload.SetDefaults()
	c.Guardrail.SetDefaults()
}

func (c *AgentConfig) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.ToolCallTimeoutS < 0 {
		return fmt.Errorf("tool_call_timeout_s cannot be negative")
	}
	if c.MaxExecutionTimeS < 0 {
		return fmt.Errorf("max_execution_time_s cannot be negative")
	}
	if c.RequestLimit < 0 {
		return fmt.Errorf("request_limit cannot be negative")
	}
	if c.TotalTokensLimit < 0 {
		return fmt.Errorf("total_tokens_limit cannot be negative")
	}
	switch c.MemoryToolBackend {
	case "none", "local":
	default:
		return fmt.Errorf("memory_tool_backend must be 'none' or 'local', got '%s'", c.MemoryToolBackend)
	}
	if c.MemoryToolBackend == "local" && c.MemoryToolDir == "" {
		return fmt.Errorf("memory_tool_dir is required when memory_tool_backend is 'local'")
	}
	if c.EnableAgentSkills && c.SkillsDir == "" {
		return fmt.Errorf("skills_dir is required when enable_agent_skills is set")
	}
	if err := c.MemoryConfig.Validate(); err != nil {
		return fmt.Errorf("memory_config: %w", err)
	}
	if err := c.ContextManagement.Validate(); err != nil {
		return fmt.Errorf("context_management: %w", err)
	}
	if err := c.ToolOffload.Validate(); err != nil {
		return fmt.Errorf("tool_offload: %w", err)
	}
	if err := c.Guardrail.Validate(); err != nil {
		return fmt.Errorf("guardrail_config: %w", err)
	}
	return nil
}

// ============================================================================
// MEMORY MANAGEMENT
// ============================================================================

const (
	ModeSlidingWindow = "sliding_window"
	ModeTokenBudget   = "token_budget"

	RetentionKeep   = "keep"
	RetentionDelete = "delete"

	StrategyTruncate             = "truncate"
	StrategySummarizeAndTruncate = "summarize_and_truncate"
)

// MemoryConfig drives the post-persist memory summarizer.
type MemoryConfig struct {
	Mode    string              `yaml:"mode"`
	Value   int                 `yaml:"value"`
	Summary MemorySummaryConfig `yaml:"summary"`
}

// MemorySummaryConfig controls rolling summaries of stored history.
type MemorySummaryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RetentionPolicy string `yaml:"retention_policy"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeSlidingWindow
	}
	if c.Value == 0 {
		c.Value = 100
	}
	if c.Summary.RetentionPolicy == "" {
		c.Summary.RetentionPolicy = RetentionKeep
	}
}

func (c *MemoryConfig) Validate() error {
	switch c.Mode {
	case ModeSlidingWindow, ModeTokenBudget:
	default:
		return fmt.Errorf("mode must be '%s' or '%s', got '%s'", ModeSlidingWindow, ModeTokenBudget, c.Mode)
	}
	if c.Value < 1 {
		return fmt.Errorf("value must be positive, got %d", c.Value)
	}
	switch c.Summary.RetentionPolicy {
	case RetentionKeep, RetentionDelete:
	default:
		return fmt.Errorf("retention_policy must be '%s' or '%s', got '%s'",
			RetentionKeep, RetentionDelete, c.Summary.RetentionPolicy)
	}
	return nil
}

// ContextManagementConfig drives pre-LLM prompt shaping.
type ContextManagementConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"`
	Value            int    `yaml:"value"`
	ThresholdPercent int    `yaml:"threshold_percent"`
	Strategy         string `yaml:"strategy"`
	PreserveRecent   int    `yaml:"preserve_recent"`
}

func (c *ContextManagementConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeTokenBudget
	}
	if c.Value == 0 {
		c.Value = 100000
	}
	if c.ThresholdPercent == 0 {
		c.ThresholdPercent = 75
	}
	if c.Strategy == "" {
		c.Strategy = StrategyTruncate
	}
	if c.PreserveRecent == 0 {
		c.PreserveRecent = 4
	}
}

func (c *ContextManagementConfig) Validate() error {
	switch c.Mode {
	case ModeSlidingWindow, ModeTokenBudget:
	default:
		return fmt.Errorf("mode must be '%s' or '%s', got '%s'", ModeSlidingWindow, ModeTokenBudget, c.Mode)
	}
	if c.Value < 1 {
		return fmt.Errorf("value must be positive, got %d", c.Value)
	}
	if c.ThresholdPercent < 1 || c.ThresholdPercent > 100 {
		return fmt.Errorf("threshold_percent must be in 1..100, got %d", c.ThresholdPercent)
	}
	switch c.Strategy {
	case StrategyTruncate, StrategySummarizeAndTruncate:
	default:
		return fmt.Errorf("strategy must be '%s' or '%s', got '%s'",
			StrategyTruncate, StrategySummarizeAndTruncate, c.Strategy)
	}
	if c.PreserveRecent < 4 {
		return fmt.Errorf("preserve_recent must be at least 4, got %d", c.PreserveRecent)
	}
	return nil
}

// ToolOffloadConfig controls diversion of large tool outputs to artifacts.
type ToolOffloadConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ThresholdTokens  int    `yaml:"threshold_tokens"`
	MaxPreviewTokens int    `yaml:"max_preview_tokens"`
	StorageDir       string `yaml:"storage_dir,omitempty"`
}

func (c *ToolOffloadConfig) SetDefaults() {
	if c.ThresholdTokens == 0 {
		c.ThresholdTokens = 500
	}
	if c.MaxPreviewTokens == 0 {
		c.MaxPreviewTokens = 150
	}
}

func (c *ToolOffloadConfig) Validate() error {
	if c.ThresholdTokens < 1 {
		return fmt.Errorf("threshold_tokens must be positive, got %d", c.ThresholdTokens)
	}
	if c.MaxPreviewTokens < 1 {
		return fmt.Errorf("max_preview_tokens must be positive, got %d", c.MaxPreviewTokens)
	}
	return nil
}

// ============================================================================
// GUARDRAIL CONFIGURATION
// ============================================================================

// GuardrailConfig configures the pre-LLM input screener.
type GuardrailConfig struct {
	Enabled        bool    `yaml:"enabled"`
	StrictMode     bool    `yaml:"strict_mode"`
	Sensitivity    float64 `yaml:"sensitivity"`
	MaxInputLength int     `yaml:"max_input_length"`

	EnablePatternDetection    *bool `yaml:"enable_pattern_detection,omitempty"`
	EnableHeuristicDetection  *bool `yaml:"enable_heuristic_detection,omitempty"`
	EnableEncodingDetection   *bool `yaml:"enable_encoding_detection,omitempty"`
	EnableEntropyDetection    *bool `yaml:"enable_entropy_detection,omitempty"`
	EnableSequentialDetection *bool `yaml:"enable_sequential_detection,omitempty"`

	AllowlistPatterns []string `yaml:"allowlist_patterns,omitempty"`
	BlocklistPatterns []string `yaml:"blocklist_patterns,omitempty"`
}

func (c *GuardrailConfig) SetDefaults() {
	if c.Sensitivity == 0 {
		c.Sensitivity = 1.0
	}
	if c.MaxInputLength == 0 {
		c.MaxInputLength = 10000
	}
	enabled := true
	if c.EnablePatternDetection == nil {
		c.EnablePatternDetection = &enabled
	}
	if c.EnableHeuristicDetection == nil {
		c.EnableHeuristicDetection = &enabled
	}
	if c.EnableEncodingDetection == nil {
		c.EnableEncodingDetection = &enabled
	}
	if c.EnableEntropyDetection == nil {
		c.EnableEntropyDetection = &enabled
	}
	if c.EnableSequentialDetection == nil {
		c.EnableSequentialDetection = &enabled
	}
}

func (c *GuardrailConfig) Validate() error {
	if c.Sensitivity < 0 {
		return fmt.Errorf("sensitivity cannot be negative, got %f", c.Sensitivity)
	}
	if c.MaxInputLength < 1 {
		return fmt.Errorf("max_input_length must be positive, got %d", c.MaxInputLength)
	}
	for _, p := range c.AllowlistPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid allowlist pattern '%s': %w", p, err)
		}
	}
	for _, p := range c.BlocklistPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid blocklist pattern '%s': %w", p, err)
		}
	}
	return nil
}

// ============================================================================
// LLM PROVIDER CONFIGURATION
// ============================================================================

// LLMProviderConfig selects and configures the LLM provider.
type LLMProviderConfig struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Host        string  `yaml:"host,omitempty"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutS    int     `yaml:"timeout_s"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "mock-echo":
			c.Model = "mock-echo"
		default:
			c.Model = "gpt-4o"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutS == 0 {
		c.TimeoutS = 120
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "mock-echo":
	default:
		return fmt.Errorf("unsupported provider type '%s' (supported: openai, anthropic, mock-echo)", c.Type)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in 0..2, got %f", c.Temperature)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

// ============================================================================
// STORE BACKEND CONFIGURATION
// ============================================================================

// MemoryBackendConfig selects the message store backend.
type MemoryBackendConfig struct {
	Kind  string      `yaml:"kind"`
	Redis RedisConfig `yaml:"redis,omitempty"`
	Mongo MongoConfig `yaml:"mongo,omitempty"`
	SQL   SQLConfig   `yaml:"sql,omitempty"`
}

func (c *MemoryBackendConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "in_memory"
	}
	c.Redis.SetDefaults()
	c.Mongo.SetDefaults()
	c.SQL.SetDefaults()
}

func (c *MemoryBackendConfig) Validate() error {
	switch c.Kind {
	case "in_memory", "redis", "mongodb", "sql":
	default:
		return fmt.Errorf("unsupported memory backend '%s' (supported: in_memory, redis, mongodb, sql)", c.Kind)
	}
	if c.Kind == "sql" {
		if err := c.SQL.Validate(); err != nil {
			return fmt.Errorf("sql: %w", err)
		}
	}
	return nil
}

// EventBackendConfig selects the event stream backend.
type EventBackendConfig struct {
	Kind       string      `yaml:"kind"`
	BufferSize int         `yaml:"buffer_size"`
	Redis      RedisConfig `yaml:"redis,omitempty"`
}

func (c *EventBackendConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "in_memory"
	}
	if c.BufferSize == 0 {
		c.BufferSize = 1024
	}
	c.Redis.SetDefaults()
}

func (c *EventBackendConfig) Validate() error {
	switch c.Kind {
	case "in_memory", "redis_stream":
	default:
		return fmt.Errorf("unsupported event backend '%s' (supported: in_memory, redis_stream)", c.Kind)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	return nil
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
}

// MongoConfig configures a MongoDB connection.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

func (c *MongoConfig) SetDefaults() {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.Database == "" {
		c.Database = "loom"
	}
	if c.Collection == "" {
		c.Collection = "messages"
	}
}

// SQLConfig configures a database/sql connection.
type SQLConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

func (c *SQLConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.DSN == "" {
		c.DSN = "loom.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

func (c *SQLConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported driver '%s' (supported: sqlite, mysql, postgres)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

// ============================================================================
// MCP SERVER CONFIGURATION
// ============================================================================

// MCPServerConfig configures one remote tool provider.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Auth      MCPAuthConfig     `yaml:"auth,omitempty"`

	MaxRetries  int `yaml:"max_retries"`
	SSETimeoutS int `yaml:"sse_timeout_s"`
}

// MCPAuthConfig configures connector authentication.
type MCPAuthConfig struct {
	Type  string         `yaml:"type"`
	Token string         `yaml:"token,omitempty"`
	OAuth MCPOAuthConfig `yaml:"oauth,omitempty"`
}

// MCPOAuthConfig configures the authorization-code flow with a local
// loopback redirect.
type MCPOAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = "stdio"
		} else {
			c.Transport = "streamable_http"
		}
	}
	if c.Auth.Type == "" {
		c.Auth.Type = "none"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.SSETimeoutS == 0 {
		c.SSETimeoutS = 300
	}
}

func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case "streamable_http", "sse":
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport", c.Transport)
		}
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("url must start with http:// or https://")
		}
	default:
		return fmt.Errorf("unsupported transport '%s' (supported: stdio, streamable_http, sse)", c.Transport)
	}
	switch c.Auth.Type {
	case "none":
	case "bearer":
		if c.Auth.Token == "" {
			return fmt.Errorf("auth token is required for bearer auth")
		}
	case "oauth":
		if c.Auth.OAuth.ClientID == "" || c.Auth.OAuth.AuthURL == "" || c.Auth.OAuth.TokenURL == "" {
			return fmt.Errorf("oauth auth requires client_id, auth_url and token_url")
		}
	default:
		return fmt.Errorf("unsupported auth type '%s' (supported: none, bearer, oauth)", c.Auth.Type)
	}
	return nil
}

// ============================================================================
// BACKGROUND TASK CONFIGURATION
// ============================================================================

// TaskConfig describes a background task bound to an agent.
// Exactly one of IntervalS or Cron must be set.
type TaskConfig struct {
	AgentID     string `yaml:"agent_id"`
	Query       string `yaml:"query"`
	IntervalS   int    `yaml:"interval_s,omitempty"`
	Cron        string `yaml:"cron,omitempty"`
	TimeoutS    int    `yaml:"timeout_s"`
	MaxRetries  int    `yaml:"max_retries"`
	RetryDelayS int    `yaml:"retry_delay_s"`
	QueueSize   int    `yaml:"queue_size"`
	SessionID   string `yaml:"session_id,omitempty"`
}

func (c *TaskConfig) SetDefaults() {
	if c.TimeoutS == 0 {
		c.TimeoutS = 60
	}
	if c.QueueSize == 0 {
		c.QueueSize = 10
	}
}

func (c *TaskConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if c.Query == "" {
		return fmt.Errorf("query is required")
	}
	if (c.IntervalS == 0) == (c.Cron == "") {
		return fmt.Errorf("exactly one of interval_s or cron must be set")
	}
	if c.IntervalS < 0 {
		return fmt.Errorf("interval_s cannot be negative")
	}
	if c.TimeoutS < 1 {
		return fmt.Errorf("timeout_s must be positive, got %d", c.TimeoutS)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.RetryDelayS < 0 {
		return fmt.Errorf("retry_delay_s cannot be negative")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	return nil
}

// ============================================================================
// LOGGER AND OBSERVABILITY CONFIGURATION
// ============================================================================

// LoggerConfig configures process logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
	TracingEnabled bool `yaml:"tracing_enabled"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
}

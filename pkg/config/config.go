package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/choraleia/concierge/pkg/models"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.concierge/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8089
// database:
//   driver: sqlite
//   dsn: /var/lib/concierge/concierge.db
// assistant:
//   lookback_messages: 10
//   retrieval_token_budget: 1500
//   model_timeout: 45s
//   actions_enabled: true
// compaction:
//   max_unsummarized_messages: 40
//   mode: llm
// model:
//   provider: openai
//   model: gpt-4o-mini
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Secrets may be supplied through CONCIERGE_* environment variables or a .env file.
type AppConfig struct {
	Server      ServerConfig            `yaml:"server"`
	Log         LogConfig               `yaml:"log"`
	Database    DatabaseConfig          `yaml:"database"`
	Redis       RedisConfig             `yaml:"redis"`
	Assistant   AssistantConfig         `yaml:"assistant"`
	Compaction  CompactionConfig        `yaml:"compaction"`
	VectorStore VectorStoreConfig       `yaml:"vector_store"`
	Schedule    ScheduleConfig          `yaml:"schedule"`
	Model       models.ModelConfig      `yaml:"model"`
	Embedding   models.ModelConfig      `yaml:"embedding"`
	Sources     []KnowledgeSourceConfig `yaml:"knowledge_sources"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type DatabaseConfig struct {
	Driver *string `yaml:"driver"` // sqlite or mysql
	DSN    *string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the cross-replica bridge
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type AssistantConfig struct {
	SenderID             *string        `yaml:"sender_id"`
	LookbackMessages     *int           `yaml:"lookback_messages"`
	RetrievalTokenBudget *int           `yaml:"retrieval_token_budget"`
	HistoryTokenBudget   *int           `yaml:"history_token_budget"`
	RecentTurns          *int           `yaml:"recent_turns"`
	ModelTimeout         *time.Duration `yaml:"model_timeout"`
	ActionsEnabled       *bool          `yaml:"actions_enabled"`
	SystemPrompt         *string        `yaml:"system_prompt"`
}

type CompactionConfig struct {
	MaxUnsummarizedMessages *int    `yaml:"max_unsummarized_messages"`
	MaxUnsummarizedTokens   *int    `yaml:"max_unsummarized_tokens"`
	KeepRecent              *int    `yaml:"keep_recent"`
	MaxSummaryChars         *int    `yaml:"max_summary_chars"`
	Mode                    *string `yaml:"mode"` // llm or concat
}

type VectorStoreConfig struct {
	Enabled *bool   `yaml:"enabled"`
	Path    *string `yaml:"path"` // empty string keeps vectors in memory
}

type ScheduleConfig struct {
	CompactionSweep *string `yaml:"compaction_sweep"` // 5-field cron, empty disables
	Reindex         *string `yaml:"reindex"`
}

// KnowledgeSourceConfig points the indexer at an external business database.
// Query must select id, content and updated_at, and may select customer_id.
type KnowledgeSourceConfig struct {
	Name       string `yaml:"name"`
	Driver     string `yaml:"driver"` // mysql or postgres
	DSN        string `yaml:"dsn"`
	TenantID   string `yaml:"tenant_id"`
	SourceType string `yaml:"source_type"` // faq, quote, form, pricing_tier
	Query      string `yaml:"query"`
}

const (
	DefaultHost                    = "127.0.0.1"
	DefaultPort                    = 8089
	DefaultDatabaseDriver          = "sqlite"
	DefaultSenderID                = "assistant"
	DefaultLookbackMessages        = 10
	DefaultRetrievalTokenBudget    = 1500
	DefaultHistoryTokenBudget      = 3000
	DefaultRecentTurns             = 20
	DefaultModelTimeout            = 45 * time.Second
	DefaultMaxUnsummarizedMessages = 40
	DefaultMaxUnsummarizedTokens   = 4000
	DefaultKeepRecent              = 10
	DefaultMaxSummaryChars         = 4000
	DefaultCompactionMode          = "llm"
	DefaultCompactionSweep         = "*/15 * * * *"
	DefaultReindexSchedule         = "0 3 * * *"
	DefaultRedisChannel            = "concierge.events"

	DefaultSystemPrompt = `You are the customer assistant for this business. Answer using the business context provided.
If the customer wants a quote or a folder and you have every required detail, call the matching tool.
If details are missing, ask for them in plain language. Never invent prices that are not in the context.`
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".concierge")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.concierge/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadFrom(configFile)
	if err != nil {
		return nil, "", err
	}
	return cfg, configFile, nil
}

// LoadFrom reads the config at path. A missing file yields defaults.
func LoadFrom(configFile string) (*AppConfig, error) {
	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w in %s", err, configFile)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Existing variables win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("CONCIERGE_MODEL_API_KEY"); v != "" {
		c.Model.ApiKey = v
	}
	if v := os.Getenv("CONCIERGE_EMBEDDING_API_KEY"); v != "" {
		c.Embedding.ApiKey = v
	}
	if v := os.Getenv("CONCIERGE_DB_DSN"); v != "" {
		c.Database.DSN = ptr(v)
	}
	if v := os.Getenv("CONCIERGE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// Validate checks values that have no sensible fallback.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Host()) == "" {
		return errors.New("invalid server.host (empty)")
	}
	if port := c.Port(); port < 1 || port > 65535 {
		return fmt.Errorf("invalid server.port %d", port)
	}
	switch c.DatabaseDriver() {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid database.driver %q", c.DatabaseDriver())
	}
	switch c.CompactionMode() {
	case "llm", "concat":
	default:
		return fmt.Errorf("invalid compaction.mode %q", c.CompactionMode())
	}
	if c.LookbackMessages() < 1 {
		return fmt.Errorf("invalid assistant.lookback_messages %d", c.LookbackMessages())
	}
	if c.ModelTimeout() <= 0 {
		return fmt.Errorf("invalid assistant.model_timeout %s", c.ModelTimeout())
	}
	for i, s := range c.Sources {
		if s.Driver != "mysql" && s.Driver != "postgres" {
			return fmt.Errorf("invalid knowledge_sources[%d].driver %q", i, s.Driver)
		}
		if s.TenantID == "" || s.SourceType == "" || s.Query == "" {
			return fmt.Errorf("knowledge_sources[%d] requires tenant_id, source_type and query", i)
		}
	}
	return nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Database: DatabaseConfig{Driver: ptr(DefaultDatabaseDriver)},
		Assistant: AssistantConfig{
			LookbackMessages:     ptr(DefaultLookbackMessages),
			RetrievalTokenBudget: ptr(DefaultRetrievalTokenBudget),
			ModelTimeout:         ptr(DefaultModelTimeout),
			ActionsEnabled:       ptr(true),
		},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) DatabaseDriver() string {
	if c == nil || c.Database.Driver == nil || *c.Database.Driver == "" {
		return DefaultDatabaseDriver
	}
	return strings.ToLower(*c.Database.Driver)
}

// DatabaseDSN defaults to a sqlite file next to the config file.
func (c *AppConfig) DatabaseDSN() string {
	if c != nil && c.Database.DSN != nil && *c.Database.DSN != "" {
		return *c.Database.DSN
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return "concierge.db"
	}
	return filepath.Join(configDir, "concierge.db")
}

func (c *AppConfig) SenderID() string {
	if c == nil || c.Assistant.SenderID == nil || *c.Assistant.SenderID == "" {
		return DefaultSenderID
	}
	return *c.Assistant.SenderID
}

func (c *AppConfig) LookbackMessages() int {
	if c == nil || c.Assistant.LookbackMessages == nil {
		return DefaultLookbackMessages
	}
	return *c.Assistant.LookbackMessages
}

func (c *AppConfig) RetrievalTokenBudget() int {
	if c == nil || c.Assistant.RetrievalTokenBudget == nil || *c.Assistant.RetrievalTokenBudget <= 0 {
		return DefaultRetrievalTokenBudget
	}
	return *c.Assistant.RetrievalTokenBudget
}

func (c *AppConfig) HistoryTokenBudget() int {
	if c == nil || c.Assistant.HistoryTokenBudget == nil || *c.Assistant.HistoryTokenBudget <= 0 {
		return DefaultHistoryTokenBudget
	}
	return *c.Assistant.HistoryTokenBudget
}

func (c *AppConfig) RecentTurns() int {
	if c == nil || c.Assistant.RecentTurns == nil || *c.Assistant.RecentTurns <= 0 {
		return DefaultRecentTurns
	}
	return *c.Assistant.RecentTurns
}

func (c *AppConfig) ModelTimeout() time.Duration {
	if c == nil || c.Assistant.ModelTimeout == nil {
		return DefaultModelTimeout
	}
	return *c.Assistant.ModelTimeout
}

func (c *AppConfig) ActionsEnabled() bool {
	if c == nil || c.Assistant.ActionsEnabled == nil {
		return true
	}
	return *c.Assistant.ActionsEnabled
}

func (c *AppConfig) SystemPrompt() string {
	if c == nil || c.Assistant.SystemPrompt == nil || strings.TrimSpace(*c.Assistant.SystemPrompt) == "" {
		return DefaultSystemPrompt
	}
	return *c.Assistant.SystemPrompt
}

func (c *AppConfig) MaxUnsummarizedMessages() int {
	if c == nil || c.Compaction.MaxUnsummarizedMessages == nil || *c.Compaction.MaxUnsummarizedMessages <= 0 {
		return DefaultMaxUnsummarizedMessages
	}
	return *c.Compaction.MaxUnsummarizedMessages
}

func (c *AppConfig) MaxUnsummarizedTokens() int {
	if c == nil || c.Compaction.MaxUnsummarizedTokens == nil || *c.Compaction.MaxUnsummarizedTokens <= 0 {
		return DefaultMaxUnsummarizedTokens
	}
	return *c.Compaction.MaxUnsummarizedTokens
}

func (c *AppConfig) KeepRecent() int {
	if c == nil || c.Compaction.KeepRecent == nil || *c.Compaction.KeepRecent < 0 {
		return DefaultKeepRecent
	}
	return *c.Compaction.KeepRecent
}

func (c *AppConfig) MaxSummaryChars() int {
	if c == nil || c.Compaction.MaxSummaryChars == nil || *c.Compaction.MaxSummaryChars <= 0 {
		return DefaultMaxSummaryChars
	}
	return *c.Compaction.MaxSummaryChars
}

func (c *AppConfig) CompactionMode() string {
	if c == nil || c.Compaction.Mode == nil || *c.Compaction.Mode == "" {
		return DefaultCompactionMode
	}
	return strings.ToLower(*c.Compaction.Mode)
}

func (c *AppConfig) VectorStoreEnabled() bool {
	if c == nil || c.VectorStore.Enabled == nil {
		return true
	}
	return *c.VectorStore.Enabled
}

// VectorStorePath returns "" for an in-memory store.
func (c *AppConfig) VectorStorePath() string {
	if c != nil && c.VectorStore.Path != nil {
		return *c.VectorStore.Path
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, "vectors")
}

func (c *AppConfig) CompactionSweepSchedule() string {
	if c == nil || c.Schedule.CompactionSweep == nil {
		return DefaultCompactionSweep
	}
	return *c.Schedule.CompactionSweep
}

func (c *AppConfig) ReindexSchedule() string {
	if c == nil || c.Schedule.Reindex == nil {
		return DefaultReindexSchedule
	}
	return *c.Schedule.Reindex
}

func (c *AppConfig) RedisChannel() string {
	if c == nil || c.Redis.Channel == "" {
		return DefaultRedisChannel
	}
	return c.Redis.Channel
}

func ptr[T any](v T) *T { return &v }

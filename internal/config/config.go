package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "RELAYCHAT_CONFIG"
	EnvDatabase   = "RELAYCHAT_DB"
	EnvAddress    = "RELAYCHAT_ADDR"
	EnvSecretKey  = "RELAYCHAT_SECRET_KEY"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Blob        BlobConfig                `json:"blob" yaml:"blob"`
	Upload      UploadConfig              `json:"upload" yaml:"upload"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
	Models      []ModelConfig             `json:"models" yaml:"models" validate:"dive"`
	TitleModel  string                    `json:"title_model" yaml:"title_model"`
	SecretKey   string                    `json:"-" yaml:"-"`
}

type BasicConfig struct {
	ServerAddress            string `json:"server_address" yaml:"server_address"`
	FileBaseDir              string `json:"file_base_dir" yaml:"file_base_dir"`
	LogLevel                 string `json:"log_level" yaml:"log_level"`
	LogFormat                string `json:"log_format" yaml:"log_format" validate:"omitempty,oneof=json console"`
	HistoryWindow            int    `json:"history_window" yaml:"history_window" validate:"gte=0"`
	TurnTimeoutSeconds       int    `json:"turn_timeout_seconds" yaml:"turn_timeout_seconds" validate:"gte=0"`
	TurnsPerMinute           int    `json:"turns_per_minute" yaml:"turns_per_minute" validate:"gte=0"`
	MinWorkers               int    `json:"min_workers" yaml:"min_workers" validate:"gte=0"`
	MaxWorkers               int    `json:"max_workers" yaml:"max_workers" validate:"gte=0"`
	QueueSize                int    `json:"queue_size" yaml:"queue_size" validate:"gte=0"`
	WorkerIdleTimeout        int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout" validate:"gte=0"`
	UnboundAttachmentTTL     int    `json:"unbound_attachment_ttl" yaml:"unbound_attachment_ttl" validate:"gte=0"`
	AttachmentSweepInterval  int    `json:"attachment_sweep_interval" yaml:"attachment_sweep_interval" validate:"gte=0"`
	CatalogCacheTTLSeconds   int    `json:"catalog_cache_ttl_seconds" yaml:"catalog_cache_ttl_seconds" validate:"gte=0"`
	HistoryCacheTTLSeconds   int    `json:"history_cache_ttl_seconds" yaml:"history_cache_ttl_seconds" validate:"gte=0"`
	TitleGenerationTimeoutMs int    `json:"title_generation_timeout_ms" yaml:"title_generation_timeout_ms" validate:"gte=0"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type BlobConfig struct {
	Driver    string `json:"driver" yaml:"driver" validate:"omitempty,oneof=disk minio"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" validate:"required_if=Driver minio"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket" validate:"required_if=Driver minio"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

type UploadConfig struct {
	MaxFiles        int      `json:"max_files" yaml:"max_files" validate:"gte=0"`
	MaxBytes        int64    `json:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
	AllowedMIME     []string `json:"allowed_mime" yaml:"allowed_mime"`
	MaxDimension    int      `json:"max_dimension" yaml:"max_dimension" validate:"gte=0"`
	MaxEncodedBytes int      `json:"max_encoded_bytes" yaml:"max_encoded_bytes" validate:"gte=0"`
	MaxSourcePixels int      `json:"max_source_pixels" yaml:"max_source_pixels" validate:"gte=0"`
}

type ProviderConfig struct {
	Kind      string `json:"kind" yaml:"kind" validate:"required,oneof=openai claude gemini openai_compat"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Enabled   *bool  `json:"enabled" yaml:"enabled"`
	WebSearch bool   `json:"web_search" yaml:"web_search"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
}

// IsEnabled treats a missing flag as enabled.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type ModelConfig struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	Provider    string `json:"provider" yaml:"provider" validate:"required"`
	Enabled     *bool  `json:"enabled" yaml:"enabled"`
}

func (m ModelConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg, err := Parse(raw, filepath.Ext(absPath))
	if err != nil {
		return nil, err
	}

	if dbCfg, ok := cfg.Databases["sqlite3"]; ok && dbCfg.DSN != "" && dbCfg.DSN != ":memory:" && !strings.HasPrefix(dbCfg.DSN, "file:") {
		if !filepath.IsAbs(dbCfg.DSN) {
			dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
			cfg.Databases["sqlite3"] = dbCfg
		}
	}
	if cfg.BasicConfig.FileBaseDir != "" && !filepath.IsAbs(cfg.BasicConfig.FileBaseDir) {
		cfg.BasicConfig.FileBaseDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.FileBaseDir)
	}
	return cfg, nil
}

// Parse decodes raw config bytes; ext selects YAML for ".yaml"/".yml", JSON otherwise.
func Parse(raw []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if addr := strings.TrimSpace(os.Getenv(EnvAddress)); addr != "" {
		c.BasicConfig.ServerAddress = addr
	}
	c.SecretKey = strings.TrimSpace(os.Getenv(EnvSecretKey))
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = "./data/uploads"
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.LogFormat == "" {
		b.LogFormat = "json"
	}
	if b.HistoryWindow == 0 {
		b.HistoryWindow = 10
	}
	if b.TurnTimeoutSeconds == 0 {
		b.TurnTimeoutSeconds = 120
	}
	if b.MinWorkers == 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers == 0 {
		b.MaxWorkers = 64
	}
	if b.QueueSize == 0 {
		b.QueueSize = 256
	}
	if b.UnboundAttachmentTTL == 0 {
		b.UnboundAttachmentTTL = 24 * 60
	}
	if b.AttachmentSweepInterval == 0 {
		b.AttachmentSweepInterval = 60
	}
	if b.CatalogCacheTTLSeconds == 0 {
		b.CatalogCacheTTLSeconds = 30
	}
	if b.HistoryCacheTTLSeconds == 0 {
		b.HistoryCacheTTLSeconds = 30 * 60
	}
	if b.TitleGenerationTimeoutMs == 0 {
		b.TitleGenerationTimeoutMs = 15000
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "disk"
	}
	u := &c.Upload
	if u.MaxFiles == 0 {
		u.MaxFiles = 4
	}
	if u.MaxBytes == 0 {
		u.MaxBytes = 10 << 20
	}
	if len(u.AllowedMIME) == 0 {
		u.AllowedMIME = []string{"image/png", "image/jpeg", "image/webp", "image/gif"}
	}
	if u.MaxDimension == 0 {
		u.MaxDimension = 2048
	}
	if u.MaxEncodedBytes == 0 {
		u.MaxEncodedBytes = 4 << 20
	}
	if u.MaxSourcePixels == 0 {
		u.MaxSourcePixels = 40_000_000
	}
}

// Validate checks struct tags and cross references between models and providers.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("validate config: max_workers (%d) below min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("validate config: model %s references unknown provider %s", m.ID, m.Provider)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("validate config: duplicate model id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if c.TitleModel != "" {
		if _, ok := seen[c.TitleModel]; !ok {
			return fmt.Errorf("validate config: title_model %s is not a configured model", c.TitleModel)
		}
	}
	return nil
}

// DatabaseDriver returns the configured driver name, honoring RELAYCHAT_DB.
func DatabaseDriver() string {
	if v := strings.TrimSpace(os.Getenv(EnvDatabase)); v != "" {
		return v
	}
	return "sqlite3"
}

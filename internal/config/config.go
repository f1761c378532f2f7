// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	Env               string        `env:"APP_ENV" envDefault:"development"`
	AppName           string        `env:"APP_NAME" envDefault:"icecream_shop_app"`
	UserID            string        `env:"USER_ID" envDefault:"sky_user"`
	SessionID         string        `env:"SESSION_ID" envDefault:"web-session-1"`
	DBURL             string        `env:"DB_URL" envDefault:"sqlite:///./adk_sessions.db"`
	CORSOrigins       []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	PerClientSessions bool          `env:"PER_CLIENT_SESSIONS" envDefault:"false"`
	StaticDir         string        `env:"STATIC_DIR"`
	AskTimeout        time.Duration `env:"ASK_TIMEOUT" envDefault:"2m"`
	AgentConfigPath   string        `env:"AGENT_CONFIG_PATH"`

	Model           ModelConfig
	Warehouse       WarehouseConfig
	Agent           AgentConfig
	ConversationLog ConversationLogConfig
}

// ModelConfig selects the hosted model and how to reach it.
type ModelConfig struct {
	Name        string `env:"MODEL_NAME" envDefault:"gemini-2.5-flash"`
	APIKey      string `env:"GOOGLE_API_KEY"`
	UseVertexAI bool   `env:"GOOGLE_GENAI_USE_VERTEXAI" envDefault:"false"`
	Project     string `env:"GOOGLE_CLOUD_PROJECT"`
	Location    string `env:"GOOGLE_CLOUD_LOCATION" envDefault:"us-central1"`
	BaseURL     string `env:"GOOGLE_GEMINI_BASE_URL"`
}

// WarehouseConfig binds the query tool to one table.
type WarehouseConfig struct {
	Backend        string `env:"WAREHOUSE_BACKEND" envDefault:"bigquery"`
	Table          string `env:"WAREHOUSE_TABLE" envDefault:"project_name.dataset_name.icecream_shop"`
	Project        string `env:"WAREHOUSE_PROJECT"`
	Source         string `env:"WAREHOUSE_SOURCE"`
	MaxRows        int    `env:"WAREHOUSE_MAX_ROWS" envDefault:"50"`
	MaxBytesBilled int64  `env:"WAREHOUSE_MAX_BYTES_BILLED" envDefault:"0"`
}

// AgentConfig bounds a single agent run.
type AgentConfig struct {
	MaxModelTurns   int `env:"MAX_MODEL_TURNS" envDefault:"8"`
	MaxHistoryTurns int `env:"MAX_HISTORY_TURNS" envDefault:"20"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `env:"CONVERSATION_LOG_ENABLED" envDefault:"true"`
	Dir           string `env:"CONVERSATION_LOG_DIR" envDefault:"./data/logs/conversations"`
	GlobalEnabled bool   `env:"CONVERSATION_LOG_GLOBAL_ENABLED" envDefault:"false"`
	GlobalPath    string `env:"CONVERSATION_LOG_GLOBAL_PATH" envDefault:"./data/logs/conversations/all.ndjson"`
	QueueSize     int    `env:"CONVERSATION_LOG_QUEUE_SIZE" envDefault:"1000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.CORSOrigins = cleanOrigins(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AppName == "" {
		return fmt.Errorf("APP_NAME cannot be empty")
	}
	if c.UserID == "" {
		return fmt.Errorf("USER_ID cannot be empty")
	}
	if c.SessionID == "" {
		return fmt.Errorf("SESSION_ID cannot be empty")
	}
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL cannot be empty")
	}
	if c.AskTimeout <= 0 {
		return fmt.Errorf("ASK_TIMEOUT must be > 0")
	}
	switch c.Warehouse.Backend {
	case "bigquery":
	case "duckdb":
		if c.Warehouse.Source == "" {
			return fmt.Errorf("WAREHOUSE_SOURCE is required for the duckdb backend")
		}
	default:
		return fmt.Errorf("WAREHOUSE_BACKEND must be bigquery or duckdb, got %q", c.Warehouse.Backend)
	}
	if strings.Count(c.Warehouse.Table, ".") != 2 {
		return fmt.Errorf("WAREHOUSE_TABLE must be project.dataset.table, got %q", c.Warehouse.Table)
	}
	if c.Warehouse.MaxRows <= 0 {
		return fmt.Errorf("WAREHOUSE_MAX_ROWS must be > 0")
	}
	if c.Agent.MaxModelTurns <= 0 {
		return fmt.Errorf("MAX_MODEL_TURNS must be > 0")
	}
	if c.Agent.MaxHistoryTurns <= 0 {
		return fmt.Errorf("MAX_HISTORY_TURNS must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

func cleanOrigins(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if len(cleaned) == 0 {
		return []string{"*"}
	}
	return cleaned
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// TelegramConfig contains configuration for the Telegram client.
type TelegramConfig struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	Phone       string `yaml:"phone"`
	Password    string `yaml:"password"` // 2FA password, optional
	SessionFile string `yaml:"session_file"`
}

// DatabaseConfig contains configuration for the database connection.
// An empty URL disables the analysis-run history store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// AnalysisConfig contains defaults and bounds for channel analysis.
type AnalysisConfig struct {
	LimitMessages              int    `yaml:"limit_messages"`
	DaysBack                   int    `yaml:"days_back"`
	DiscussionLimit            int    `yaml:"discussion_limit"`
	MaxCommentsPerPost         int    `yaml:"max_comments_per_post"`
	CommentTextLimit           int    `yaml:"comment_text_limit"`
	AuthorLookupLimit          int    `yaml:"author_lookup_limit"`
	AuthorLookupTimeoutSeconds int64  `yaml:"author_lookup_timeout_seconds"`
	CommentsCountPolicy        string `yaml:"comments_count_policy"` // "resolved" or "platform"
}

// LoadConfig reads configuration from the specified YAML file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{}
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Telegram.SessionFile == "" {
		c.Telegram.SessionFile = "session.json"
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Analysis.LimitMessages == 0 {
		c.Analysis.LimitMessages = 200
	}
	if c.Analysis.DaysBack == 0 {
		c.Analysis.DaysBack = 90
	}
	if c.Analysis.DiscussionLimit == 0 {
		c.Analysis.DiscussionLimit = 500
	}
	if c.Analysis.MaxCommentsPerPost == 0 {
		c.Analysis.MaxCommentsPerPost = 10
	}
	if c.Analysis.CommentTextLimit == 0 {
		c.Analysis.CommentTextLimit = 500
	}
	if c.Analysis.AuthorLookupLimit == 0 {
		c.Analysis.AuthorLookupLimit = 8
	}
	if c.Analysis.AuthorLookupTimeoutSeconds == 0 {
		c.Analysis.AuthorLookupTimeoutSeconds = 5
	}
	if c.Analysis.CommentsCountPolicy == "" {
		c.Analysis.CommentsCountPolicy = "resolved"
	}
}

func (c *Config) validate() error {
	if c.Telegram.APIID == 0 {
		return fmt.Errorf("telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram.api_hash is required")
	}
	if c.Telegram.Phone == "" {
		return fmt.Errorf("telegram.phone is required")
	}
	if p := c.Analysis.CommentsCountPolicy; p != "resolved" && p != "platform" {
		return fmt.Errorf("analysis.comments_count_policy must be \"resolved\" or \"platform\", got %q", p)
	}
	return nil
}

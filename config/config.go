package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Duration reads Go duration strings such as "60s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Embedding struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	URL      string `json:"url"`
	Listen   string `json:"listen"`
}

type VectorStore struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	Collection string `json:"collection"`
	TopK       int    `json:"top_k"`
}

type Retriever struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Listen  string `json:"listen"`
}

type Config struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`

	Listen         string   `json:"listen"`
	MaxLoop        int      `json:"max_loop"`
	RetryLimit     *int     `json:"retry_limit"`
	CallTimeout    Duration `json:"call_timeout"`
	DecisionSource string   `json:"decision_source"`
	PromptsFile    string   `json:"prompts_file"`
	ReloadInterval Duration `json:"reload_interval"`
	ToolMode       bool     `json:"tool_mode"`
	IdleTimeout    Duration `json:"idle_timeout"`
	LogLevel       string   `json:"log_level"`

	Embedding   Embedding   `json:"embedding"`
	VectorStore VectorStore `json:"vector_store"`
	Retriever   Retriever   `json:"retriever"`
}

const (
	DecisionEmbedded = "embedded"
	DecisionQuery    = "query"

	EmbeddingOpenAI = "openai"
	EmbeddingRemote = "remote"
)

func Default() *Config {
	retry := 5
	return &Config{
		Listen:         ":8080",
		MaxLoop:        10,
		RetryLimit:     &retry,
		CallTimeout:    Duration(60 * time.Second),
		DecisionSource: DecisionEmbedded,
		LogLevel:       "info",
		Embedding: Embedding{
			Provider: EmbeddingOpenAI,
			URL:      "http://127.0.0.1:8081",
			Listen:   ":8081",
		},
		VectorStore: VectorStore{
			Driver:     "sqlite",
			DSN:        "data/consultations.db",
			Collection: "consultations",
			TopK:       3,
		},
		Retriever: Retriever{
			URL:    "http://127.0.0.1:8082",
			Listen: ":8082",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads only defaults and the environment.
func Load(path string) (*Config, error) {
	conf := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := sonic.Unmarshal(file, conf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	conf.applyEnv(os.LookupEnv)
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("OPENAI_API_KEY", &c.APIKey)
	set("OPENAI_BASE_URL", &c.BaseURL)
	set("OPENAI_MODEL", &c.Model)
	set("TRIAGE_LISTEN", &c.Listen)
}

func (c *Config) Validate() error {
	if c.MaxLoop <= 0 {
		return fmt.Errorf("max_loop must be positive, got %d", c.MaxLoop)
	}
	if c.RetryLimit != nil && *c.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative, got %d", *c.RetryLimit)
	}
	switch c.DecisionSource {
	case "", DecisionEmbedded, DecisionQuery:
	default:
		return fmt.Errorf("unknown decision_source %q", c.DecisionSource)
	}
	switch c.Embedding.Provider {
	case "", EmbeddingOpenAI, EmbeddingRemote:
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Retries returns the per-step attempt bound, 0 meaning unbounded.
func (c *Config) Retries() int {
	if c.RetryLimit == nil {
		return 5
	}
	return *c.RetryLimit
}

func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return level, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{BaseURL:%q, Model:%q, Listen:%q}", c.BaseURL, c.Model, c.Listen)
}

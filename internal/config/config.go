package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dyike/CortexFlow/consts"
)

// Config carries everything the composition root needs. It is loaded once
// and passed by reference; nothing reads viper after construction.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	ResultsDir string `mapstructure:"results_dir"`

	// SecretKey encrypts provider API keys at rest (AES-256-GCM). When it
	// is empty the system refuses to persist new provider records.
	SecretKey string `mapstructure:"secret_key"`

	MaxDebateRounds      int `mapstructure:"max_debate_rounds"`
	MaxRiskDiscussRounds int `mapstructure:"max_risk_discuss_rounds"`
	MaxRecurLimit        int `mapstructure:"max_recur_limit"`

	// AnalystTimeouts overrides the per-kind defaults, seconds.
	AnalystTimeouts map[string]int `mapstructure:"analyst_timeouts"`
	NodeMaxRetries  int            `mapstructure:"node_max_retries"`
	RetryDelay      time.Duration  `mapstructure:"retry_delay"`

	// SessionDeadline bounds one whole session; zero disables it.
	SessionDeadline time.Duration `mapstructure:"session_deadline"`

	EventBufferSize int           `mapstructure:"event_buffer_size"`
	StreamRetention time.Duration `mapstructure:"stream_retention"`

	WriteMarkdownReports bool `mapstructure:"write_markdown_reports"`

	// Environment-variable provider fallbacks, used when no enabled
	// provider row passes credential checks.
	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	OpenAIBaseURL  string `mapstructure:"openai_base_url"`
	DeepSeekAPIKey string `mapstructure:"deepseek_api_key"`

	FinnhubAPIKey string `mapstructure:"finnhub_api_key"`

	Debug bool `mapstructure:"debug"`
}

// Load reads .env (if present) and CORTEXFLOW_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("cortexflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cwd, _ := os.Getwd()
	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("db_path", filepath.Join(cwd, "data", "cortexflow.db"))
	v.SetDefault("results_dir", filepath.Join(cwd, "results"))
	v.SetDefault("max_debate_rounds", 1)
	v.SetDefault("max_risk_discuss_rounds", 1)
	v.SetDefault("max_recur_limit", 100)
	v.SetDefault("node_max_retries", 1)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("session_deadline", 0)
	v.SetDefault("event_buffer_size", 512)
	v.SetDefault("stream_retention", 5*time.Minute)
	v.SetDefault("write_markdown_reports", true)
	v.SetDefault("debug", false)

	// Vendor keys keep their conventional names.
	v.BindEnv("openai_api_key", "OPENAI_API_KEY")
	v.BindEnv("openai_base_url", "OPENAI_BASE_URL")
	v.BindEnv("deepseek_api_key", "DEEPSEEK_API_KEY")
	v.BindEnv("finnhub_api_key", "FINNHUB_API_KEY")
	v.BindEnv("secret_key", "CORTEXFLOW_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns a config suitable for tests and the one-shot CLI.
func Default() *Config {
	cwd, _ := os.Getwd()
	return &Config{
		ListenAddr:           ":8090",
		DBPath:               filepath.Join(cwd, "data", "cortexflow.db"),
		ResultsDir:           filepath.Join(cwd, "results"),
		MaxDebateRounds:      1,
		MaxRiskDiscussRounds: 1,
		MaxRecurLimit:        100,
		NodeMaxRetries:       1,
		RetryDelay:           2 * time.Second,
		EventBufferSize:      512,
		StreamRetention:      5 * time.Minute,
		WriteMarkdownReports: true,
	}
}

// AnalystTimeout resolves the wall-clock budget for one analyst kind.
func (c *Config) AnalystTimeout(kind consts.AnalystKind) time.Duration {
	if c.AnalystTimeouts != nil {
		if sec, ok := c.AnalystTimeouts[string(kind)]; ok && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	sec, ok := consts.DefaultTimeoutSeconds[kind]
	if !ok {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}

// EnsureDirectories creates the writable directories the session needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.ResultsDir, filepath.Dir(c.DBPath)}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

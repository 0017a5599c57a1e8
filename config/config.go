package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the retrieval service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	ToolServer ToolServerConfig `mapstructure:"tool_server"`
	WebSearch  WebSearchConfig  `mapstructure:"web_search"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ToolServerConfig contains settings for the remote tool server
type ToolServerConfig struct {
	URL            string        `mapstructure:"url"`
	DataSourceURL  string        `mapstructure:"data_source_url"`
	APIToken       string        `mapstructure:"api_token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider     string        `mapstructure:"provider"` // tavily, serper or brave
	TavilyAPIKey string        `mapstructure:"tavily_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RetrievalConfig contains orchestration caps and feature flags
type RetrievalConfig struct {
	MaxWebSearches    int           `mapstructure:"max_web_searches"`
	MaxResources      int           `mapstructure:"max_resources"`
	EnableDeepQueries bool          `mapstructure:"enable_deep_queries"`
	KnowledgeCount    int           `mapstructure:"knowledge_count"`
	RenderCacheTTL    time.Duration `mapstructure:"render_cache_ttl"`
}

// SummarizerConfig configures the resource selection model
type SummarizerConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig reads configuration from file and environment (SCOUT_* overrides).
// The config file is optional; defaults cover local development.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("SCOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "2m")

	viper.SetDefault("server.addr", ":10010")

	viper.SetDefault("tool_server.url", "http://localhost:8001")
	viper.SetDefault("tool_server.data_source_url", "https://trytako.com")
	viper.SetDefault("tool_server.connect_timeout", "5s")
	viper.SetDefault("tool_server.call_timeout", "120s")

	viper.SetDefault("web_search.provider", "tavily")
	viper.SetDefault("web_search.max_results", 10)
	viper.SetDefault("web_search.timeout", "30s")

	viper.SetDefault("retrieval.max_web_searches", 1)
	viper.SetDefault("retrieval.max_resources", 10)
	viper.SetDefault("retrieval.enable_deep_queries", false)
	viper.SetDefault("retrieval.knowledge_count", 5)
	viper.SetDefault("retrieval.render_cache_ttl", "15m")

	viper.SetDefault("summarizer.model", "gpt-4o-mini")
	viper.SetDefault("summarizer.base_url", "https://api.openai.com/v1")
	viper.SetDefault("summarizer.temperature", 0.0)
	viper.SetDefault("summarizer.max_tokens", 1024)
	viper.SetDefault("summarizer.timeout", "60s")

	viper.SetDefault("telemetry.enabled", true)
}

// overrideFromEnv maps well-known bare environment variables so deployments
// do not have to use the SCOUT_ prefixed form for credentials.
func overrideFromEnv() {
	if v := os.Getenv("TAVILY_API_KEY"); v != "" {
		viper.Set("web_search.tavily_api_key", v)
	}
	if v := os.Getenv("SERPER_API_KEY"); v != "" {
		viper.Set("web_search.serper_api_key", v)
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		viper.Set("web_search.brave_api_key", v)
	}
	if v := os.Getenv("TAKO_MCP_URL"); v != "" {
		viper.Set("tool_server.url", v)
	}
	if v := os.Getenv("TAKO_URL"); v != "" {
		viper.Set("tool_server.data_source_url", v)
	}
	if v := os.Getenv("TAKO_API_TOKEN"); v != "" {
		viper.Set("tool_server.api_token", v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		viper.Set("summarizer.api_key", v)
	}
}

func validateConfig(config *Config) error {
	if config.Retrieval.MaxResources <= 0 {
		return fmt.Errorf("retrieval.max_resources must be positive")
	}
	if config.Retrieval.MaxWebSearches < 0 {
		return fmt.Errorf("retrieval.max_web_searches cannot be negative")
	}
	if config.ToolServer.URL == "" {
		return fmt.Errorf("tool_server.url is required")
	}
	config.ToolServer.URL = strings.TrimRight(config.ToolServer.URL, "/")
	config.ToolServer.DataSourceURL = strings.TrimRight(config.ToolServer.DataSourceURL, "/")
	return nil
}

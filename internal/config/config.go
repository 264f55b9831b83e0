package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig
	Server   ServerConfig
	Context  ContextConfig  `mapstructure:"context"`
	Requests RequestsConfig `mapstructure:"requests"`
	History  HistoryConfig  `mapstructure:"history"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	LogLevel string         `mapstructure:"log_level"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// ContextConfig bounds the context window sent with each turn.
type ContextConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

// RequestsConfig bounds in-flight model requests.
type RequestsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HistoryConfig locates the message log.
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// SweeperConfig schedules the orphaned-pending finalizer.
type SweeperConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// MCPConfig exposes the control endpoints over MCP. Transport is "", "sse" or "stdio".
type MCPConfig struct {
	Transport string `mapstructure:"transport"`
	Address   string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "openai/gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3000")
	v.SetDefault("context.max_tokens", 8000)
	v.SetDefault("requests.timeout", 60*time.Second)
	v.SetDefault("history.db_path", "history.db")
	v.SetDefault("sweeper.schedule", "@every 1m")
	v.SetDefault("mcp.transport", "")
	v.SetDefault("mcp.address", "127.0.0.1:3001")
	v.SetDefault("log_level", "info")
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("workbench", pflag.ContinueOnError)
	fs.String("config", "", "path to config.yaml")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("port", "", "HTTP port")
	fs.String("db", "", "history database path")
	fs.String("mcp", "", "MCP transport (sse, stdio)")
	return fs
}

// Load loads the configuration from a .env file, config.yaml, WORKBENCH_* env vars and flags.
// A missing config.yaml is not an error; defaults apply.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("WORKBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, flag := range map[string]string{
			"log_level":       "log-level",
			"server.port":     "port",
			"history.db_path": "db",
			"mcp.transport":   "mcp",
		} {
			if f := flags.Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	path := os.Getenv("CONFIG_PATH")
	if flags != nil {
		if p, _ := flags.GetString("config"); p != "" {
			path = p
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

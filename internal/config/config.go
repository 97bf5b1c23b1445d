package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Widget WidgetConfig `mapstructure:"widget"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Server ServerConfig `mapstructure:"server"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// WidgetConfig holds the conversation client configuration
type WidgetConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	DBPath         string        `mapstructure:"db_path"`
	ResponseDelay  time.Duration `mapstructure:"response_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxImages      int           `mapstructure:"max_images"`
	UserAvatar     string        `mapstructure:"user_avatar"`
	BotAvatar      string        `mapstructure:"bot_avatar"`
	Voice          VoiceConfig   `mapstructure:"voice"`
}

// VoiceConfig holds the speech output configuration
type VoiceConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// LLMConfig holds the LLM configuration used by the inference backend
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("widget.endpoint", "http://localhost:8080/api/chat")
	v.SetDefault("widget.db_path", "chatwidget.db")
	v.SetDefault("widget.response_delay", 700*time.Millisecond)
	v.SetDefault("widget.request_timeout", 60*time.Second)
	v.SetDefault("widget.max_images", 5)
	v.SetDefault("widget.user_avatar", "/user-avatar.png")
	v.SetDefault("widget.bot_avatar", "/bot-avatar.png")
	v.SetDefault("widget.voice.enabled", true)
	v.SetDefault("widget.voice.command", "")
	v.SetDefault("widget.voice.args", []string{})

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.system_prompt", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
}

// Load loads the configuration from config.yaml (or the file named by
// CONFIG_PATH), a .env file and CHATWIDGET_* environment variables.
// A missing config file is not an error; every key has a default.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("chatwidget")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Package config binds the host binary's flags and environment into a
// single Config using viper and cobra.
package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds everything the host binary needs to start the transport
// server and its LLM backend.
type Config struct {
	Addr string
	Port int

	LLMProvider    string
	LLMModel       string
	LLMAPIKey      string
	LLMBaseURL     string
	LLMMaxTokens   int
	LLMTemperature float64

	RateLimitPerSecond float64
	RateLimitBurst     int

	MaxConcurrentTasks int64

	MetricsAddr string
}

// BindFlags registers the flags this config reads and binds each to viper,
// so CLI flags, environment variables, and defaults all resolve through one
// lookup.
func BindFlags(cmd *cobra.Command) error {
	cmd.PersistentFlags().String("addr", "", "address to bind the websocket server to")
	cmd.PersistentFlags().Int("port", 8765, "port for the websocket server")
	cmd.PersistentFlags().String("llm-provider", "openai", "chat completion provider (openai, deepseek, siliconflow, zai, dashscope, openrouter, ollama)")
	cmd.PersistentFlags().String("llm-model", "gpt-4", "chat completion model name")
	cmd.PersistentFlags().String("llm-api-key", "", "chat completion API key")
	cmd.PersistentFlags().String("llm-base-url", "", "override the provider's default base URL")
	cmd.PersistentFlags().Int("llm-max-tokens", 0, "max tokens per chat completion, 0 for provider default")
	cmd.PersistentFlags().Float64("llm-temperature", 0.7, "chat completion temperature")
	cmd.PersistentFlags().Float64("rate-limit-per-second", 0, "outbound LLM call rate limit, 0 disables limiting")
	cmd.PersistentFlags().Int("rate-limit-burst", 1, "burst size for the LLM rate limiter")
	cmd.PersistentFlags().Int64("max-concurrent-tasks", 0, "max tasks running at once per graph, 0 disables the bound")
	cmd.PersistentFlags().String("metrics-addr", ":9090", "address to serve /metrics on")

	for _, name := range []string{
		"addr", "port", "llm-provider", "llm-model", "llm-api-key", "llm-base-url",
		"llm-max-tokens", "llm-temperature", "rate-limit-per-second", "rate-limit-burst",
		"max-concurrent-tasks", "metrics-addr",
	} {
		if err := viper.BindPFlag(name, cmd.PersistentFlags().Lookup(name)); err != nil {
			return err
		}
	}

	viper.SetEnvPrefix("taskgraph")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	return nil
}

// FromViper reads the bound flags and environment back out into a Config.
func FromViper() *Config {
	return &Config{
		Addr:               viper.GetString("addr"),
		Port:               viper.GetInt("port"),
		LLMProvider:        viper.GetString("llm-provider"),
		LLMModel:           viper.GetString("llm-model"),
		LLMAPIKey:          viper.GetString("llm-api-key"),
		LLMBaseURL:         viper.GetString("llm-base-url"),
		LLMMaxTokens:       viper.GetInt("llm-max-tokens"),
		LLMTemperature:     viper.GetFloat64("llm-temperature"),
		RateLimitPerSecond: viper.GetFloat64("rate-limit-per-second"),
		RateLimitBurst:     viper.GetInt("rate-limit-burst"),
		MaxConcurrentTasks: viper.GetInt64("max-concurrent-tasks"),
		MetricsAddr:        viper.GetString("metrics-addr"),
	}
}

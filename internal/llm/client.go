package llm

import (
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// Client wraps a go-openai client configured for one of several
// OpenAI-compatible providers.
type Client struct {
	oa  *openai.Client
	cfg *Config
}

// New constructs a Client, selecting among a handful of known
// OpenAI-compatible endpoints plus a generic fallback for anything else.
func New(cfg *Config) *Client {
	cfg = cfg.withDefaults()
	httpClient := newHTTPClient()

	var clientConfig openai.ClientConfig
	switch cfg.Provider {
	case "deepseek":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = orDefault(cfg.BaseURL, "https://api.deepseek.com")
	case "siliconflow":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = orDefault(cfg.BaseURL, "https://api.siliconflow.cn/v1")
	case "zai":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = orDefault(cfg.BaseURL, "https://open.bigmodel.cn/api/paas/v4")
	case "dashscope":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = orDefault(cfg.BaseURL, "https://dashscope.aliyuncs.com/compatible-mode/v1")
	case "openrouter":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = orDefault(cfg.BaseURL, "https://openrouter.ai/api/v1")
	case "ollama":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = orDefault(cfg.BaseURL, "http://localhost:11434")
	case "openai":
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	default:
		slog.Info("llm: using generic OpenAI-compatible provider", "provider", cfg.Provider)
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	}
	clientConfig.HTTPClient = httpClient

	return &Client{oa: openai.NewClientWithConfig(clientConfig), cfg: cfg}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

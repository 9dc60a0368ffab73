// Package llm provides the go-openai backed chat handler bound into a
// FunctionRegistry under registry.OpenAIChatID. Retry, backoff, and rate
// limiting live here, invisible to the graph engine: a task that calls the
// handler either gets a response or a final error, never a mid-flight
// retry signal.
package llm

import (
	"net"
	"net/http"
	"time"
)

// Config configures a go-openai backed Client.
type Config struct {
	Provider    string // deepseek, openai, siliconflow, ollama, zai, dashscope, openrouter
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     int // request timeout in seconds, default 120

	// MaxRetries bounds the number of retry attempts after the first call.
	// Default 5 (six attempts total).
	MaxRetries int
	// RetryMinWait and RetryMaxWait bound the exponential backoff applied
	// between retries.
	RetryMinWait time.Duration
	RetryMaxWait time.Duration

	// RateLimitPerSecond bounds outbound request rate. Zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 120
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.RetryMinWait <= 0 {
		out.RetryMinWait = time.Second
	}
	if out.RetryMaxWait <= 0 {
		out.RetryMaxWait = 60 * time.Second
	}
	return &out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

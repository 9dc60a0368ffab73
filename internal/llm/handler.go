package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/hrygo/taskgraph/internal/registry"
)

// Handler adapts a Client into a registry.APIHandlerFunc: the one call an
// LLMTask issues once it has a formatted prompt. Retries, backoff, and rate
// limiting are entirely internal — a task sees either a final response or a
// final error.
type Handler struct {
	client  *Client
	limiter *rate.Limiter
	metrics MetricsRecorder
}

// MetricsRecorder receives one observation per chat completion call and one
// per transient-error retry. Satisfied structurally by *metrics.Exporter;
// declared here to avoid this package importing metrics.
type MetricsRecorder interface {
	RecordLLMCall(provider string, dur time.Duration, err error)
	RecordLLMRetry()
}

// NewHandler wraps client with the retry/rate-limit policy from cfg.
func NewHandler(client *Client) *Handler {
	h := &Handler{client: client}
	if client.cfg.RateLimitPerSecond > 0 {
		burst := client.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(client.cfg.RateLimitPerSecond), burst)
	}
	return h
}

// SetMetricsRecorder attaches an optional metrics sink.
func (h *Handler) SetMetricsRecorder(m MetricsRecorder) {
	h.metrics = m
}

// Handle is the registry.APIHandlerFunc binding. prompt is whatever the
// prompt formatter produced: a string, a single {"role","content"} map, or
// a list of such maps.
func (h *Handler) Handle(ctx context.Context, prompt any, params map[string]any) (string, error) {
	messages, err := normalizeMessages(prompt)
	if err != nil {
		return "", err
	}

	req := openai.ChatCompletionRequest{
		Model:       h.client.cfg.Model,
		MaxTokens:   h.client.cfg.MaxTokens,
		Temperature: h.client.cfg.Temperature,
		Messages:    messages,
	}
	applyParams(&req, params)

	var lastErr error
	start := time.Now()
	for attempt := 0; attempt <= h.client.cfg.MaxRetries; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, time.Duration(h.client.cfg.Timeout)*time.Second)
		resp, err := h.client.oa.CreateChatCompletion(callCtx, req)
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				err := fmt.Errorf("llm: empty response")
				h.recordCall(start, err)
				return "", err
			}
			h.recordCall(start, nil)
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		if !isTransientError(err) {
			break
		}
		if attempt == h.client.cfg.MaxRetries {
			break
		}
		if h.metrics != nil {
			h.metrics.RecordLLMRetry()
		}

		wait := backoffWithJitter(attempt, h.client.cfg.RetryMinWait, h.client.cfg.RetryMaxWait)
		slog.Warn("llm: retrying transient error",
			"attempt", attempt+1,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			h.recordCall(start, ctx.Err())
			return "", ctx.Err()
		}
	}

	wrapped := errors.Wrap(lastErr, "llm chat call failed")
	h.recordCall(start, wrapped)
	return "", wrapped
}

func (h *Handler) recordCall(start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordLLMCall(h.client.cfg.Provider, time.Since(start), err)
}

// APIHandlerFunc returns the registry-compatible binding for Handle.
func (h *Handler) APIHandlerFunc() registry.APIHandlerFunc {
	return h.Handle
}

// normalizeMessages coerces the formatted prompt into a message list: a
// bare string becomes a single user message, a single role/content map
// becomes a one-element list, and a list passes through unchanged.
func normalizeMessages(prompt any) ([]openai.ChatCompletionMessage, error) {
	switch p := prompt.(type) {
	case string:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: p}}, nil
	case map[string]any:
		msg, err := messageFromMap(p)
		if err != nil {
			return nil, err
		}
		return []openai.ChatCompletionMessage{msg}, nil
	case []any:
		out := make([]openai.ChatCompletionMessage, 0, len(p))
		for _, item := range p {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("llm: message list entry must be an object, got %T", item)
			}
			msg, err := messageFromMap(m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("llm: unsupported prompt shape %T", prompt)
	}
}

func messageFromMap(m map[string]any) (openai.ChatCompletionMessage, error) {
	role, _ := m["role"].(string)
	content, _ := m["content"].(string)
	if role == "" {
		return openai.ChatCompletionMessage{}, fmt.Errorf("llm: message missing role")
	}
	return openai.ChatCompletionMessage{Role: role, Content: content}, nil
}

// applyParams carries a small set of well-known call parameters through;
// anything else is ignored rather than rejected, since params is an open
// JSON object supplied by the graph author.
func applyParams(req *openai.ChatCompletionRequest, params map[string]any) {
	if v, ok := params["model"].(string); ok && v != "" {
		req.Model = v
	}
	if v, ok := params["temperature"].(float64); ok {
		req.Temperature = float32(v)
	}
	if v, ok := params["max_tokens"].(float64); ok {
		req.MaxTokens = int(v)
	}
}

var transientErrorKeywords = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"context deadline exceeded",
	"i/o timeout",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range transientErrorKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// backoffWithJitter grows the backoff ceiling exponentially with the
// attempt number, capped at max, then returns a random duration between
// min and that ceiling.
func backoffWithJitter(attempt int, min, max time.Duration) time.Duration {
	ceiling := min * time.Duration(1<<uint(attempt))
	if ceiling > max || ceiling <= 0 {
		ceiling = max
	}
	if ceiling <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(ceiling-min)))
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/logging"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 10 << 20
)

// HTTPConfig configures the chat-completions client.
type HTTPConfig struct {
	BaseURL string `koanf:"base_url"`

	// APIKey is the default key for every model.
	APIKey string `koanf:"api_key"`

	// ModelKeys overrides the key per model id.
	ModelKeys map[string]string `koanf:"model_keys"`

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `koanf:"timeout"`
}

// ApplyDefaults fills zero values with defaults.
func (c *HTTPConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Validate checks config for errors.
func (c *HTTPConfig) Validate() error {
	if c.APIKey == "" && len(c.ModelKeys) == 0 {
		return fmt.Errorf("api_key or at least one model key is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	return nil
}

// HTTPProvider calls an OpenAI-compatible chat-completions endpoint.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *logging.Logger
}

// NewHTTP creates an HTTPProvider.
func NewHTTP(cfg HTTPConfig, logger *logging.Logger) (*HTTPProvider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("provider config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// apiKeyFor resolves the key for a model: per-model override first, default
// key otherwise.
func (p *HTTPProvider) apiKeyFor(model string) string {
	if key, ok := p.cfg.ModelKeys[model]; ok && key != "" {
		return key
	}
	return p.cfg.APIKey
}

// Send implements Provider.
func (p *HTTPProvider) Send(ctx context.Context, req Request) (Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Response{}, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKeyFor(req.Model))

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, &Error{Kind: KindServerError, Message: fmt.Sprintf("read response: %v", err)}
	}

	p.logger.DebugContext(ctx, "completion exchange",
		zap.String("model", req.Model),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyStatus(resp.StatusCode, errorMessage(raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &Error{
			Kind:       KindServerError,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("decode response: %v", err),
		}
	}
	if parsed.Error != nil {
		return Response{}, classifyStatus(resp.StatusCode, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, &Error{
			Kind:       KindServerError,
			StatusCode: resp.StatusCode,
			Message:    "response contained no choices",
		}
	}

	return Response{
		Model:            req.Model,
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}
	return &Error{Kind: KindServerError, Message: err.Error()}
}

func classifyStatus(status int, message string) *Error {
	var kind Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = KindAuthError
	case status >= 500:
		kind = KindServerError
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	default:
		kind = KindInvalidRequest
	}
	return &Error{Kind: kind, StatusCode: status, Message: message}
}

// errorMessage pulls the human-readable message out of an error body, falling
// back to the raw body when it is not the expected JSON shape.
func errorMessage(raw []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	const maxLen = 512
	if len(raw) > maxLen {
		raw = raw[:maxLen]
	}
	return string(raw)
}

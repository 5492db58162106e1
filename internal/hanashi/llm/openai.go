package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

const (
	// DefaultBaseURL is LM Studio's local server.
	DefaultBaseURL = "http://localhost:1234/v1"
	DefaultModel   = "local-model"
	defaultTimeout = 60 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 4 << 20
)

var errMalformed = errors.New("llm: malformed response")

// Config configures the OpenAI-compatible client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:1234/v1 (LM Studio) or
	// http://localhost:11434/v1 (Ollama).
	BaseURL string
	// APIKey is sent as a bearer token when non-empty. Local servers
	// usually ignore it.
	APIKey string
	// Model is the model name sent with every request.
	Model string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// ExtraParams are merged into every request body at top level
	// (e.g. "top_k", "repeat_penalty", "stop"). Keys use sjson path syntax.
	ExtraParams map[string]any
	// Retry is applied to transient failures. The zero value disables it.
	Retry RetryPolicy
}

// Client implements Provider over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ Provider = (*Client)(nil)

// New returns a Client. It is safe for concurrent use.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stream      bool         `json:"stream"`
}

// Complete sends one chat completion request, retrying transient failures
// according to the configured policy.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	var out *CompletionResponse
	err = c.cfg.Retry.do(ctx, func() error {
		resp, err := c.send(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) encode(req CompletionRequest) ([]byte, error) {
	msgs := make([]oaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaiMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(oaiRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	// Sorted so the body is stable across calls.
	keys := make([]string, 0, len(c.cfg.ExtraParams))
	for k := range c.cfg.ExtraParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body, err = sjson.SetBytes(body, k, c.cfg.ExtraParams[k])
		if err != nil {
			return nil, fmt.Errorf("llm: set extra param %q: %w", k, err)
		}
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, body []byte) (*CompletionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("llm: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := statusError(resp.StatusCode, raw)
		// Some gateways echo the rejected key back in the error message.
		se.Message = observability.Redact(se.Message, c.cfg.APIKey)
		return nil, se
	}
	return parseCompletion(raw)
}

func statusError(code int, raw []byte) *StatusError {
	se := &StatusError{StatusCode: code}
	if !gjson.ValidBytes(raw) {
		se.Message = strings.TrimSpace(truncate(string(raw), 200))
		return se
	}
	root := gjson.ParseBytes(raw)
	errNode := root.Get("error")
	switch {
	case errNode.IsObject():
		se.Message = errNode.Get("message").String()
		se.Type = errNode.Get("type").String()
	case errNode.Type == gjson.String:
		// Ollama and llama.cpp answer {"error": "..."}.
		se.Message = errNode.String()
	default:
		se.Message = root.Get("message").String()
	}
	return se
}

// parseCompletion extracts the first choice from a chat completion body.
// Content may be a plain string or an array of {type, text} parts.
func parseCompletion(raw []byte) (*CompletionResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: body is not JSON: %.200s", errMalformed, raw)
	}
	root := gjson.ParseBytes(raw)

	// Some servers report failures with HTTP 200 and an error object.
	if errNode := root.Get("error"); errNode.Exists() && errNode.Type != gjson.Null {
		se := statusError(http.StatusOK, raw)
		return nil, fmt.Errorf("%w: %s", errMalformed, se.Message)
	}

	choice := root.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("%w: no choices returned", errMalformed)
	}

	content := choice.Get("message.content")
	var text string
	if content.IsArray() {
		var sb strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				sb.WriteString(part.Get("text").String())
			}
			return true
		})
		text = sb.String()
	} else {
		text = content.String()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyReply
	}

	return &CompletionResponse{
		Content:          text,
		FinishReason:     choice.Get("finish_reason").String(),
		Model:            root.Get("model").String(),
		PromptTokens:     int(root.Get("usage.prompt_tokens").Int()),
		CompletionTokens: int(root.Get("usage.completion_tokens").Int()),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

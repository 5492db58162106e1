// Package llm talks to an OpenAI-compatible chat completion endpoint such as
// LM Studio, Ollama or a llama.cpp server.
//
// The package knows nothing about conversations or budgets: it receives an
// already bounded list of messages plus sampling parameters and returns the
// generated text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimit is returned when the endpoint answers HTTP 429.
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// ErrEmptyReply is returned when the endpoint answers successfully but the
// first choice carries no text.
var ErrEmptyReply = errors.New("llm: empty reply from model")

// Message is one {role, content} pair of the request context.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is the input to one completion call.
type CompletionRequest struct {
	Messages []Message
	// MaxTokens caps the reply length. Zero omits the field.
	MaxTokens int
	// Temperature is sent as-is; nil omits the field.
	Temperature *float64
	// TopP is sent as-is; nil omits the field.
	TopP *float64
}

// CompletionResponse is the generated reply plus the usage figures the
// endpoint reported. PromptTokens and CompletionTokens are zero when the
// endpoint does not report usage.
type CompletionResponse struct {
	Content          string
	FinishReason     string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider produces chat completions. Implementations must be safe for
// concurrent use.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	// Type and Message come from the OpenAI-style error object when present.
	Type    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("llm: endpoint returned HTTP %d", e.StatusCode)
	}
	if e.Type == "" {
		return fmt.Sprintf("llm: endpoint returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm: endpoint returned HTTP %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// Unwrap lets errors.Is(err, ErrRateLimit) match a 429.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimit
	}
	return nil
}

// Temporary reports whether sending the same request again may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// IsTransient classifies err for the client's retry loop: rate limits,
// 5xx answers and transport failures are transient; malformed or empty
// replies and 4xx answers are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, ErrEmptyReply) || errors.Is(err, errMalformed) {
		return false
	}
	return true
}

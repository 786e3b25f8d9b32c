// Package provider defines the completion-provider boundary. The engine
// talks to every model through the single Provider interface; the error
// taxonomy here is the sole classification point deciding whether the
// dispatcher retries, fails over or escalates.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a provider failure.
type Kind string

const (
	// KindRateLimited is an upstream 429; transient.
	KindRateLimited Kind = "rate_limited"
	// KindTimeout is a deadline hit before a response arrived; transient.
	KindTimeout Kind = "timeout"
	// KindServerError is an upstream 5xx or transport failure; transient.
	KindServerError Kind = "server_error"
	// KindAuthError is a 401/403; permanent.
	KindAuthError Kind = "auth_error"
	// KindInvalidRequest is a malformed request (400 family); permanent.
	KindInvalidRequest Kind = "invalid_request"
)

// Transient reports whether a failure of this kind may succeed on retry or
// on another candidate.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindServerError:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind.Transient()
	}
	return false
}

// Request is a single completion request. Model is filled by the dispatcher
// with the candidate being attempted.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	MaxTokens    int
}

// Response is a completed generation.
type Response struct {
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider generates completions.
type Provider interface {
	Send(ctx context.Context, req Request) (Response, error)
}

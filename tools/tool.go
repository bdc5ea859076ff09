package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Finding is one structured result returned by a tool invocation.
type Finding struct {
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	SourceURL string `json:"source_url"`
}

// Tool wraps one external information source behind a uniform capability.
// Implementations must be stateless and safe for concurrent invocation.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, query string, maxResults int) ([]Finding, error)
}

// UnavailableError marks a transient provider failure (timeout, rate limit,
// transport error). Callers may retry.
type UnavailableError struct {
	Tool string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("tool %s unavailable: %v", e.Tool, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError marks a permanent provider rejection (malformed query,
// unauthorized, unsupported request). Retrying will not help.
type RejectedError struct {
	Tool string
	Err  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tool %s rejected request: %v", e.Tool, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a transient tool failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsRejected reports whether err is a permanent tool rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// ClassifyStatus maps a provider HTTP status code onto the two-class
// failure taxonomy. 429 and 5xx are retryable; any other non-2xx is not.
func ClassifyStatus(tool string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %d (%s)", status, http.StatusText(status))
	if status == http.StatusTooManyRequests || status >= 500 {
		return &UnavailableError{Tool: tool, Err: err}
	}
	return &RejectedError{Tool: tool, Err: err}
}

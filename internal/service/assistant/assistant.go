package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
)

var (
	ErrNotConfigured    = errors.New("assistant is not configured")
	ErrSessionIDMissing = errors.New("assistant session id is required")
)

// Assistant is the conversational backend behind the avatar.
type Assistant interface {
	CreateSession(ctx context.Context) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Message(ctx context.Context, req *assistantmodel.MessageRequest) (*assistantmodel.MessageResponse, error)
}

// APIError is a non-2xx reply from the assistant service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("assistant returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("assistant returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable classifies err as transient: rate limiting, server errors and
// network failures. Caller cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrTimeout is returned when the backend did not answer in time.
var ErrTimeout = errors.New("language model request timed out")

// TransportError wraps a failure to reach the backend at all.
type TransportError struct {
	Backend string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport error: %v", e.Backend, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-success HTTP answer from the backend.
type StatusError struct {
	Backend string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.Code, e.Message)
}

// classify maps SDK errors onto the package error types. Caller
// cancellation is passed through unchanged.
func classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, backend, err)
	}

	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		msg := oaiErr.Message
		if msg == "" {
			msg = oaiErr.Error()
		}
		return &StatusError{Backend: backend, Code: oaiErr.StatusCode, Message: msg}
	}

	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return &StatusError{Backend: backend, Code: antErr.StatusCode, Message: antErr.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, backend, err)
	}

	return &TransportError{Backend: backend, Err: err}
}

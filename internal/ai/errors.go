package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/ollama/ollama/api"
)

// VisionError reports a failed vision call, including exhausted retries.
type VisionError struct {
	Msg string
	Err error
}

func (e *VisionError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *VisionError) Unwrap() error { return e.Err }

// EmbeddingError reports a failed embedding call or a vector of the wrong size.
type EmbeddingError struct {
	Msg      string
	Expected int
	Actual   int
	Err      error
}

func (e *EmbeddingError) Error() string {
	switch {
	case e.Expected > 0 && e.Actual != e.Expected:
		return fmt.Sprintf("%s: got %d dimensions, expected %d", e.Msg, e.Actual, e.Expected)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// isTransient reports transport failures worth retrying: timeouts, refused
// connections and server-side model errors. Application errors are final.
func isTransient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= http.StatusInternalServerError {
		return true
	}
	return false
}

// modelNotFound reports whether the model server does not have the model pulled.
func modelNotFound(err error) bool {
	var statusErr api.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

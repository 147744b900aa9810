package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrGatewayTimeout indicates a provider call ran out of time.
	ErrGatewayTimeout = errors.New("gateway timeout")

	// ErrEmbedding indicates the embedding provider failed.
	ErrEmbedding = errors.New("embedding failed")

	// ErrExtraction indicates the extraction provider failed or returned
	// an answer that could not be parsed.
	ErrExtraction = errors.New("extraction failed")
)

// classify wraps a provider error as ErrGatewayTimeout when it was caused by
// a deadline, or as kind otherwise. Errors already classified are returned
// unchanged, and a caller cancellation is never reported as a timeout.
func classify(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGatewayTimeout) || errors.Is(err, kind) {
		return err
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %s: %w", ErrGatewayTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

// IsTimeout reports whether err was caused by a deadline rather than by the
// provider rejecting the request.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrGatewayTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

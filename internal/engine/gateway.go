package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/observability"
)

// callGateway runs fn and retries it at most retries times when the
// provider failed. Caller cancellation and errors that are not gateway
// failures are returned at once.
func callGateway[T any](ctx context.Context, retries int, op string, logger *zap.Logger, metrics *observability.Metrics, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		metrics.ObserveGatewayError(gatewayErrorKind(err))
		if !isGatewayError(err) || errors.Is(err, llm.ErrCircuitOpen) || ctx.Err() != nil {
			return out, err
		}
		if attempt < retries {
			logger.Warn("retrying gateway call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}
	return out, err
}

func isGatewayError(err error) bool {
	return errors.Is(err, llm.ErrGatewayTimeout) ||
		errors.Is(err, llm.ErrEmbedding) ||
		errors.Is(err, llm.ErrExtraction)
}

func gatewayErrorKind(err error) string {
	switch {
	case errors.Is(err, llm.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, llm.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, llm.ErrEmbedding):
		return "embedding"
	case errors.Is(err, llm.ErrExtraction):
		return "extraction"
	default:
		return "other"
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
)

// maxBodyBytes bounds ingest request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error response format for the API:
// {"error":{"code":"...","message":"..."}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries a stable machine-readable code and a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code string, err error) {
	respondJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: err.Error()}})
}

// statusFor maps engine errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrConcurrentUpdateConflict):
		return http.StatusConflict, "concurrent_update_conflict"
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, storage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_started"
	case errors.Is(err, llm.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "gateway_circuit_open"
	case errors.Is(err, llm.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "gateway_timeout"
	case errors.Is(err, llm.ErrEmbedding):
		return http.StatusBadGateway, "embedding_failed"
	case errors.Is(err, llm.ErrExtraction):
		return http.StatusBadGateway, "extraction_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

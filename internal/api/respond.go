package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/SirClappington/runengine/internal/engine"
	"github.com/SirClappington/runengine/internal/workerqueue"
)

const maxBody = 4 << 20

type errorBody struct {
	Error            string `json:"error"`
	LatestSnapshotID string `json:"latestSnapshotId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, workerqueue.ErrInvalidOverrides), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case engine.IsConcurrentModification(err), errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var cm *engine.ConcurrentModificationError
	if errors.As(err, &cm) {
		body.LatestSnapshotID = cm.LatestSnapshotID
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

var errBadRequest = errors.New("bad request")

// decode reads a JSON body into v. An empty body leaves v as it is.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(body) > 0 && !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", errBadRequest)
	}
	return body, nil
}

func badRequest(err error) error { return fmt.Errorf("%w: %v", errBadRequest, err) }

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

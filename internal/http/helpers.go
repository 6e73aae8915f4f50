package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"ledgersync/internal/core"
	"ledgersync/internal/log"
)

// HeaderOwnerID carries the caller's owner id on every /api request.
const HeaderOwnerID = "X-Owner-ID"

const maxBodyBytes = 64 << 10

type ctxKey string

const ownerKey ctxKey = "owner_id"

var validationErrors = []error{
	core.ErrInvalidAmount,
	core.ErrNegativeAmount,
	core.ErrEmptyCategory,
	core.ErrEmptyName,
	core.ErrInvalidTxType,
	core.ErrInvalidPeriod,
	core.ErrZeroDate,
	core.ErrDescriptionLength,
}

func ownerHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderOwnerID))
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// withOwner rejects requests without a valid owner id. Streams may pass
// the owner as a query parameter since EventSource cannot set headers.
func (s *Server) withOwner(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ownerHeader(r)
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("owner"))
		}
		if err := s.detector.CheckOwnerID(owner); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		logger := log.FromContext(ctx).With(log.FieldOwnerID, owner)
		ctx = context.WithValue(ctx, log.LoggerContextKey, logger)
		next(w, r.WithContext(ctx))
	})
}

func pathKind(w http.ResponseWriter, r *http.Request) (core.Kind, bool) {
	kind, err := core.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return 0, false
	}
	return kind, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrPendingDelete):
		return http.StatusConflict
	case errors.Is(err, core.ErrEmptyOwner), errors.Is(err, core.ErrKindMismatch):
		return http.StatusBadRequest
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// failure logs server-side errors and writes the mapped status.
func failure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.NewStructuredLogger(log.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, log.ComponentHTTP, op, nil)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

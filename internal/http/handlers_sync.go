package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ledgersync/internal/core"
	"ledgersync/internal/log"
	"ledgersync/internal/queue"
)

type pendingResponse struct {
	OwnerID string `json:"owner_id"`
	Count   int    `json:"count"`
}

type lastRunResponse struct {
	OwnerID    string    `json:"owner_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Changes    int       `json:"changes"`
	Errors     int       `json:"errors"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	n, err := s.deps.Pending.Count(r.Context(), owner)
	if err != nil {
		failure(w, r, "pending", err)
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse{OwnerID: owner, Count: n})
}

// handlePendingStream serves the pending count as server-sent events. The
// current value is sent first, then every change.
func (s *Server) handlePendingStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	owner := ownerFrom(ctx)
	updates, cancel := s.deps.Pending.Subscribe(ctx, owner)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := log.FromContext(ctx)
	logger.DebugContext(ctx, "Pending stream opened")
	defer logger.DebugContext(ctx, "Pending stream closed")

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-s.streamsDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, snap queue.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: pending\ndata: %s\n\n", data)
	return err
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	res, err := s.deps.Syncer.SyncNow(r.Context(), owner)
	if err != nil {
		failure(w, r, "sync", err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Manual sync finished",
		log.FieldStatus, res.Status.String(),
		log.FieldChanges, res.Changes(),
		log.FieldPending, res.Pending)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLastSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusNotFound, "sync history unavailable")
		return
	}
	run, err := s.deps.Runs.LastRun(r.Context(), ownerFrom(r.Context()))
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no sync recorded yet")
		return
	}
	if err != nil {
		failure(w, r, "last_sync", err)
		return
	}
	writeJSON(w, http.StatusOK, lastRunResponse{
		OwnerID:    run.OwnerID,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		DurationMs: run.Duration.Milliseconds(),
		Changes:    run.Changes,
		Errors:     run.Errors,
	})
}

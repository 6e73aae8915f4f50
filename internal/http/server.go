package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ledgersync/internal/connectivity"
	"ledgersync/internal/core"
	"ledgersync/internal/log"
	"ledgersync/internal/middleware/ratelimit"
	"ledgersync/internal/middleware/security"
	"ledgersync/internal/middleware/trace"
	"ledgersync/internal/queue"
	"ledgersync/internal/services"
	"ledgersync/internal/storage"
)

// Entities is the user-facing CRUD surface.
type Entities interface {
	Create(ctx context.Context, ownerID string, fields core.Fields) (core.Entity, error)
	Get(ctx context.Context, ownerID, id string) (core.Entity, error)
	List(ctx context.Context, ownerID string, kind core.Kind) ([]core.Entity, error)
	Update(ctx context.Context, ownerID, id string, patch core.Patch) (core.Entity, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// PendingCounts exposes the pending operation queue.
type PendingCounts interface {
	Count(ctx context.Context, ownerID string) (int, error)
	Subscribe(ctx context.Context, ownerID string) (<-chan queue.Snapshot, func())
}

// Syncer runs a full sync on the caller's goroutine.
type Syncer interface {
	SyncNow(ctx context.Context, ownerID string) (*services.SyncResult, error)
}

// RunHistory returns the last recorded sync for an owner.
type RunHistory interface {
	LastRun(ctx context.Context, ownerID string) (storage.SyncRun, error)
}

// NetworkState reports the connectivity monitor's view.
type NetworkState interface {
	State() connectivity.State
	Transport() string
}

// Deps bundles what the API needs. Network and Runs may be nil.
type Deps struct {
	Entities          Entities
	Pending           PendingCounts
	Syncer            Syncer
	Runs              RunHistory
	Network           NetworkState
	Logger            *log.Logger
	SyncRatePerMinute int
}

// Server is the local JSON API.
type Server struct {
	http.Server
	deps        Deps
	limiter     *ratelimit.Limiter
	detector    *security.Detector
	tracer      *trace.Middleware
	heartbeat   time.Duration
	streamsDone chan struct{}

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = log.New(log.DefaultConfig())
	}
	logger := deps.Logger.WithComponent(log.ComponentHTTP)
	detector := security.NewDetector()

	s := &Server{
		deps:        deps,
		limiter:     ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.SyncRatePerMinute}),
		detector:    detector,
		tracer:      trace.NewMiddleware(logger, detector.ExtractClientIP),
		heartbeat:   15 * time.Second,
		streamsDone: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("GET /api/pending", s.withOwner(s.handlePending))
	mux.Handle("GET /api/pending/stream", s.withOwner(s.handlePendingStream))
	mux.Handle("POST /api/sync", s.limiter.Middleware(ownerHeader, s.onRateLimited)(s.withOwner(s.handleSync)))
	mux.Handle("GET /api/sync/last", s.withOwner(s.handleLastSync))

	mux.Handle("GET /api/{kind}", s.withOwner(s.handleList))
	mux.Handle("POST /api/{kind}", s.withOwner(s.handleCreate))
	mux.Handle("GET /api/{kind}/{id}", s.withOwner(s.handleGet))
	mux.Handle("PATCH /api/{kind}/{id}", s.withOwner(s.handleUpdate))
	mux.Handle("DELETE /api/{kind}/{id}", s.withOwner(s.handleDelete))

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	var handler http.Handler = mux
	handler = s.tracer.Middleware(handler)
	handler = headers.Middleware(handler)
	handler = log.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Shutdown ends open streams, stops the limiter and drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.streamsDone)
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.deps.Network != nil {
		body["connectivity"] = s.deps.Network.State().String()
		if t := s.deps.Network.Transport(); t != "" {
			body["transport"] = t
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Manual sync rate limited", log.FieldOwnerID, r.Header.Get(HeaderOwnerID))
	writeError(w, http.StatusTooManyRequests, "too many sync requests, try again later")
}

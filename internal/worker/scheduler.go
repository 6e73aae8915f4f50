// Package worker decides when full syncs run: shortly after local edits,
// on reconnect, at startup and optionally on a safety-net interval.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/services"
)

// Syncer runs one full sync for an owner.
type Syncer interface {
	FullSync(ctx context.Context, ownerID string) (*services.SyncResult, error)
}

// OwnerSource lists owners known to the local store.
type OwnerSource interface {
	Owners(ctx context.Context) ([]string, error)
	PendingOwners(ctx context.Context) ([]string, error)
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	// Debounce coalesces bursts of edits into one sync (default: 250ms)
	Debounce time.Duration

	// SafetyInterval syncs owners with pending entities periodically, in
	// case a trigger was missed (default: 0, disabled)
	SafetyInterval time.Duration

	// StartupSync syncs every known owner when the scheduler starts (default: true)
	StartupSync bool

	// RetryBackoff is the first delay before re-running a sync that left
	// transient failures behind. It doubles per attempt up to MaxRetryBackoff
	// (defaults: 5s and 5m). Zero disables retries.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Debounce:        250 * time.Millisecond,
		StartupSync:     true,
		RetryBackoff:    5 * time.Second,
		MaxRetryBackoff: 5 * time.Minute,
	}
}

type Scheduler struct {
	syncer Syncer
	owners OwnerSource
	config SchedulerConfig

	// Lifecycle management
	mu      sync.Mutex
	running bool
	ctx     context.Context
	stopCh  chan struct{}
	doneCh  chan struct{}
	timers  map[string]*time.Timer
	known   map[string]struct{}
	wg      sync.WaitGroup

	// Per owner: syncs this scheduler has in flight, requests that hit
	// AlreadyInProgress meanwhile, and consecutive transient retries.
	inflight map[string]int
	dirty    map[string]bool
	retries  map[string]int
}

func NewScheduler(syncer Syncer, owners OwnerSource, config SchedulerConfig) *Scheduler {
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.RetryBackoff > 0 && config.MaxRetryBackoff < config.RetryBackoff {
		config.MaxRetryBackoff = config.RetryBackoff
	}
	return &Scheduler{
		syncer:   syncer,
		owners:   owners,
		config:   config,
		timers:   make(map[string]*time.Timer),
		known:    make(map[string]struct{}),
		inflight: make(map[string]int),
		dirty:    make(map[string]bool),
		retries:  make(map[string]int),
	}
}

// Start begins background scheduling. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.ctx = ctx
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Sync scheduler started",
		"debounce", s.config.Debounce,
		"safety_interval", s.config.SafetyInterval)
	return nil
}

// Stop cancels queued triggers and waits for running syncs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for owner, t := range s.timers {
		t.Stop()
		delete(s.timers, owner)
	}
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-s.doneCh
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.InfoContext(ctx, "Sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Request asks for a sync of owner soon. Calls within the debounce window
// collapse into one sync. It never blocks.
func (s *Scheduler) Request(ownerID string) {
	if ownerID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[ownerID] = struct{}{}
	s.armLocked(ownerID, s.config.Debounce, true)
}

// armLocked schedules a sync of owner after delay. With reset set an
// already queued sync is pushed back to delay, otherwise it is kept.
func (s *Scheduler) armLocked(ownerID string, delay time.Duration, reset bool) {
	if !s.running {
		return
	}
	if t, ok := s.timers[ownerID]; ok {
		if reset {
			t.Reset(delay)
		}
		return
	}
	s.timers[ownerID] = time.AfterFunc(delay, func() { s.fire(ownerID) })
}

func (s *Scheduler) fire(ownerID string) {
	s.mu.Lock()
	delete(s.timers, ownerID)
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	defer s.wg.Done()
	s.syncOwner(ctx, ownerID, "debounce")
}

// HandleReconnect syncs every known owner and every owner with pending
// entities. It is meant to be registered with the connectivity monitor.
func (s *Scheduler) HandleReconnect(ctx context.Context) {
	owners, err := s.candidates(ctx, false)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list owners after reconnect", "error", err)
		return
	}
	slog.InfoContext(ctx, "Reconnected, scheduling sync", "owners", len(owners))
	s.launchAll(owners, "reconnect")
}

// SyncNow runs a sync for owner on the caller's goroutine.
func (s *Scheduler) SyncNow(ctx context.Context, ownerID string) (*services.SyncResult, error) {
	s.mu.Lock()
	s.known[ownerID] = struct{}{}
	s.mu.Unlock()
	return s.run(ctx, ownerID)
}

// run calls FullSync and makes sure no request is lost to it: a request
// that found a sync in flight is replayed once that sync is over, and a
// run that left transient failures behind is retried with backoff.
func (s *Scheduler) run(ctx context.Context, ownerID string) (*services.SyncResult, error) {
	s.mu.Lock()
	s.inflight[ownerID]++
	s.mu.Unlock()

	res, err := s.syncer.FullSync(ctx, ownerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[ownerID]--
	if s.inflight[ownerID] == 0 {
		delete(s.inflight, ownerID)
	}
	if err != nil {
		return res, err
	}

	if res.Status == services.StatusAlreadyInProgress {
		if s.inflight[ownerID] > 0 {
			// One of ours is running and replays the request when done.
			s.dirty[ownerID] = true
		} else {
			s.armLocked(ownerID, s.config.Debounce, false)
		}
		return res, nil
	}
	if !res.Status.Ran() {
		return res, nil
	}

	if res.Retryable() && s.config.RetryBackoff > 0 {
		delay := s.retryDelay(s.retries[ownerID])
		s.retries[ownerID]++
		slog.InfoContext(ctx, "Transient sync failures, retrying later",
			"owner_id", ownerID,
			"attempt", s.retries[ownerID],
			"backoff", delay)
		s.armLocked(ownerID, delay, false)
	} else {
		delete(s.retries, ownerID)
	}
	if s.dirty[ownerID] {
		delete(s.dirty, ownerID)
		s.armLocked(ownerID, s.config.Debounce, true)
	}
	return res, nil
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	d := s.config.RetryBackoff
	for i := 0; i < attempt && d < s.config.MaxRetryBackoff; i++ {
		d *= 2
	}
	if d > s.config.MaxRetryBackoff {
		d = s.config.MaxRetryBackoff
	}
	return d
}

// StartupSyncCheck syncs every owner that has local data. This recovers
// edits made while no scheduler was running.
func (s *Scheduler) StartupSyncCheck(ctx context.Context) error {
	owners, err := s.candidates(ctx, true)
	if err != nil {
		return fmt.Errorf("list owners for startup sync: %w", err)
	}
	if len(owners) == 0 {
		slog.InfoContext(ctx, "No local owners found on startup")
		return nil
	}
	slog.InfoContext(ctx, "Running startup sync", "owners", len(owners))
	for _, owner := range owners {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.syncOwner(ctx, owner, "startup")
	}
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	if s.config.StartupSync {
		if err := s.StartupSyncCheck(ctx); err != nil {
			slog.ErrorContext(ctx, "Startup sync failed", "error", err)
		}
	}

	if s.config.SafetyInterval <= 0 {
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(s.config.SafetyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			owners, err := s.owners.PendingOwners(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to list pending owners", "error", err)
				continue
			}
			for _, owner := range owners {
				s.syncOwner(ctx, owner, "safety_net")
			}
		}
	}
}

func (s *Scheduler) launchAll(owners []string, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for _, owner := range owners {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncOwner(s.ctx, owner, trigger)
		}()
	}
}

// candidates merges owners seen by this process with owners from the
// store. With all set, every owner with local data is included, else only
// owners with pending entities.
func (s *Scheduler) candidates(ctx context.Context, all bool) ([]string, error) {
	var (
		stored []string
		err    error
	)
	if all {
		stored, err = s.owners.Owners(ctx)
	} else {
		stored, err = s.owners.PendingOwners(ctx)
	}
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(stored))
	for _, o := range stored {
		set[o] = struct{}{}
	}
	s.mu.Lock()
	for o := range s.known {
		set[o] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Scheduler) syncOwner(ctx context.Context, ownerID, trigger string) {
	res, err := s.run(ctx, ownerID)
	if err != nil {
		slog.ErrorContext(ctx, "Scheduled sync failed",
			"owner_id", ownerID,
			"trigger", trigger,
			"error", err)
		return
	}
	slog.DebugContext(ctx, "Scheduled sync done",
		"owner_id", ownerID,
		"trigger", trigger,
		"status", res.Status.String(),
		"pending", res.Pending)
}

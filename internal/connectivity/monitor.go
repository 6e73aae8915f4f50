// Package connectivity tracks whether the remote store is reachable and
// announces the moment connectivity comes back.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ledgersync/internal/audit"
)

type State int

const (
	Offline State = iota
	Connecting
	Online
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Signal is one reachability observation from the platform.
type Signal struct {
	Reachable bool
	Transport string
}

// Source emits edge-triggered signals until ctx is done.
type Source interface {
	Signals(ctx context.Context) <-chan Signal
}

// Prober answers a one-off reachability question.
type Prober interface {
	Probe(ctx context.Context) Signal
}

type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Transport string    `json:"transport,omitempty"`
	At        time.Time `json:"at"`
}

// ReconnectFunc runs after every Offline to Online edge.
type ReconnectFunc func(ctx context.Context)

// MonitorConfig holds configuration for the monitor
type MonitorConfig struct {
	// Grace is how long the monitor stays Connecting before Online (default: 2s)
	Grace time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{Grace: 2 * time.Second}
}

const subscriberBuffer = 16

// Monitor is the Offline -> Connecting -> Online state machine. Losing
// reachability moves to Offline immediately from any state.
type Monitor struct {
	config MonitorConfig
	audit  audit.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	transport string
	gen       uint64
	timer     *time.Timer
	subs      map[int]chan Transition
	nextID    int
	reconnect []ReconnectFunc
}

func NewMonitor(config MonitorConfig, auditLog audit.Logger) *Monitor {
	if config.Grace < 0 {
		config.Grace = 0
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	return &Monitor{
		config: config,
		audit:  auditLog,
		now:    time.Now,
		state:  Offline,
		subs:   make(map[int]chan Transition),
	}
}

// Init sets the initial state from a single probe. It does not count as a
// reconnect.
func (m *Monitor) Init(ctx context.Context, p Prober) State {
	sig := p.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = sig.Transport
	if sig.Reachable {
		m.state = Online
	} else {
		m.state = Offline
	}
	slog.InfoContext(ctx, "Connectivity initialized",
		"state", m.state.String(),
		"transport", sig.Transport)
	return m.state
}

// Run feeds signals from src into the state machine until ctx is done or
// src closes its channel.
func (m *Monitor) Run(ctx context.Context, src Source) {
	signals := src.Signals(ctx)
	for {
		select {
		case <-ctx.Done():
			m.stopTimer()
			return
		case sig, ok := <-signals:
			if !ok {
				m.stopTimer()
				return
			}
			m.Handle(ctx, sig)
		}
	}
}

// Handle applies one signal.
func (m *Monitor) Handle(ctx context.Context, sig Signal) {
	m.mu.Lock()
	from := m.state
	m.transport = sig.Transport

	if !sig.Reachable {
		if from == Offline {
			m.mu.Unlock()
			return
		}
		m.gen++
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		t := m.moveLocked(Offline)
		m.mu.Unlock()
		m.announce(ctx, t)
		return
	}

	if from != Offline {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	t := m.moveLocked(Connecting)
	if m.config.Grace > 0 {
		m.timer = time.AfterFunc(m.config.Grace, func() { m.promote(context.WithoutCancel(ctx), gen) })
	}
	m.mu.Unlock()
	m.announce(ctx, t)

	if m.config.Grace == 0 {
		m.promote(ctx, gen)
	}
}

// promote completes Connecting -> Online unless a newer signal arrived.
func (m *Monitor) promote(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	t := m.moveLocked(Online)
	fns := make([]ReconnectFunc, len(m.reconnect))
	copy(fns, m.reconnect)
	m.mu.Unlock()

	m.announce(ctx, t)
	slog.InfoContext(ctx, "Connectivity regained", "transport", t.Transport)
	for _, fn := range fns {
		fn(ctx)
	}
}

// moveLocked must be called with mu held.
func (m *Monitor) moveLocked(to State) Transition {
	t := Transition{From: m.state, To: to, Transport: m.transport, At: m.now()}
	m.state = to
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			slog.Warn("Dropping connectivity transition for slow subscriber",
				"from", t.From.String(),
				"to", t.To.String())
		}
	}
	return t
}

func (m *Monitor) announce(ctx context.Context, t Transition) {
	slog.InfoContext(ctx, "Connectivity changed",
		"from", t.From.String(),
		"to", t.To.String(),
		"transport", t.Transport)
	m.audit.Log(ctx, audit.EventConnectivity, map[string]any{
		"from":      t.From.String(),
		"to":        t.To.String(),
		"transport": t.Transport,
	})
}

func (m *Monitor) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// Offline reports whether the last signal said the network is unreachable.
// Connecting counts as reachable.
func (m *Monitor) Offline() bool {
	return m.State() == Offline
}

// Subscribe returns a channel of future transitions.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// OnReconnect registers fn for every Offline to Online edge.
func (m *Monitor) OnReconnect(fn ReconnectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnect = append(m.reconnect, fn)
}

package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"

	"ledgersync/internal/remote"
)

const defaultProbeTimeout = 3 * time.Second

// DialProber considers the network reachable when a TCP connection to Addr
// can be opened.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) Signal {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		slog.DebugContext(ctx, "Reachability probe failed", "addr", p.Addr, "error", err)
		return Signal{Reachable: false}
	}
	defer conn.Close()
	return Signal{Reachable: true, Transport: transportOf(conn)}
}

// transportOf labels a connection by the family of its local address.
func transportOf(conn net.Conn) string {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return "tcp"
	}
	if addr.IP.IsLoopback() {
		return "loopback"
	}
	if addr.IP.To4() != nil {
		return "ipv4"
	}
	return "ipv6"
}

// PingProber asks the remote adapter itself.
type PingProber struct {
	Pinger    remote.Pinger
	Timeout   time.Duration
	Transport string
}

func (p PingProber) Probe(ctx context.Context) Signal {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.Pinger.Ping(ctx); err != nil {
		slog.DebugContext(ctx, "Remote ping failed", "error", err)
		return Signal{Reachable: false}
	}
	transport := p.Transport
	if transport == "" {
		transport = "remote"
	}
	return Signal{Reachable: true, Transport: transport}
}

// PollingSource turns periodic probes into edge-triggered signals: a
// signal is emitted only when reachability changes.
type PollingSource struct {
	Prober   Prober
	Interval time.Duration
}

func (s PollingSource) Signals(ctx context.Context) <-chan Signal {
	out := make(chan Signal, 1)
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := s.Prober.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sig := s.Prober.Probe(ctx)
				if sig.Reachable == last.Reachable {
					continue
				}
				last = sig
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ChanSource adapts a plain channel, e.g. fed by a platform callback.
type ChanSource chan Signal

func (c ChanSource) Signals(context.Context) <-chan Signal { return c }

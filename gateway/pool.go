package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// connectFailureThreshold is the number of consecutive connect failures
	// that triggers a full pool rebuild.
	connectFailureThreshold = 3
	// maxRebuildAttempts bounds rebuilds; past the ceiling the pool stays
	// degraded until explicitly re-initialized.
	maxRebuildAttempts = 3

	poolMetricsInterval = 60 * time.Second
)

// Pool owns a bounded set of live database connections. Free connections sit
// in a buffered channel; checked-out connections are tracked in a map guarded
// by one mutex. The invariant |checked_out| + |free| <= ConnectionLimit holds
// after every operation, and the lock is never held across connect I/O.
type Pool struct {
	cfg  Config
	dial Dialer

	free chan Conn

	mu              sync.Mutex
	checkedOut      map[Conn]struct{}
	created         int // checked out + free + creations in flight
	closed          bool
	connectFailures int
	rebuildAttempts int
	rebuilding      bool

	stopMetrics chan struct{}
	stopOnce    sync.Once
}

// NewPool creates a pool and eagerly establishes ConnectionLimit sessions.
// If any connect fails, everything created so far is closed and the error
// propagates.
func NewPool(ctx context.Context, cfg Config, dial Dialer) (*Pool, error) {
	if cfg.ConnectionLimit < 1 {
		cfg.ConnectionLimit = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	p := &Pool{
		cfg:         cfg,
		dial:        dial,
		free:        make(chan Conn, cfg.ConnectionLimit),
		checkedOut:  make(map[Conn]struct{}),
		stopMetrics: make(chan struct{}),
	}
	slog.Info("Initializing connection pool.", "host", cfg.Host, "limit", cfg.ConnectionLimit)
	for i := 0; i < cfg.ConnectionLimit; i++ {
		conn, err := dial(ctx)
		if err != nil {
			p.drainAndCloseFree()
			return nil, err
		}
		p.free <- conn
		p.created++
	}
	go p.metricsLoop()
	return p, nil
}

// Acquire returns a free connection, creating one when the pool is below its
// limit, or fails with ErrAcquireTimeout after the configured bounded wait.
// On any failure path the checked-out accounting is left unchanged.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	var conn Conn
	select {
	case conn = <-p.free:
	default:
		c, created, err := p.createBelowLimit(ctx)
		if err != nil {
			return nil, err
		}
		if created {
			conn = c
		} else {
			// At capacity: bounded wait for a release.
			timer := time.NewTimer(p.cfg.AcquireTimeout)
			defer timer.Stop()
			select {
			case conn = <-p.free:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				poolAcquireTimeoutsCounter.Inc()
				return nil, ErrAcquireTimeout
			}
		}
	}

	// Health check: transparently replace a connection that died in the
	// free set. The dead slot is dropped before dialing so a failed
	// replacement leaves zero net change in the accounting.
	if conn.Closed() {
		_ = conn.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		replacement, created, err := p.createBelowLimit(ctx)
		if err != nil {
			return nil, err
		}
		if !created {
			// A concurrent acquire took the freed slot: fall back to
			// the bounded wait for a release.
			timer := time.NewTimer(p.cfg.AcquireTimeout)
			defer timer.Stop()
			select {
			case replacement = <-p.free:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				poolAcquireTimeoutsCounter.Inc()
				return nil, ErrAcquireTimeout
			}
		}
		conn = replacement
	}

	p.mu.Lock()
	p.checkedOut[conn] = struct{}{}
	p.observeLocked()
	p.mu.Unlock()
	return conn, nil
}

// createBelowLimit dials a new connection when the pool has spare capacity.
// The slot is reserved before dialing and returned on failure, so connect
// errors never leak a phantom slot. created reports whether a connection was
// made; false with a nil error means the pool is at capacity.
func (p *Pool) createBelowLimit(ctx context.Context) (Conn, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}
	if p.created >= p.cfg.ConnectionLimit {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.created++
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		poolConnectFailuresCounter.Inc()
		p.mu.Lock()
		p.created--
		p.connectFailures++
		shouldRebuild := p.connectFailures >= connectFailureThreshold &&
			p.rebuildAttempts < maxRebuildAttempts && !p.rebuilding
		if shouldRebuild {
			p.rebuilding = true
			p.rebuildAttempts++
		}
		p.mu.Unlock()
		if shouldRebuild {
			p.rebuild(ctx)
		}
		return nil, false, err
	}

	p.mu.Lock()
	p.connectFailures = 0
	p.mu.Unlock()
	return conn, true, nil
}

// rebuild closes every free connection and recreates sessions from zero, up
// to the limit minus what callers still hold. Called without the lock held.
func (p *Pool) rebuild(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.rebuilding = false
		p.mu.Unlock()
	}()

	poolRebuildsCounter.Inc()
	slog.Warn("Rebuilding connection pool after repeated connect failures.",
		"attempt", p.rebuildAttempts, "max", maxRebuildAttempts)

	closed := p.drainAndCloseFree()
	p.mu.Lock()
	p.created -= closed
	target := p.cfg.ConnectionLimit - p.created
	p.mu.Unlock()

	for i := 0; i < target; i++ {
		conn, err := p.dial(ctx)
		if err != nil {
			poolConnectFailuresCounter.Inc()
			slog.Error("Pool rebuild stopped on connect failure.", "error", err, "recreated", i)
			return
		}
		p.mu.Lock()
		p.created++
		p.connectFailures = 0
		p.mu.Unlock()
		p.free <- conn
	}
	slog.Info("Connection pool rebuilt.", "connections", target)
}

// Release returns a checked-out connection to the free set. Releasing a
// connection the pool does not track is logged and ignored. A connection
// that died while lent out is replaced before rejoining the free set; when
// replacement fails the slot is dropped and the pool temporarily shrinks.
func (p *Pool) Release(conn Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if _, ok := p.checkedOut[conn]; !ok {
		p.mu.Unlock()
		slog.Warn("Ignoring release of unmanaged connection.")
		return
	}
	delete(p.checkedOut, conn)
	p.mu.Unlock()

	if conn.Closed() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		replacement, err := p.dial(ctx)
		cancel()
		if err != nil {
			poolConnectFailuresCounter.Inc()
			p.mu.Lock()
			p.created--
			p.connectFailures++
			p.observeLocked()
			p.mu.Unlock()
			slog.Warn("Dropped pool slot: could not replace closed connection.", "error", err)
			return
		}
		conn = replacement
	}

	select {
	case p.free <- conn:
	default:
		// Free set full; only reachable if bookkeeping was corrupted.
		_ = conn.Close()
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.observeLocked()
	p.mu.Unlock()
}

// CloseAll drains and closes every free connection, closes every
// still-checked-out connection, and clears all bookkeeping. Idempotent.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	checkedOut := make([]Conn, 0, len(p.checkedOut))
	for conn := range p.checkedOut {
		checkedOut = append(checkedOut, conn)
	}
	p.checkedOut = make(map[Conn]struct{})
	p.created = 0
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopMetrics) })

	p.drainAndCloseFree()
	for _, conn := range checkedOut {
		if err := conn.Close(); err != nil {
			slog.Warn("Failed to close checked-out connection during shutdown.", "error", err)
		}
	}
	observePoolOccupancy(0, 0)
	slog.Info("Connection pool closed.")
}

// Stats reports the current checked-out and free counts.
func (p *Pool) Stats() (checkedOut, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkedOut), len(p.free)
}

func (p *Pool) drainAndCloseFree() int {
	closed := 0
	for {
		select {
		case conn := <-p.free:
			if err := conn.Close(); err != nil {
				slog.Warn("Failed to close free connection.", "error", err)
			}
			closed++
		default:
			return closed
		}
	}
}

// observeLocked updates the occupancy gauges. Caller holds p.mu.
func (p *Pool) observeLocked() {
	observePoolOccupancy(len(p.checkedOut), len(p.free))
}

// metricsLoop periodically logs pool occupancy for operational visibility.
func (p *Pool) metricsLoop() {
	ticker := time.NewTicker(poolMetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMetrics:
			return
		case <-ticker.C:
			checkedOut, free := p.Stats()
			slog.Debug("Pool status.",
				"checked_out", checkedOut, "free", free, "capacity", p.cfg.ConnectionLimit)
		}
	}
}

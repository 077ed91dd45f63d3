package gateway

import (
	"context"
	"strconv"
	"time"
)

const (
	defaultMaxConcurrentQueries = 4
	defaultMaxQueryWait         = 5 * time.Second
)

// Limiter is a counting admission gate bounding concurrent query execution,
// independent of how many pooled connections are available. Callers that
// cannot get a slot within the bounded wait are rejected with
// ErrTooManyQueries rather than queued indefinitely.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration
}

// NewLimiter creates a limiter admitting up to limit concurrent queries.
func NewLimiter(limit int, maxWait time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	if maxWait <= 0 {
		maxWait = defaultMaxQueryWait
	}
	return &Limiter{
		slots:   make(chan struct{}, limit),
		maxWait: maxWait,
	}
}

// LimiterFromEnv sizes a limiter from VERTIGATE_MAX_CONCURRENT_QUERIES and
// VERTIGATE_MAX_QUERY_WAIT.
func LimiterFromEnv(getenv func(string) string) *Limiter {
	limit := defaultMaxConcurrentQueries
	if v := getenv("VERTIGATE_MAX_CONCURRENT_QUERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	wait := defaultMaxQueryWait
	if v := getenv("VERTIGATE_MAX_QUERY_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			wait = d
		}
	}
	return NewLimiter(limit, wait)
}

// Acquire blocks up to the bounded wait for a slot. The returned release
// function is non-nil only on success and must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()
	select {
	case l.slots <- struct{}{}:
		var once bool
		return func() {
			if !once {
				once = true
				<-l.slots
			}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		admissionRejectsCounter.Inc()
		return nil, ErrTooManyQueries
	}
}

// Do runs fn inside an admission slot, releasing it on every exit path.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// InFlight reports the number of currently admitted queries.
func (l *Limiter) InFlight() int { return len(l.slots) }

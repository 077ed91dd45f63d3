package httpapi

import (
	"net"
	"sync"
	"time"
)

// RateLimitConfig bounds per-client request pressure on the HTTP surface.
type RateLimitConfig struct {
	// MaxFailedAttempts is the failed-auth count that triggers a ban.
	MaxFailedAttempts int
	// FailedAttemptWindow is the time window for counting failed attempts.
	FailedAttemptWindow time.Duration
	// BanDuration is how long a banned client stays rejected.
	BanDuration time.Duration
	// MaxInFlightPerIP caps concurrent requests from one IP (0 = unlimited).
	MaxInFlightPerIP int
}

// DefaultRateLimitConfig returns the production defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxFailedAttempts:   5,
		FailedAttemptWindow: 5 * time.Minute,
		BanDuration:         15 * time.Minute,
		MaxInFlightPerIP:    20,
	}
}

type clientRecord struct {
	failedAttempts []time.Time
	bannedUntil    time.Time
	inFlight       int
}

// RateLimiter tracks request and auth-failure pressure per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimitConfig
	records map[string]*clientRecord
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter starts a limiter with its background record cleanup.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  cfg,
		records: make(map[string]*clientRecord),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Close stops the cleanup goroutine. Idempotent.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// clientIP strips the port from a request's RemoteAddr.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Admit registers one in-flight request from ip. The second return is the
// rejection reason when the request must not proceed; release must be called
// exactly once otherwise.
func (rl *RateLimiter) Admit(ip string) (release func(), rejectReason string) {
	if ip == "" {
		return func() {}, ""
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)
	if !record.bannedUntil.IsZero() && time.Now().Before(record.bannedUntil) {
		remaining := time.Until(record.bannedUntil).Round(time.Second)
		return nil, "too many failed authentication attempts, try again in " + remaining.String()
	}
	if rl.config.MaxInFlightPerIP > 0 && record.inFlight >= rl.config.MaxInFlightPerIP {
		return nil, "too many concurrent requests from your address"
	}

	record.inFlight++
	return func() {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		if rec, ok := rl.records[ip]; ok && rec.inFlight > 0 {
			rec.inFlight--
		}
	}, ""
}

// RecordFailedAuth notes one failed authentication from ip and reports
// whether this failure crossed the ban threshold.
func (rl *RateLimiter) RecordFailedAuth(ip string) bool {
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	record := rl.getOrCreateRecord(ip)
	now := time.Now()
	record.failedAttempts = append(record.failedAttempts, now)

	windowStart := now.Add(-rl.config.FailedAttemptWindow)
	recent := 0
	for _, t := range record.failedAttempts {
		if t.After(windowStart) {
			recent++
		}
	}
	if recent >= rl.config.MaxFailedAttempts {
		record.bannedUntil = now.Add(rl.config.BanDuration)
		return true
	}
	return false
}

// RecordSuccessfulAuth clears failure tracking for ip.
func (rl *RateLimiter) RecordSuccessfulAuth(ip string) {
	if ip == "" {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if record, ok := rl.records[ip]; ok {
		record.failedAttempts = nil
		record.bannedUntil = time.Time{}
	}
}

// IsBanned reports whether ip is currently rejected outright.
func (rl *RateLimiter) IsBanned(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	record, ok := rl.records[ip]
	if !ok {
		return false
	}
	return !record.bannedUntil.IsZero() && time.Now().Before(record.bannedUntil)
}

func (rl *RateLimiter) getOrCreateRecord(ip string) *clientRecord {
	record, ok := rl.records[ip]
	if !ok {
		record = &clientRecord{}
		rl.records[ip] = record
	}
	return record
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup drops expired attempts, bans, and idle records so the map does not
// grow without bound.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.config.FailedAttemptWindow)
	for ip, record := range rl.records {
		var recent []time.Time
		for _, t := range record.failedAttempts {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		record.failedAttempts = recent
		if !record.bannedUntil.IsZero() && now.After(record.bannedUntil) {
			record.bannedUntil = time.Time{}
		}
		if len(record.failedAttempts) == 0 && record.bannedUntil.IsZero() && record.inFlight == 0 {
			delete(rl.records, ip)
		}
	}
}

package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/user/companion-proxy/logger"
)

// PingSender sends one liveness notification; GattServer implements it
type PingSender interface {
	SendPing() bool
}

// Pinger rate-limits pings to the companion. A ping goes out when none was sent
// since the interval was last set, or when at least minInterval has passed.
// Failed pings count as sent so a dead link is retried at the same rate.
type Pinger struct {
	sender PingSender
	now    func() time.Time

	mu          sync.Mutex
	minInterval time.Duration
	lastPing    time.Time // zero until the first ping under the current interval
}

// NewPinger creates a pinger with a zero interval (every PingIfNeeded pings)
func NewPinger(sender PingSender) *Pinger {
	return &Pinger{
		sender: sender,
		now:    time.Now,
	}
}

// SetMinPingInterval replaces the interval and makes the next PingIfNeeded ping immediately
func (p *Pinger) SetMinPingInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minInterval = interval
	p.lastPing = time.Time{}
	logger.Debug("Pinger", "Min ping interval set to %v", interval)
}

// MinPingInterval returns the current interval
func (p *Pinger) MinPingInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minInterval
}

// PingIfNeeded pings when the schedule allows it. Returns whether a ping was attempted.
func (p *Pinger) PingIfNeeded() bool {
	p.mu.Lock()
	due := p.lastPing.IsZero() || p.now().Sub(p.lastPing) >= p.minInterval
	p.mu.Unlock()

	if !due {
		return false
	}
	p.Ping()
	return true
}

// Ping sends a ping now and restarts the interval whatever the outcome
func (p *Pinger) Ping() bool {
	ok := p.sender.SendPing()
	if ok {
		logger.Trace("Pinger", "Ping sent")
	} else {
		logger.Debug("Pinger", "Ping failed")
	}

	p.mu.Lock()
	p.lastPing = p.now()
	p.mu.Unlock()
	return ok
}

// Run calls PingIfNeeded every period until ctx is done
func (p *Pinger) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PingIfNeeded()
		}
	}
}

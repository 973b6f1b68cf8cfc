// Package ratelimit enforces the per-agent submission budget: a fixed
// window counter with an escalating soft block. Counters live in
// memory under an agent-scoped mutex and are mirrored to a persistence
// backend so restarts do not erase standing blocks.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// Defaults per the pipeline configuration: 1000 requests per hour.
const (
	DefaultWindow      = time.Hour
	DefaultMaxRequests = 1000

	// blockFactor scales the window into the escalated block duration;
	// overflowFactor is the count multiple that triggers it.
	blockFactor    = 2
	overflowFactor = 1.5
)

// Config holds the window parameters.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	return c
}

// Mirror is the persistence layer behind the in-memory counters. The
// relational store is the default; a Redis mirror is available for
// deployments that want counters to survive independently of the
// primary database.
type Mirror interface {
	Save(ctx context.Context, c *contracts.RateCounter) error
	LoadAll(ctx context.Context) ([]*contracts.RateCounter, error)
	Delete(ctx context.Context, agentID string) error
}

type entry struct {
	mu      sync.Mutex
	counter contracts.RateCounter
}

// Limiter tracks and checks per-agent request counters.
type Limiter struct {
	cfg    Config
	mirror Mirror
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	agents map[string]*entry
}

// New creates a limiter over the given mirror.
func New(cfg Config, mirror Mirror, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:    cfg.withDefaults(),
		mirror: mirror,
		logger: logger,
		clock:  time.Now,
		agents: make(map[string]*entry),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Rehydrate loads persisted counters, restoring standing blocks after
// a restart.
func (l *Limiter) Rehydrate(ctx context.Context) error {
	counters, err := l.mirror.LoadAll(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range counters {
		l.agents[c.AgentID] = &entry{counter: *c}
	}
	l.logger.Info("rate limiter rehydrated", "counters", len(counters))
	return nil
}

func (l *Limiter) entryFor(agentID string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.agents[agentID]
	if !ok {
		e = &entry{counter: contracts.RateCounter{
			AgentID:     agentID,
			WindowStart: l.clock(),
			Limit:       l.cfg.MaxRequests,
		}}
		l.agents[agentID] = e
	}
	return e
}

// Track records one request for the agent, resetting the window first
// when it has elapsed. The updated counter is flushed to the mirror
// asynchronously.
func (l *Limiter) Track(ctx context.Context, agentID string) {
	e := l.entryFor(agentID)
	e.mu.Lock()
	now := l.clock()
	if now.Sub(e.counter.WindowStart) > l.cfg.Window {
		e.counter.RequestCount = 0
		e.counter.WindowStart = now
	}
	e.counter.RequestCount++
	e.counter.LastUpdate = now
	e.counter.Limit = l.cfg.MaxRequests
	snapshot := e.counter
	e.mu.Unlock()

	l.flush(snapshot)
}

// IsLimited reports whether the agent is over budget right now: a
// standing block in the future, or a window count beyond the limit.
// Crossing 1.5x the limit escalates into a block of twice the window,
// which outlives the window itself.
func (l *Limiter) IsLimited(ctx context.Context, agentID string) bool {
	e := l.entryFor(agentID)
	e.mu.Lock()
	now := l.clock()

	if e.counter.Blocked(now) {
		e.mu.Unlock()
		return true
	}
	if now.Sub(e.counter.WindowStart) > l.cfg.Window {
		e.counter.RequestCount = 0
		e.counter.WindowStart = now
		e.mu.Unlock()
		return false
	}
	count := e.counter.RequestCount
	if float64(count) > overflowFactor*float64(l.cfg.MaxRequests) {
		until := now.Add(blockFactor * l.cfg.Window)
		e.counter.BlockedUntil = &until
		snapshot := e.counter
		e.mu.Unlock()
		l.logger.Warn("agent blocked for sustained overflow",
			"agent_id", agentID, "count", count, "blocked_until", until)
		l.flush(snapshot)
		return true
	}
	e.mu.Unlock()
	return count > l.cfg.MaxRequests
}

// Reset clears the agent's counter in both layers.
func (l *Limiter) Reset(ctx context.Context, agentID string) error {
	l.mu.Lock()
	delete(l.agents, agentID)
	l.mu.Unlock()
	return l.mirror.Delete(ctx, agentID)
}

// Counter returns a copy of the agent's current counter, or nil when
// the agent has never been tracked.
func (l *Limiter) Counter(agentID string) *contracts.RateCounter {
	l.mu.Lock()
	e, ok := l.agents[agentID]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.counter
	return &c
}

// flush persists a counter snapshot without blocking the caller.
func (l *Limiter) flush(c contracts.RateCounter) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.mirror.Save(ctx, &c); err != nil {
			l.logger.Error("rate counter flush failed", "agent_id", c.AgentID, "error", err)
		}
	}()
}

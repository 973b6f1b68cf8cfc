package contracts

import "time"

// RateCounter is the per-agent fixed-window submission counter.
//
// Invariants: WindowStart <= now and RequestCount >= 0. When
// now - WindowStart exceeds the window size the counter is logically
// reset on next observation.
type RateCounter struct {
	AgentID      string     `json:"agent_id"`
	RequestCount int        `json:"request_count"`
	WindowStart  time.Time  `json:"window_start"`
	LastUpdate   time.Time  `json:"last_update"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Limit        int        `json:"limit"`
}

// Blocked reports whether a standing block is in effect at t.
func (c *RateCounter) Blocked(t time.Time) bool {
	return c.BlockedUntil != nil && t.Before(*c.BlockedUntil)
}

package ratelimit

import (
	"context"

	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/store"
)

// StoreMirror persists counters in the primary relational store. This
// is the default mirror.
type StoreMirror struct {
	store store.Store
}

// NewStoreMirror wraps the store as a counter mirror.
func NewStoreMirror(st store.Store) *StoreMirror {
	return &StoreMirror{store: st}
}

func (m *StoreMirror) Save(ctx context.Context, c *contracts.RateCounter) error {
	return m.store.SaveRateCounter(ctx, c)
}

func (m *StoreMirror) LoadAll(ctx context.Context) ([]*contracts.RateCounter, error) {
	return m.store.ListRateCounters(ctx)
}

func (m *StoreMirror) Delete(ctx context.Context, agentID string) error {
	return m.store.DeleteRateCounter(ctx, agentID)
}

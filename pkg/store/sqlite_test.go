package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/pkg/contracts"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAgentLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &contracts.Agent{
		ID:     "editor-1",
		Name:   "Editor One",
		Type:   contracts.AgentEditor,
		Status: contracts.AgentActive,
		Metadata: contracts.AgentMetadata{
			CanEdit:    []string{`^src/.*\.js$`},
			CanComment: true,
		},
	}
	require.NoError(t, st.CreateAgent(ctx, a))

	err := st.CreateAgent(ctx, a)
	assert.ErrorIs(t, err, contracts.ErrConflict)

	got, err := st.GetAgent(ctx, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, "Editor One", got.Name)
	assert.Equal(t, []string{`^src/.*\.js$`}, got.Metadata.CanEdit)
	assert.True(t, got.Metadata.CanComment)

	got.Status = contracts.AgentInactive
	require.NoError(t, st.UpdateAgent(ctx, got))
	got, err = st.GetAgent(ctx, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgentInactive, got.Status)

	_, err = st.GetAgent(ctx, "nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	list, err := st.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestChangeLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c := &contracts.Change{
		AgentID:  "editor-1",
		Path:     "src/app.js",
		Diff:     "--- app.js\n+++ app.js\n@@ -1 +1 @@\n-a\n+b\n",
		Original: "a\n",
		Metadata: map[string]any{contracts.MetaBaseHash: "abc"},
	}
	id, err := st.CreateChange(ctx, c)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := st.GetChange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangePending, got.Status)
	assert.Equal(t, "abc", got.Metadata[contracts.MetaBaseHash])

	approved := contracts.ChangeApproved
	by := "operator"
	updated, err := st.UpdateChange(ctx, id, ChangePatch{Status: &approved, ApprovedBy: &by})
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeApproved, updated.Status)
	assert.Equal(t, "operator", updated.ApprovedBy)

	// Terminal states admit no further transitions.
	rejected := contracts.ChangeRejected
	_, err = st.UpdateChange(ctx, id, ChangePatch{Status: &rejected})
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)

	_, err = st.GetChange(ctx, 9999)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestUpdateChangeMergesMetadata(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateChange(ctx, &contracts.Change{
		AgentID:  "a",
		Path:     "f.txt",
		Metadata: map[string]any{"base_hash": "h1"},
	})
	require.NoError(t, err)

	updated, err := st.UpdateChange(ctx, id, ChangePatch{Metadata: map[string]any{"failure": "boom"}})
	require.NoError(t, err)
	assert.Equal(t, "h1", updated.Metadata["base_hash"])
	assert.Equal(t, "boom", updated.Metadata["failure"])
}

func TestListChangesFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, agent := range []string{"a1", "a1", "a2"} {
		id, err := st.CreateChange(ctx, &contracts.Change{AgentID: agent, Path: "f.txt"})
		require.NoError(t, err)
		if i == 0 {
			rejected := contracts.ChangeRejected
			_, err = st.UpdateChange(ctx, id, ChangePatch{Status: &rejected})
			require.NoError(t, err)
		}
	}

	pending, total, err := st.ListChanges(ctx, ChangeFilter{Status: contracts.ChangePending})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, pending, 2)

	byAgent, total, err := st.ListChanges(ctx, ChangeFilter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, byAgent, 2)

	paged, total, err := st.ListChanges(ctx, ChangeFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, paged, 1)

	future := time.Now().Add(time.Hour)
	none, total, err := st.ListChanges(ctx, ChangeFilter{From: future})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestLocks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l := &contracts.Lock{Path: "config/prod.yaml"}
	id, err := st.CreateLock(ctx, l)
	require.NoError(t, err)

	_, err = st.CreateLock(ctx, &contracts.Lock{Path: "config/prod.yaml"})
	assert.ErrorIs(t, err, contracts.ErrConflict)

	list, err := st.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "config/prod.yaml", list[0].Path)

	require.NoError(t, st.DeleteLock(ctx, id))
	assert.ErrorIs(t, st.DeleteLock(ctx, id), contracts.ErrNotFound)
}

func TestRateCounterUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	c := &contracts.RateCounter{
		AgentID:      "a1",
		RequestCount: 5,
		WindowStart:  now,
		LastUpdate:   now,
		Limit:        100,
	}
	require.NoError(t, st.SaveRateCounter(ctx, c))

	blocked := now.Add(2 * time.Hour)
	c.RequestCount = 200
	c.BlockedUntil = &blocked
	require.NoError(t, st.SaveRateCounter(ctx, c))

	got, err := st.GetRateCounter(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 200, got.RequestCount)
	require.NotNil(t, got.BlockedUntil)
	assert.True(t, got.BlockedUntil.Equal(blocked))

	all, err := st.ListRateCounters(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, st.DeleteRateCounter(ctx, "a1"))
	_, err = st.GetRateCounter(ctx, "a1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestFingerprintUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveFingerprint(ctx, &contracts.Fingerprint{Path: "f.txt", Hash: "h1"}))
	require.NoError(t, st.SaveFingerprint(ctx, &contracts.Fingerprint{Path: "f.txt", Hash: "h2"}))

	got, err := st.GetFingerprint(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.Hash)

	_, err = st.GetFingerprint(ctx, "missing.txt")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestAuditAppendAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, action := range []string{contracts.AuditSubmitted, contracts.AuditApproved} {
		require.NoError(t, st.AppendAudit(ctx, &contracts.AuditRecord{
			ID:          "rec-" + action,
			ChangeID:    7,
			Actor:       "a1",
			Action:      action,
			Detail:      map[string]any{"path": "f.txt"},
			ContentHash: "hash",
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	recs, err := st.ListAudit(ctx, 7)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, contracts.AuditSubmitted, recs[0].Action)
	assert.Equal(t, contracts.AuditApproved, recs[1].Action)
	assert.Equal(t, "f.txt", recs[0].Detail["path"])

	empty, err := st.ListAudit(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

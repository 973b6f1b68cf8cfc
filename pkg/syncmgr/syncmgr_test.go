package syncmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidsync/voidsync/pkg/agent"
	"github.com/voidsync/voidsync/pkg/audit"
	"github.com/voidsync/voidsync/pkg/contracts"
	"github.com/voidsync/voidsync/pkg/diff"
	"github.com/voidsync/voidsync/pkg/events"
	"github.com/voidsync/voidsync/pkg/fingerprint"
	"github.com/voidsync/voidsync/pkg/locks"
	"github.com/voidsync/voidsync/pkg/plugin"
	"github.com/voidsync/voidsync/pkg/ratelimit"
	"github.com/voidsync/voidsync/pkg/sandbox"
	"github.com/voidsync/voidsync/pkg/store"
)

type fixture struct {
	manager *Manager
	store   store.Store
	agents  *agent.Registry
	locks   *locks.Registry
	limiter *ratelimit.Limiter
	bus     *events.Bus
	fs      afero.Fs
	tracker *fingerprint.Tracker
}

func newFixture(t *testing.T, rateMax int, window time.Duration, plugins ...plugin.Plugin) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fs := afero.NewMemMapFs()
	tracker := fingerprint.New(st, fs, "project")
	lockReg := locks.New(st, nil)
	limiter := ratelimit.New(ratelimit.Config{Window: window, MaxRequests: rateMax}, ratelimit.NewStoreMirror(st), nil)
	pipeline := plugin.NewPipeline(time.Second, nil)
	for _, pl := range plugins {
		require.NoError(t, pipeline.Register(pl))
	}
	bus := events.NewBus(32, nil)
	t.Cleanup(bus.Close)

	agents := agent.New(st, nil)
	m := New(Deps{
		Store:        st,
		Agents:       agents,
		Locks:        lockReg,
		Limiter:      limiter,
		Pipeline:     pipeline,
		Workspace:    sandbox.New(fs, "project", "sandbox"),
		Fingerprints: tracker,
		Trail:        audit.New(st, nil),
		Bus:          bus,
	})
	return &fixture{manager: m, store: st, agents: agents, locks: lockReg, limiter: limiter, bus: bus, fs: fs, tracker: tracker}
}

func (f *fixture) seedAgent(t *testing.T, id string, canEdit ...string) {
	t.Helper()
	_, err := f.agents.Register(context.Background(), id, id, contracts.AgentEditor,
		contracts.AgentMetadata{CanEdit: canEdit})
	require.NoError(t, err)
}

func (f *fixture) writeProduction(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, "project/"+path, []byte(content), 0o644))
	require.NoError(t, f.tracker.Save(context.Background(), path, fingerprint.Hash([]byte(content))))
}

func (f *fixture) readProduction(t *testing.T, path string) string {
	t.Helper()
	data, err := afero.ReadFile(f.fs, "project/"+path)
	if err != nil {
		return ""
	}
	return string(data)
}

func TestSubmitApproveHappyPath(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "GPT-4", `.*\.js$`)
	f.writeProduction(t, "a.js", "x=1\n")

	sub := f.bus.Subscribe(contracts.ChannelChanges)
	defer f.bus.Unsubscribe(sub)

	change, err := f.manager.Submit(context.Background(), "GPT-4", "a.js", "x=2\n")
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangePending, change.Status)
	assert.Equal(t, "x=1\n", change.Original)

	applied, err := diff.Apply(change.Diff, "x=1\n")
	require.NoError(t, err)
	assert.Equal(t, "x=2\n", applied)

	env := <-sub.C
	assert.Equal(t, contracts.MsgChangesUpdated, env.Type)

	approved, err := f.manager.Approve(context.Background(), change.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeApproved, approved.Status)
	assert.Equal(t, "admin", approved.ApprovedBy)
	assert.Equal(t, "x=2\n", f.readProduction(t, "a.js"))

	env = <-sub.C
	assert.Equal(t, contracts.MsgChangeStatus, env.Type)

	// Fingerprint matches production bytes after commit.
	fp, err := f.tracker.Get(context.Background(), "a.js")
	require.NoError(t, err)
	require.NotNil(t, fp)
	assert.Equal(t, fingerprint.Hash([]byte("x=2\n")), fp.Hash)

	trail, err := f.manager.AuditTrail(context.Background(), change.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, contracts.AuditSubmitted, trail[0].Action)
	assert.Equal(t, contracts.AuditApproved, trail[1].Action)
}

func TestSubmitInactiveAgent(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "X")
	_, err := f.agents.SetStatus(context.Background(), "X", contracts.AgentInactive)
	require.NoError(t, err)

	_, err = f.manager.Submit(context.Background(), "X", "a.js", "x\n")
	assert.ErrorIs(t, err, contracts.ErrAgentInactive)

	_, total, err := f.manager.List(context.Background(), store.ChangeFilter{})
	require.NoError(t, err)
	assert.Zero(t, total, "no change record is created")
}

func TestSubmitUnknownAgent(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	_, err := f.manager.Submit(context.Background(), "ghost", "a.js", "x\n")
	assert.ErrorIs(t, err, contracts.ErrAgentUnknown)
}

func TestSubmitForbiddenByPolicy(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "scoped", `^src/`)

	_, err := f.manager.Submit(context.Background(), "scoped", "config/prod.yaml", "x\n")
	assert.ErrorIs(t, err, contracts.ErrForbidden)
}

func TestSubmitLockedPath(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "a1")
	_, err := f.locks.Create(context.Background(), "config/settings.json", "")
	require.NoError(t, err)

	_, err = f.manager.Submit(context.Background(), "a1", "config/settings.json", "{}\n")
	assert.ErrorIs(t, err, contracts.ErrLocked)
}

func TestSubmitContentGuardLock(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "a1")
	_, err := f.locks.Create(context.Background(), "main.py", `def delete_user\(`)
	require.NoError(t, err)

	_, err = f.manager.Submit(context.Background(), "a1", "main.py", "def delete_user(id):\n    pass\n")
	assert.ErrorIs(t, err, contracts.ErrLocked)

	change, err := f.manager.Submit(context.Background(), "a1", "main.py", "def create_user(id):\n    pass\n")
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangePending, change.Status)
}

func TestSubmitPathValidation(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "a1")

	_, err := f.manager.Submit(context.Background(), "a1", "../etc/passwd", "x")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
}

func TestRateLimitTrip(t *testing.T) {
	f := newFixture(t, 2, time.Minute)
	f.seedAgent(t, "busy")
	ctx := context.Background()

	_, err := f.manager.Submit(ctx, "busy", "one.txt", "1\n")
	require.NoError(t, err)
	_, err = f.manager.Submit(ctx, "busy", "two.txt", "2\n")
	require.NoError(t, err)

	_, err = f.manager.Submit(ctx, "busy", "three.txt", "3\n")
	assert.ErrorIs(t, err, contracts.ErrRateLimited)
}

func TestDriftOnApprove(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "a1")
	f.writeProduction(t, "a.js", "hello\n")
	ctx := context.Background()

	change, err := f.manager.Submit(ctx, "a1", "a.js", "goodbye\n")
	require.NoError(t, err)

	// External write between submit and approve.
	require.NoError(t, afero.WriteFile(f.fs, "project/a.js", []byte("HELLO\n"), 0o644))

	_, err = f.manager.Approve(ctx, change.ID, "admin")
	assert.ErrorIs(t, err, contracts.ErrDrifted)

	// The change stays pending and production is untouched.
	got, err := f.manager.Get(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangePending, got.Status)
	assert.Equal(t, "HELLO\n", f.readProduction(t, "a.js"))

	trail, err := f.manager.AuditTrail(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AuditDrifted, trail[len(trail)-1].Action)
}

func TestPluginChainFormatsAndValidates(t *testing.T) {
	f := newFixture(t, 10, time.Hour, plugin.NewCodeFormatter(), plugin.NewSyntaxValidator())
	f.seedAgent(t, "a1")
	ctx := context.Background()

	change, err := f.manager.Submit(ctx, "a1", "x.json", `{ "a": 1 }`)
	require.NoError(t, err)

	// The stored diff reflects the formatted content.
	applied, err := diff.Apply(change.Diff, change.Original)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": 1\n}\n", applied)

	// Empty JSON fails the validator and stores nothing.
	_, err = f.manager.Submit(ctx, "a1", "y.json", "")
	require.ErrorIs(t, err, contracts.ErrPluginRejected)
	var perr *contracts.PipelineError
	require.ErrorAs(t, err, &perr)
	require.Len(t, perr.Failures, 1)
	assert.Contains(t, perr.Failures[0].Message, "invalid JSON")

	_, total, err := f.manager.List(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDuringSyncFailureRejectsAndRollsBack(t *testing.T) {
	f := newFixture(t, 10, time.Hour, plugin.NewSyntaxValidator())
	f.seedAgent(t, "a1")
	f.writeProduction(t, "data.json", `{"ok": true}`)
	ctx := context.Background()

	// Sneak invalid JSON past submission by disabling the validator,
	// then re-enable it so the during-sync run catches it.
	v, _ := f.manager.pipeline.Lookup("syntax-validator")
	v.SetEnabled(false)
	change, err := f.manager.Submit(ctx, "a1", "data.json", `{"ok":`)
	require.NoError(t, err)
	v.SetEnabled(true)

	_, err = f.manager.Approve(ctx, change.ID, "admin")
	require.ErrorIs(t, err, contracts.ErrPluginRejected)

	got, err := f.manager.Get(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeRejected, got.Status)
	assert.Equal(t, `{"ok": true}`, f.readProduction(t, "data.json"), "production untouched")

	staged, err := afero.Exists(f.fs, "sandbox/data.json")
	require.NoError(t, err)
	assert.False(t, staged, "sandbox write rolled back")
}

func TestRejectPendingChange(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "a1")
	ctx := context.Background()

	change, err := f.manager.Submit(ctx, "a1", "f.txt", "v1\n")
	require.NoError(t, err)

	rejected, err := f.manager.Reject(ctx, change.ID, "admin", "not needed")
	require.NoError(t, err)
	assert.Equal(t, contracts.ChangeRejected, rejected.Status)
	assert.Equal(t, "not needed", rejected.Reason)
	assert.Equal(t, "", f.readProduction(t, "f.txt"), "no filesystem mutation")

	// Terminal: neither approve nor reject applies twice.
	_, err = f.manager.Approve(ctx, change.ID, "admin")
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
	_, err = f.manager.Reject(ctx, change.ID, "admin", "again")
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestConcurrentApprovalsOnlyOneWins(t *testing.T) {
	f := newFixture(t, 100, time.Hour)
	f.seedAgent(t, "a1")
	f.writeProduction(t, "shared.txt", "v1\n")
	ctx := context.Background()

	change, err := f.manager.Submit(ctx, "a1", "shared.txt", "v2\n")
	require.NoError(t, err)

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Approve(ctx, change.ID, "admin")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, transitions int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, contracts.ErrInvalidTransition):
			transitions++
		default:
			t.Errorf("unexpected approval error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, transitions)
	assert.Equal(t, "v2\n", f.readProduction(t, "shared.txt"))

	// Losers fail on the transition; none of them is misread as drift.
	trail, err := f.manager.AuditTrail(ctx, change.ID)
	require.NoError(t, err)
	for _, rec := range trail {
		assert.NotEqual(t, contracts.AuditDrifted, rec.Action)
	}
}

func TestDailyChangeCap(t *testing.T) {
	f := newFixture(t, 100, time.Hour)
	_, err := f.agents.Register(context.Background(), "capped", "capped", contracts.AgentEditor,
		contracts.AgentMetadata{MaxChangesDay: 2})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.manager.Submit(ctx, "capped", "one.txt", "1\n")
	require.NoError(t, err)
	_, err = f.manager.Submit(ctx, "capped", "two.txt", "2\n")
	require.NoError(t, err)

	_, err = f.manager.Submit(ctx, "capped", "three.txt", "3\n")
	assert.ErrorIs(t, err, contracts.ErrRateLimited)

	// The cap is per agent, not global.
	f.seedAgent(t, "free")
	_, err = f.manager.Submit(ctx, "free", "four.txt", "4\n")
	assert.NoError(t, err)
}

func TestApproveUnknownChange(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	_, err := f.manager.Approve(context.Background(), 999, "admin")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestSubmitCreateNewFile(t *testing.T) {
	f := newFixture(t, 10, time.Hour)
	f.seedAgent(t, "a1")
	ctx := context.Background()

	change, err := f.manager.Submit(ctx, "a1", "brand/new.txt", "hello\n")
	require.NoError(t, err)
	assert.Equal(t, "", change.Original)

	_, err = f.manager.Approve(ctx, change.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", f.readProduction(t, "brand/new.txt"))
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/timerd/internal/notify"
	"github.com/ChuLiYu/timerd/internal/snapshot"
	"github.com/ChuLiYu/timerd/internal/storage"
	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type stubNotifier struct{ mock.Mock }

func (s *stubNotifier) Notify(ctx context.Context, n notify.Notification) error {
	return s.Called(ctx, n).Error(0)
}

type stubLifecycle struct {
	visible atomic.Bool
	closed  atomic.Int32
}

func (l *stubLifecycle) Visible() bool { return l.visible.Load() }
func (l *stubLifecycle) Close()        { l.closed.Add(1) }

// testEnv bundles an engine with the collaborators tests inspect
type testEnv struct {
	engine *Engine
	clock  *timer.ManualClock
	store  *storage.Store
	bridge *snapshot.Manager
	notes  *stubNotifier
	cycle  *stubLifecycle
	fsys   afero.Fs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fsys := afero.NewMemMapFs()
	return newTestEnvWithFs(t, fsys)
}

func newTestEnvWithFs(t *testing.T, fsys afero.Fs) *testEnv {
	t.Helper()
	return newTestEnvAt(t, fsys, epoch)
}

// newTestEnvAt builds an engine whose clock starts at now, loading whatever fsys holds
func newTestEnvAt(t *testing.T, fsys afero.Fs, now time.Time) *testEnv {
	t.Helper()
	clock := timer.NewManualClock(now)
	store := storage.NewWithFs(fsys)
	bridge := snapshot.NewManager(store, snapshot.DefaultPath, clock)
	notes := new(stubNotifier)
	cycle := &stubLifecycle{}
	cycle.visible.Store(true)

	e := New(Config{
		Persister: bridge,
		Clock:     clock,
		Notifier:  notes,
		Lifecycle: cycle,
	})
	return &testEnv{engine: e, clock: clock, store: store, bridge: bridge, notes: notes, cycle: cycle, fsys: fsys}
}

// savedDocument reads the persisted document back
func (env *testEnv) savedDocument(t *testing.T) types.Document {
	t.Helper()
	raw, err := env.store.Read(snapshot.DefaultPath)
	require.NoError(t, err)
	var doc types.Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func titled(name string) interface{} {
	return mock.MatchedBy(func(n notify.Notification) bool {
		return strings.Contains(n.Title, name)
	})
}

// ============================================================================
// Allocation
// ============================================================================

func TestCreateTimerAllocatesWithinRange(t *testing.T) {
	env := newTestEnv(t)

	for _, c := range []types.Category{types.CategoryDefault, types.CategoryTest} {
		seen := make(map[types.TimerID]bool)
		base := 0
		if c == types.CategoryTest {
			base = 10
		}
		for i := 0; i < 10; i++ {
			id, snap, err := env.engine.CreateTimer(c, 60, fmt.Sprintf("%s-%d", c, i))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, int(id), base)
			assert.Less(t, int(id), base+10)
			assert.False(t, seen[id], "id %d allocated twice", id)
			seen[id] = true
			assert.Contains(t, snap, id.String())
		}
	}
}

func TestCreateTimerPoolExhausted(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		_, _, err := env.engine.CreateTimer(types.CategoryDefault, 60, "t")
		require.NoError(t, err)
	}
	before := env.savedDocument(t)

	_, snap, err := env.engine.CreateTimer(types.CategoryDefault, 60, "eleventh")
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Nil(t, snap)

	stats := env.engine.Stats()
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 0, stats.ByCategory[types.CategoryTest])
	assert.Equal(t, before, env.savedDocument(t), "document must not change")
}

func TestCreateTimerRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.CreateTimer("Pomodoro", 60, "x")
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, _, err = env.engine.CreateTimer(types.CategoryDefault, maxSeconds+1, "x")
	assert.ErrorIs(t, err, ErrInvalidDuration)

	assert.Equal(t, 0, env.engine.Stats().Total)
}

func TestCreateTimerZeroSeconds(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, titled("Zero")).Return(nil).Once()

	id, _, err := env.engine.CreateTimer(types.CategoryDefault, 0, "Zero")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), env.engine.QueryRemainingMs(id), "idle zero timer reports 0")

	_, err = env.engine.StartTimer(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), env.engine.QueryRemainingMs(id))
	env.notes.AssertExpectations(t)
}

func TestConcurrentCreatesAreUnique(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	ids := make(chan types.TimerID, 20)
	errs := make(chan error, 20)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := env.engine.CreateTimer(types.CategoryDefault, 60, "c")
			if err != nil {
				errs <- err
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	seen := make(map[types.TimerID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 10)

	n := 0
	for err := range errs {
		assert.ErrorIs(t, err, ErrPoolExhausted)
		n++
	}
	assert.Equal(t, 5, n)
	assert.Len(t, env.savedDocument(t), 10, "last write wins by sequence")
}

// ============================================================================
// State machine through the engine
// ============================================================================

func TestStartAndQuery(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.engine.CreateTimer(types.CategoryDefault, 90, "t")
	require.NoError(t, err)

	assert.Equal(t, uint64(90_000), env.engine.QueryRemainingMs(id), "idle reports initial duration")

	active, err := env.engine.StartTimer(id)
	require.NoError(t, err)
	assert.True(t, active)

	env.clock.Advance(30 * time.Second)
	assert.Equal(t, uint64(60_000), env.engine.QueryRemainingMs(id))

	_, err = env.engine.StartTimer(99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(0), env.engine.QueryRemainingMs(99))
}

func TestPauseResumeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id, _, _ := env.engine.CreateTimer(types.CategoryDefault, 600, "t")
	_, err := env.engine.StartTimer(id)
	require.NoError(t, err)

	delta := 45 * time.Second
	env.clock.Advance(delta)
	paused, err := env.engine.TogglePause(id)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, uint64((600*time.Second - delta).Milliseconds()), env.engine.QueryRemainingMs(id))

	// 暫停期間時間流逝不影響剩餘時間
	env.clock.Advance(time.Hour)
	assert.Equal(t, uint64((600*time.Second - delta).Milliseconds()), env.engine.QueryRemainingMs(id))

	paused, err = env.engine.TogglePause(id)
	require.NoError(t, err)
	assert.False(t, paused)

	env.clock.Advance(delta)
	_, err = env.engine.TogglePause(id)
	require.NoError(t, err)
	assert.Equal(t, uint64((600*time.Second - 2*delta).Milliseconds()), env.engine.QueryRemainingMs(id))

	view, err := env.engine.GetTimer(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, view.State)
}

func TestTogglePauseEdgeCases(t *testing.T) {
	env := newTestEnv(t)

	paused, err := env.engine.TogglePause(42)
	assert.NoError(t, err)
	assert.False(t, paused, "absent id reports false")

	id, _, _ := env.engine.CreateTimer(types.CategoryDefault, 60, "idle")
	paused, err = env.engine.TogglePause(id)
	assert.NoError(t, err)
	assert.True(t, paused, "idle timer stays paused")

	view, _ := env.engine.GetTimer(id)
	assert.Equal(t, types.StateIdle, view.State)
}

// countingPersister counts writes without touching storage
type countingPersister struct{ writes atomic.Int32 }

func (p *countingPersister) Write(uint64, []*timer.Timer) error {
	p.writes.Add(1)
	return nil
}

func (p *countingPersister) Load() []*timer.Timer { return nil }

func TestTogglePauseIdleDoesNotWrite(t *testing.T) {
	persister := &countingPersister{}
	e := New(Config{Persister: persister, Clock: timer.NewManualClock(epoch)})

	id, _, err := e.CreateTimer(types.CategoryDefault, 60, "idle")
	require.NoError(t, err)
	require.Equal(t, int32(1), persister.writes.Load())

	_, err = e.TogglePause(id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), persister.writes.Load(), "idle toggle changes nothing")

	_, err = e.StartTimer(id)
	require.NoError(t, err)
	paused, err := e.TogglePause(id)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, int32(3), persister.writes.Load())
}

func TestResetRestoresInitialState(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(env *testEnv, id types.TimerID)
	}{
		{"idle", func(*testEnv, types.TimerID) {}},
		{"running", func(env *testEnv, id types.TimerID) {
			env.engine.StartTimer(id)
			env.clock.Advance(10 * time.Second)
		}},
		{"paused", func(env *testEnv, id types.TimerID) {
			env.engine.StartTimer(id)
			env.clock.Advance(10 * time.Second)
			env.engine.TogglePause(id)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id, _, _ := env.engine.CreateTimer(types.CategoryTest, 120, "r")
			tt.prepare(env, id)

			active, err := env.engine.ResetTimer(id)
			require.NoError(t, err)
			assert.False(t, active)

			view, err := env.engine.GetTimer(id)
			require.NoError(t, err)
			assert.Equal(t, view.InitialDuration, view.Duration)
			assert.False(t, view.Active)
			assert.True(t, view.Paused)

			saved := env.savedDocument(t)[id.String()]
			assert.False(t, saved.Active)
			assert.Nil(t, saved.DeadlineMs)
		})
	}

	env := newTestEnv(t)
	_, err := env.engine.ResetTimer(7)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// Expiry
// ============================================================================

func TestExpiryDetectedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, titled("Tea")).Return(nil).Once()

	id, _, _ := env.engine.CreateTimer(types.CategoryDefault, 180, "Tea")
	env.engine.StartTimer(id)
	env.clock.Advance(10 * time.Minute)

	assert.Equal(t, uint64(0), env.engine.QueryRemainingMs(id))
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint64(180_000), env.engine.QueryRemainingMs(id))
	}

	env.notes.AssertExpectations(t)
	env.notes.AssertNumberOfCalls(t, "Notify", 1)

	saved := env.savedDocument(t)[id.String()]
	assert.False(t, saved.Active, "auto reset is persisted")
	assert.False(t, env.engine.HasActive())
}

func TestConcurrentPollersSeeOneExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, mock.Anything).Return(nil)

	id, _, _ := env.engine.CreateTimer(types.CategoryDefault, 5, "race")
	env.engine.StartTimer(id)
	env.clock.Advance(5 * time.Second)

	var zeros atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if env.engine.QueryRemainingMs(id) == 0 {
				zeros.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), zeros.Load())
	env.notes.AssertNumberOfCalls(t, "Notify", 1)
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, mock.Anything).Return(errors.New("no display")).Once()

	id, _, _ := env.engine.CreateTimer(types.CategoryDefault, 1, "x")
	env.engine.StartTimer(id)
	env.clock.Advance(time.Second)

	assert.Equal(t, uint64(0), env.engine.QueryRemainingMs(id))
	assert.Equal(t, uint64(1000), env.engine.QueryRemainingMs(id))
}

func TestNotifierPanicIsSwallowed(t *testing.T) {
	clock := timer.NewManualClock(epoch)
	e := New(Config{
		Clock: clock,
		Notifier: notify.NotifierFunc(func(context.Context, notify.Notification) error {
			panic("toast crashed")
		}),
	})

	id, _, _ := e.CreateTimer(types.CategoryDefault, 1, "x")
	e.StartTimer(id)
	clock.Advance(2 * time.Second)

	assert.NotPanics(t, func() {
		assert.Equal(t, uint64(0), e.QueryRemainingMs(id))
	})
}

func TestLifecycleClosedAfterLastExpiryWhileHidden(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, mock.Anything).Return(nil)
	env.cycle.visible.Store(false)

	a, _, _ := env.engine.CreateTimer(types.CategoryDefault, 10, "a")
	b, _, _ := env.engine.CreateTimer(types.CategoryDefault, 20, "b")
	env.engine.StartTimer(a)
	env.engine.StartTimer(b)

	env.clock.Advance(10 * time.Second)
	env.engine.QueryRemainingMs(a)
	assert.Equal(t, int32(0), env.cycle.closed.Load(), "b is still active")

	env.clock.Advance(10 * time.Second)
	env.engine.QueryRemainingMs(b)
	assert.Equal(t, int32(1), env.cycle.closed.Load())
}

func TestLifecycleNotClosedWhileVisible(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, mock.Anything).Return(nil)

	id, _, _ := env.engine.CreateTimer(types.CategoryDefault, 10, "a")
	env.engine.StartTimer(id)
	env.clock.Advance(time.Minute)
	env.engine.QueryRemainingMs(id)

	assert.Equal(t, int32(0), env.cycle.closed.Load())
}

func TestPollExpiresRunningTimers(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, mock.Anything).Return(nil)

	short, _, _ := env.engine.CreateTimer(types.CategoryDefault, 10, "short")
	long, _, _ := env.engine.CreateTimer(types.CategoryDefault, 100, "long")
	env.engine.CreateTimer(types.CategoryDefault, 1, "idle")
	env.engine.StartTimer(short)
	env.engine.StartTimer(long)

	env.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, env.engine.Poll())
	env.notes.AssertNumberOfCalls(t, "Notify", 1)

	stats := env.engine.Stats()
	assert.Equal(t, 1, stats.Running)
}

func TestWatchStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.engine.Watch(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	// interval 0 立即返回
	env.engine.Watch(context.Background(), 0)
}

// ============================================================================
// Delete and listing
// ============================================================================

func TestDeleteTimer(t *testing.T) {
	env := newTestEnv(t)
	idle, _, _ := env.engine.CreateTimer(types.CategoryDefault, 60, "idle")
	busy, _, _ := env.engine.CreateTimer(types.CategoryDefault, 60, "busy")
	env.engine.StartTimer(busy)

	snap, err := env.engine.DeleteTimer(busy)
	assert.ErrorIs(t, err, ErrRefused)
	assert.Nil(t, snap)
	assert.Equal(t, 2, env.engine.Stats().Total)

	snap, err = env.engine.DeleteTimer(idle)
	require.NoError(t, err)
	assert.NotContains(t, snap, idle.String())
	assert.Contains(t, snap, busy.String())

	doc := env.savedDocument(t)
	assert.Len(t, doc, 1)
	assert.NotContains(t, doc, idle.String())

	// 不存在的 id 不是錯誤
	snap, err = env.engine.DeleteTimer(77)
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestListTimersSortedAndFiltered(t *testing.T) {
	env := newTestEnv(t)
	env.engine.CreateTimer(types.CategoryDefault, 300, "five minutes")
	env.engine.CreateTimer(types.CategoryTest, 30, "thirty seconds")
	env.engine.CreateTimer(types.CategoryDefault, 60, "one minute")
	env.engine.CreateTimer(types.CategoryTest, 600, "ten minutes")

	all := env.engine.ListTimers(nil)
	require.Len(t, all, 4)
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.Timer.Name
		assert.Equal(t, e.ID, e.Timer.ID)
	}
	assert.Equal(t, []string{"thirty seconds", "one minute", "five minutes", "ten minutes"}, names)

	test := types.CategoryTest
	filtered := env.engine.ListTimers(&test)
	require.Len(t, filtered, 2)
	assert.Equal(t, "thirty seconds", filtered[0].Timer.Name)
	assert.Equal(t, "ten minutes", filtered[1].Timer.Name)
}

// ============================================================================
// Persistence failures
// ============================================================================

func TestPersistFailureIsReturned(t *testing.T) {
	env := newTestEnvWithFs(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))

	id, snap, err := env.engine.CreateTimer(types.CategoryDefault, 60, "x")
	assert.ErrorIs(t, err, ErrPersist)
	assert.Contains(t, snap, id.String(), "mutation stands in memory")

	_, err = env.engine.StartTimer(id)
	assert.ErrorIs(t, err, ErrPersist)
	_, err = env.engine.TogglePause(id)
	assert.ErrorIs(t, err, ErrPersist)
	_, err = env.engine.ResetTimer(id)
	assert.ErrorIs(t, err, ErrPersist)
	_, err = env.engine.DeleteTimer(id)
	assert.ErrorIs(t, err, ErrPersist)
	assert.ErrorIs(t, env.engine.Flush(), ErrPersist)
}

// ============================================================================
// Focus Session scenario
// ============================================================================

func TestFocusSessionScenario(t *testing.T) {
	env := newTestEnv(t)
	env.notes.On("Notify", mock.Anything, titled("Focus Session")).Return(nil).Once()

	id, _, err := env.engine.CreateTimer(types.CategoryDefault, 1500, "Focus Session")
	require.NoError(t, err)
	assert.Equal(t, types.TimerID(0), id)

	active, err := env.engine.StartTimer(id)
	require.NoError(t, err)
	assert.True(t, active)

	ms := env.engine.QueryRemainingMs(id)
	assert.GreaterOrEqual(t, ms, uint64(1_499_900))
	assert.LessOrEqual(t, ms, uint64(1_500_000))

	env.clock.Advance(1500 * time.Second)
	assert.Equal(t, uint64(0), env.engine.QueryRemainingMs(id))
	assert.Equal(t, uint64(1_500_000), env.engine.QueryRemainingMs(id))

	env.notes.AssertExpectations(t)
}

// TestRealClockTolerance exercises the system clock path with small real intervals
func TestRealClockTolerance(t *testing.T) {
	e := New(Config{})
	id, _, err := e.CreateTimer(types.CategoryDefault, 60, "real")
	require.NoError(t, err)

	_, err = e.StartTimer(id)
	require.NoError(t, err)
	assert.InDelta(t, 60_000, float64(e.QueryRemainingMs(id)), 100)

	delta := 50 * time.Millisecond
	time.Sleep(delta)
	_, err = e.TogglePause(id)
	require.NoError(t, err)
	assert.InDelta(t, float64(60_000-delta.Milliseconds()), float64(e.QueryRemainingMs(id)), 100)

	_, err = e.TogglePause(id)
	require.NoError(t, err)
	time.Sleep(delta)
	_, err = e.TogglePause(id)
	require.NoError(t, err)
	assert.InDelta(t, float64(60_000-2*delta.Milliseconds()), float64(e.QueryRemainingMs(id)), 100)
}

// ============================================================================
// Gauges and logging
// ============================================================================

// lockCheckingRecorder records whether gauge updates happen under the engine lock
type lockCheckingRecorder struct {
	nopRecorder
	engine   atomic.Pointer[Engine]
	unlocked atomic.Int32
	total    atomic.Int32
}

func (r *lockCheckingRecorder) UpdateTimerStats(total, _, _ int) {
	if e := r.engine.Load(); e != nil && e.mu.TryLock() {
		e.mu.Unlock()
		r.unlocked.Add(1)
	}
	r.total.Store(int32(total))
}

func TestGaugesUpdatedInCommitOrder(t *testing.T) {
	rec := &lockCheckingRecorder{}
	e := New(Config{Recorder: rec, Clock: timer.NewManualClock(epoch)})
	rec.engine.Store(e)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := e.CreateTimer(types.CategoryDefault, uint64(60+i), "t")
			if err == nil {
				e.StartTimer(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, rec.unlocked.Load(), "gauges must be updated while the lock is held")
	assert.Equal(t, int32(8), rec.total.Load())
	assert.Equal(t, 8, e.Stats().Total)
}

func TestLogsFollowInstalledDefaultLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	env := newTestEnvWithFs(t, afero.NewReadOnlyFs(afero.NewMemMapFs()))
	_, _, err := env.engine.CreateTimer(types.CategoryDefault, 60, "x")
	require.ErrorIs(t, err, ErrPersist)

	out := buf.String()
	assert.Contains(t, out, `"level":"DEBUG","msg":"Timer created"`)
	assert.Contains(t, out, `"level":"ERROR","msg":"Failed to persist timers"`)
	assert.Contains(t, out, `"seq":1`)
}

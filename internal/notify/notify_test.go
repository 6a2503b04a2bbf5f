package notify

// ============================================================================
// Notification Test File
// Purpose: Verify message content, fan-out, async delivery and shutdown
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// stubNotifier
// ---------------------------------------------------------------------------

type stubNotifier struct{ mock.Mock }

func (s *stubNotifier) Notify(ctx context.Context, n Notification) error {
	return s.Called(ctx, n).Error(0)
}

// collector records delivered notifications.
type collector struct {
	mu   sync.Mutex
	got  []Notification
	done chan struct{}
	want int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	if len(c.got) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifications")
	}
}

// ============================================================================
// Message Tests
// ============================================================================

// TestExpiryNotification tests the expiry message content
func TestExpiryNotification(t *testing.T) {
	at := time.Date(2025, 1, 1, 9, 25, 0, 0, time.UTC)
	n := ExpiryNotification(&timer.Expiry{
		Category:        types.CategoryDefault,
		ID:              3,
		Name:            "Focus Session",
		InitialDuration: 1500 * time.Second,
		At:              at,
	})

	assert.NotEqual(t, uuid.Nil, n.ID)
	assert.Equal(t, "Time's Up - Focus Session", n.Title)
	assert.Equal(t, "00:25:00 hrs are over!\nClick to Dismiss!", n.Body)
	assert.Equal(t, SoundLoopingCall, n.Sound)
	assert.Equal(t, LengthLong, n.Length)
	assert.Equal(t, types.TimerID(3), n.TimerID)
	assert.Equal(t, types.CategoryDefault, n.Category)
	assert.Equal(t, at, n.At)
}

// TestExpiryNotificationUniqueIDs tests every notification gets a fresh id
func TestExpiryNotificationUniqueIDs(t *testing.T) {
	exp := &timer.Expiry{Name: "x", InitialDuration: time.Second}
	a, b := ExpiryNotification(exp), ExpiryNotification(exp)
	assert.NotEqual(t, a.ID, b.ID)
}

// TestLogNotifier tests structured log output
func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := LogNotifier{Logger: logger}.Notify(context.Background(), Notification{
		Title:   "Time's Up - Tea",
		TimerID: 7,
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"title":"Time's Up - Tea"`)
	assert.Contains(t, buf.String(), `"timer_id":7`)
}

// TestMultiContinuesPastFailures tests fan-out error joining
func TestMultiContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	n := Notification{Title: "t"}

	failing := new(stubNotifier)
	failing.On("Notify", mock.Anything, n).Return(boom)
	ok := new(stubNotifier)
	ok.On("Notify", mock.Anything, n).Return(nil)

	err := Multi{failing, ok}.Notify(context.Background(), n)
	assert.ErrorIs(t, err, boom)

	failing.AssertExpectations(t)
	ok.AssertExpectations(t)
}

// ============================================================================
// Dispatcher Tests
// ============================================================================

// TestDispatcherLifecycle tests start/stop guards
func TestDispatcherLifecycle(t *testing.T) {
	d := NewDispatcher(Nop, DispatcherConfig{})
	assert.Equal(t, DefaultDispatcherConfig().Workers, d.Workers())

	err := d.Notify(context.Background(), Notification{})
	assert.ErrorIs(t, err, ErrDispatcherNotStarted)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start should fail")

	d.Stop()
	d.Stop() // idempotent

	err = d.Notify(context.Background(), Notification{})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

// TestDispatcherDelivers tests asynchronous delivery
func TestDispatcherDelivers(t *testing.T) {
	c := newCollector(5)
	d := NewDispatcher(c, DispatcherConfig{Workers: 2, Buffer: 10, Timeout: time.Second})
	require.NoError(t, d.Start())
	defer d.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Notify(context.Background(), Notification{TimerID: types.TimerID(i)}))
	}
	c.wait(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.got, 5)
}

// TestDispatcherQueueFull tests dropping when the queue is full
func TestDispatcherQueueFull(t *testing.T) {
	release := make(chan struct{})
	blocking := NotifierFunc(func(ctx context.Context, n Notification) error {
		<-release
		return nil
	})

	d := NewDispatcher(blocking, DispatcherConfig{Workers: 1, Buffer: 1, Timeout: time.Second})
	var dropped atomic.Int32
	d.OnDrop = func(Notification) { dropped.Add(1) }
	require.NoError(t, d.Start())

	// 第一則被 worker 取走後卡住，第二則佔滿佇列
	require.NoError(t, d.Notify(context.Background(), Notification{TimerID: 1}))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Notify(context.Background(), Notification{TimerID: 2}))

	err := d.Notify(context.Background(), Notification{TimerID: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int32(1), dropped.Load())

	close(release)
	d.Stop()
}

// TestDispatcherSwallowsErrorsAndPanics tests that failing notifiers do not kill workers
func TestDispatcherSwallowsErrorsAndPanics(t *testing.T) {
	var calls atomic.Int32
	target := NotifierFunc(func(ctx context.Context, n Notification) error {
		switch calls.Add(1) {
		case 1:
			panic("notifier exploded")
		case 2:
			return errors.New("delivery failed")
		}
		return nil
	})

	d := NewDispatcher(target, DispatcherConfig{Workers: 1, Buffer: 4, Timeout: time.Second})
	var failures atomic.Int32
	d.OnError = func(Notification, error) { failures.Add(1) }
	require.NoError(t, d.Start())

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Notify(context.Background(), Notification{}))
	}
	d.Stop()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), failures.Load())
}

// TestDispatcherTimeout tests that each delivery gets a deadline
func TestDispatcherTimeout(t *testing.T) {
	var sawDeadline atomic.Bool
	target := NotifierFunc(func(ctx context.Context, n Notification) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		<-ctx.Done()
		return ctx.Err()
	})

	d := NewDispatcher(target, DispatcherConfig{Workers: 1, Buffer: 1, Timeout: 20 * time.Millisecond})
	var lastErr atomic.Value
	d.OnError = func(_ Notification, err error) { lastErr.Store(err) }
	require.NoError(t, d.Start())

	require.NoError(t, d.Notify(context.Background(), Notification{}))
	d.Stop()

	assert.True(t, sawDeadline.Load())
	err, _ := lastErr.Load().(error)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestDispatcherStopDrainsQueue tests that queued notifications are delivered on stop
func TestDispatcherStopDrainsQueue(t *testing.T) {
	c := newCollector(20)
	d := NewDispatcher(c, DispatcherConfig{Workers: 3, Buffer: 20, Timeout: time.Second})
	require.NoError(t, d.Start())

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Notify(context.Background(), Notification{}))
	}
	d.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.got, 20)
}

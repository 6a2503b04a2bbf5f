// ============================================================================
// timerd Notification Dispatcher - asynchronous delivery pool
// ============================================================================
//
// Package: internal/notify
// File: dispatcher.go
// Purpose: Deliver notifications off the caller's goroutine so that a slow
//          or failing notifier never blocks a timer command.
//
// How it works:
//   ┌─────────────┐
//   │   Engine    │ --Notify()--> queue (bounded)
//   └─────────────┘
//                           ┌──────────┐
//                 queue --> │ worker 1 │ --> target.Notify(ctx, n)
//                 queue --> │ worker 2 │ --> target.Notify(ctx, n)
//                           └──────────┘
//
//   - Notify never blocks: when the queue is full the notification is dropped
//     and reported through OnDrop.
//   - Each delivery gets its own context with timeout.
//   - Delivery errors and panics are logged and swallowed.
//
// Shutdown:
//   Stop() closes the queue under the lock, so a concurrent Notify either
//   enqueues before the close or sees the closed flag. Workers drain what is
//   already queued, then exit.
//
// ============================================================================

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// logger resolves the default logger on each call so the handler installed by the CLI applies.
func logger() *slog.Logger { return slog.Default() }

var (
	// ErrDispatcherClosed is returned when notifying after Stop.
	ErrDispatcherClosed = errors.New("notification dispatcher is closed")
	// ErrDispatcherNotStarted is returned when notifying before Start.
	ErrDispatcherNotStarted = errors.New("notification dispatcher not started")
	// ErrQueueFull is returned when the queue has no room for another notification.
	ErrQueueFull = errors.New("notification queue is full")
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers int           // number of delivery goroutines
	Buffer  int           // queue capacity
	Timeout time.Duration // per-delivery timeout
}

// DefaultDispatcherConfig returns the defaults used by the daemon.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers: 2,
		Buffer:  64,
		Timeout: 5 * time.Second,
	}
}

// Dispatcher is a Notifier that hands notifications to a worker pool.
type Dispatcher struct {
	target  Notifier
	config  DispatcherConfig
	queue   chan Notification
	wg      sync.WaitGroup
	mu      sync.Mutex // guards started, stopped and sends on queue
	started bool
	stopped bool

	// OnDrop is called when a notification is rejected because the queue is full.
	OnDrop func(n Notification)
	// OnError is called when the target fails to deliver a notification.
	OnError func(n Notification, err error)
}

// NewDispatcher creates a Dispatcher delivering to target.
func NewDispatcher(target Notifier, config DispatcherConfig) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.Buffer <= 0 {
		config.Buffer = defaults.Buffer
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Dispatcher{
		target: target,
		config: config,
		queue:  make(chan Notification, config.Buffer),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.run(id)
		}(i)
	}

	d.started = true
	return nil
}

// Notify enqueues n for delivery without blocking.
func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return ErrDispatcherNotStarted
	}
	if d.stopped {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- n:
		return nil
	default:
		if d.OnDrop != nil {
			d.OnDrop(n)
		}
		logger().Warn("Notification dropped, queue full", "id", n.ID, "timer_id", n.TimerID)
		return ErrQueueFull
	}
}

// Stop stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Workers returns the configured worker count.
func (d *Dispatcher) Workers() int {
	return d.config.Workers
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) run(id int) {
	for n := range d.queue {
		if err := d.deliver(n); err != nil {
			if d.OnError != nil {
				d.OnError(n, err)
			}
			logger().Warn("Notification delivery failed", "worker", id, "id", n.ID, "timer_id", n.TimerID, "error", err)
		}
	}
}

// deliver runs the target with a timeout and converts panics into errors.
func (d *Dispatcher) deliver(n Notification) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()

	return d.target.Notify(ctx, n)
}

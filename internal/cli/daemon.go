package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/timerd/internal/engine"
	"github.com/ChuLiYu/timerd/internal/metrics"
	"github.com/ChuLiYu/timerd/internal/notify"
	"github.com/ChuLiYu/timerd/internal/server"
	"github.com/ChuLiYu/timerd/internal/snapshot"
	"github.com/ChuLiYu/timerd/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// ============================================================================
// Deferred shutdown
// ============================================================================

// deferredShutdown is the engine's lifecycle manager.
// A termination signal with active timers hides the daemon instead of exiting;
// the engine closes it once the last active timer expires.
type deferredShutdown struct {
	hidden atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func newDeferredShutdown() *deferredShutdown {
	return &deferredShutdown{done: make(chan struct{})}
}

func (l *deferredShutdown) Visible() bool { return !l.hidden.Load() }
func (l *deferredShutdown) Hide()         { l.hidden.Store(true) }
func (l *deferredShutdown) Close()        { l.once.Do(func() { close(l.done) }) }

// Done is closed when shutdown should proceed.
func (l *deferredShutdown) Done() <-chan struct{} { return l.done }

// ============================================================================
// Daemon
// ============================================================================

// Daemon wires the engine to its storage, notifier, metrics and servers.
type Daemon struct {
	cfg        *Config
	logger     *slog.Logger
	store      *storage.Store
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	collector  *metrics.Collector
	lifecycle  *deferredShutdown

	grpcServer *grpc.Server
	rpc        *server.RPCServer
	httpServer *http.Server

	grpcLis net.Listener
	httpLis net.Listener

	cancelWatch context.CancelFunc
	errCh       chan error
	stopOnce    sync.Once
}

// newDaemon builds every component without opening listeners.
// reg receives the metrics when cfg.Metrics.Enabled is set.
func newDaemon(cfg *Config, store *storage.Store, reg prometheus.Registerer, logger *slog.Logger) (*Daemon, error) {
	categories, err := cfg.categoryTable()
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		lifecycle: newDeferredShutdown(),
		errCh:     make(chan error, 2),
	}

	var recorder engine.Recorder
	if cfg.Metrics.Enabled {
		d.collector = metrics.NewCollectorWith(reg)
		recorder = d.collector
	}

	targets := notify.Multi{notify.LogNotifier{Logger: logger}}
	if d.collector != nil {
		targets = append(targets, notify.NotifierFunc(func(_ context.Context, n notify.Notification) error {
			d.collector.RecordNotificationDelivered(n.Category)
			return nil
		}))
	}
	d.dispatcher = notify.NewDispatcher(targets, cfg.dispatcherConfig())
	if d.collector != nil {
		d.dispatcher.OnDrop = func(notify.Notification) { d.collector.RecordNotificationDropped() }
		d.dispatcher.OnError = func(notify.Notification, error) { d.collector.RecordNotificationFailed() }
	}
	if err := d.dispatcher.Start(); err != nil {
		return nil, fmt.Errorf("failed to start notification dispatcher: %w", err)
	}

	d.engine = engine.New(engine.Config{
		Categories: categories,
		Persister:  snapshot.NewManager(store, cfg.Storage.Path, nil),
		Notifier:   d.dispatcher,
		Recorder:   recorder,
		Lifecycle:  d.lifecycle,
	})

	d.grpcServer = grpc.NewServer()
	server.Register(d.grpcServer, d.engine)

	d.rpc = server.NewRPCServer(d.engine, cfg.Server.RPCToken)
	mux := http.NewServeMux()
	mux.Handle("/jsonrpc", d.rpc.Handler())
	if d.collector != nil {
		mux.Handle("/metrics", d.collector.Handler())
	}
	d.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return d, nil
}

// Start opens the listeners and starts serving and polling.
func (d *Daemon) Start() error {
	lis, err := net.Listen("tcp", d.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.GRPCAddr, err)
	}
	d.grpcLis = lis

	if d.cfg.Server.HTTPAddr != "" {
		hl, err := net.Listen("tcp", d.cfg.Server.HTTPAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.Server.HTTPAddr, err)
		}
		d.httpLis = hl
	}

	go func() {
		if err := d.grpcServer.Serve(d.grpcLis); err != nil {
			d.errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()
	d.logger.Info("gRPC server listening", "addr", d.grpcLis.Addr().String())

	if d.httpLis != nil {
		go func() {
			if err := d.httpServer.Serve(d.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.errCh <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}()
		d.logger.Info("HTTP server listening", "addr", d.httpLis.Addr().String(), "metrics", d.collector != nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelWatch = cancel
	go d.engine.Watch(ctx, d.cfg.Poll.Interval)

	return nil
}

// GRPCAddr returns the bound gRPC address, useful when configured with port 0.
func (d *Daemon) GRPCAddr() string {
	if d.grpcLis == nil {
		return d.cfg.Server.GRPCAddr
	}
	return d.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP address or "" when HTTP is disabled.
func (d *Daemon) HTTPAddr() string {
	if d.httpLis == nil {
		return ""
	}
	return d.httpLis.Addr().String()
}

// Errors reports fatal server errors.
func (d *Daemon) Errors() <-chan error { return d.errCh }

// Done is closed when the deferred shutdown completes.
func (d *Daemon) Done() <-chan struct{} { return d.lifecycle.Done() }

// HandleSignal applies the deferred shutdown policy to one termination signal.
// It reports whether the daemon should stop now.
func (d *Daemon) HandleSignal() bool {
	if !d.lifecycle.Visible() {
		d.logger.Warn("Second signal received, forcing shutdown")
		return true
	}
	if !d.engine.HasActive() {
		return true
	}
	d.lifecycle.Hide()
	// the last timer may have expired between the check and Hide
	if !d.engine.HasActive() {
		return true
	}
	d.logger.Info("Timers still active, deferring shutdown until they expire")
	return false
}

// Shutdown stops serving, flushes the registry and drains notifications.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var flushErr error
	d.stopOnce.Do(func() {
		if d.cancelWatch != nil {
			d.cancelWatch()
		}

		if d.httpLis != nil {
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.logger.Warn("HTTP server shutdown", "error", err)
			}
		}
		d.rpc.Close()

		stopped := make(chan struct{})
		go func() {
			d.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			d.grpcServer.Stop()
		}

		flushErr = d.engine.Flush()
		d.dispatcher.Stop()
		d.lifecycle.Close()
	})
	return flushErr
}

// Engine returns the daemon's engine.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

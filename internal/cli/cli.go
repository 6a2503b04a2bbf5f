// ============================================================================
// timerd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the daemon and its client commands
//
// Command Structure:
//   timerd                         # Root command
//   ├── run                        # Start the daemon
//   ├── list [--category C]        # List timers, soonest first
//   ├── create CATEGORY DURATION [NAME...]
//   ├── start ID
//   ├── pause ID                   # Toggle pause/resume
//   ├── reset ID
//   ├── delete ID
//   ├── remaining ID
//   ├── status                     # Config and daemon summary
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --addr                     # Daemon gRPC address (default server.grpc_addr)
//
// run Command:
//   1. Load config file (missing file uses defaults)
//   2. Restore timers from storage
//   3. Start gRPC, JSON-RPC and metrics servers
//   4. Poll running timers so expiry is noticed without a UI
//   5. On SIGINT/SIGTERM with active timers, keep running hidden until the
//      last one expires; a second signal forces exit
//
// Client commands talk to a running daemon over gRPC.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/timerd/internal/server"
	"github.com/ChuLiYu/timerd/internal/storage"
	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const clientTimeout = 5 * time.Second

var (
	configFile string
	daemonAddr string
)

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "timerd",
		Short: "timerd: a persistent countdown timer daemon",
		Long: `timerd keeps named countdown timers that survive restarts:
- category-scoped timer ids
- pause/resume with deadline-based recovery
- expiry notifications
- gRPC, JSON-RPC and Prometheus endpoints`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon gRPC address (defaults to server.grpc_addr)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildCreateCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildPauseCommand())
	rootCmd.AddCommand(buildResetCommand())
	rootCmd.AddCommand(buildDeleteCommand())
	rootCmd.AddCommand(buildRemainingCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the timer daemon",
		Long:  "Restore timers from storage and serve them over gRPC and JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := storage.Open(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	d, err := newDaemon(cfg, store, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	logger.Info("Daemon started", "config", configFile, "storage", store.Resolve(cfg.Storage.Path))

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if ctx == nil {
		ctx = context.Background()
	}

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig.String())
			if d.HandleSignal() {
				break loop
			}
		case <-d.Done():
			logger.Info("Last active timer expired, shutting down")
			break loop
		case runErr = <-d.Errors():
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("Final flush failed", "error", err)
	}

	logger.Info("Daemon stopped")
	return runErr
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials the daemon and runs fn with a bounded context
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	addr := daemonAddr
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr = cfg.Server.GRPCAddr
	}

	conn, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	return fn(ctx, server.NewClient(conn))
}

func parseID(s string) (types.TimerID, error) {
	id, err := types.ParseTimerID(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timer id %q: %w", s, err)
	}
	return id, nil
}

// parseSeconds accepts whole seconds ("90") or a Go duration ("25m", "1h30m")
func parseSeconds(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: use seconds or a duration like 25m", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return uint64(d / time.Second), nil
}

func buildListCommand() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List timers, soonest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				var filter *types.Category
				if category != "" {
					cat := types.Category(category)
					filter = &cat
				}
				entries, err := c.ListTimers(ctx, filter)
				if err != nil {
					return err
				}
				return printTimers(ctx, cmd.OutOrStdout(), c, entries)
			})
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "only list timers in this category")
	return cmd
}

// printTimers prints one row per timer; running timers show live remaining time
func printTimers(ctx context.Context, w io.Writer, c *server.Client, entries []types.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No timers")
		return nil
	}

	fmt.Fprintf(w, "%-4s %-10s %-8s %-10s %s\n", "ID", "CATEGORY", "STATE", "REMAINING", "NAME")
	for _, e := range entries {
		remaining := e.Timer.Duration.Duration()
		if e.Timer.State == types.StateRunning {
			ms, err := c.QueryRemainingMs(ctx, e.ID)
			if err != nil {
				return err
			}
			remaining = time.Duration(ms) * time.Millisecond
		}
		fmt.Fprintf(w, "%-4d %-10s %-8s %-10s %s\n",
			e.ID, e.Timer.Category, e.Timer.State, timer.FormatHMS(remaining), e.Timer.Name)
	}
	return nil
}

func buildCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create CATEGORY DURATION [NAME...]",
		Short: "Create an idle timer",
		Long:  "Create an idle timer. DURATION is whole seconds or a duration such as 25m.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := parseSeconds(args[1])
			if err != nil {
				return err
			}
			name := strings.Join(args[2:], " ")

			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				id, _, err := c.CreateTimer(ctx, types.Category(args[0]), seconds, name)
				if err != nil {
					return fmt.Errorf("failed to create timer: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created timer %d (%s)\n", id, timer.FormatHMS(time.Duration(seconds)*time.Second))
				return nil
			})
		},
	}
}

// idCommand builds a command taking a single timer id
func idCommand(use, short string, run func(ctx context.Context, w io.Writer, c *server.Client, id types.TimerID) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				return run(ctx, cmd.OutOrStdout(), c, id)
			})
		},
	}
}

func buildStartCommand() *cobra.Command {
	return idCommand("start", "Start a timer", func(ctx context.Context, w io.Writer, c *server.Client, id types.TimerID) error {
		if _, err := c.StartTimer(ctx, id); err != nil {
			return fmt.Errorf("failed to start timer %d: %w", id, err)
		}
		fmt.Fprintf(w, "Timer %d started\n", id)
		return nil
	})
}

func buildPauseCommand() *cobra.Command {
	return idCommand("pause", "Pause or resume a timer", func(ctx context.Context, w io.Writer, c *server.Client, id types.TimerID) error {
		paused, err := c.TogglePause(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to toggle timer %d: %w", id, err)
		}
		if paused {
			fmt.Fprintf(w, "Timer %d paused\n", id)
		} else {
			fmt.Fprintf(w, "Timer %d not paused\n", id)
		}
		return nil
	})
}

func buildResetCommand() *cobra.Command {
	return idCommand("reset", "Reset a timer to its initial duration", func(ctx context.Context, w io.Writer, c *server.Client, id types.TimerID) error {
		if _, err := c.ResetTimer(ctx, id); err != nil {
			return fmt.Errorf("failed to reset timer %d: %w", id, err)
		}
		fmt.Fprintf(w, "Timer %d reset\n", id)
		return nil
	})
}

func buildDeleteCommand() *cobra.Command {
	return idCommand("delete", "Delete an idle timer", func(ctx context.Context, w io.Writer, c *server.Client, id types.TimerID) error {
		if _, err := c.DeleteTimer(ctx, id); err != nil {
			return fmt.Errorf("failed to delete timer %d: %w", id, err)
		}
		fmt.Fprintf(w, "Timer %d deleted\n", id)
		return nil
	})
}

func buildRemainingCommand() *cobra.Command {
	return idCommand("remaining", "Show a timer's remaining time", func(ctx context.Context, w io.Writer, c *server.Client, id types.TimerID) error {
		ms, err := c.QueryRemainingMs(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s (%d ms)\n", timer.FormatHMS(time.Duration(ms)*time.Millisecond), ms)
		return nil
	})
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display configuration and, when the daemon is reachable, timer statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd)
		},
	}
}

func showStatus(cmd *cobra.Command) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	w := cmd.OutOrStdout()

	fmt.Fprintln(w, "timerd status")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  Storage:       %s\n", storageLocation(cfg))
	fmt.Fprintf(w, "  gRPC Address:  %s\n", cfg.Server.GRPCAddr)
	if cfg.Server.HTTPAddr != "" {
		fmt.Fprintf(w, "  JSON-RPC:      http://%s/jsonrpc\n", cfg.Server.HTTPAddr)
	}
	if cfg.Metrics.Enabled && cfg.Server.HTTPAddr != "" {
		fmt.Fprintf(w, "  Metrics:       http://%s/metrics\n", cfg.Server.HTTPAddr)
	} else {
		fmt.Fprintln(w, "  Metrics:       disabled")
	}
	fmt.Fprintf(w, "  Poll Interval: %s\n", cfg.Poll.Interval)
	fmt.Fprintln(w)

	err = withClient(cmd, func(ctx context.Context, c *server.Client) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "Timers:")
		fmt.Fprintf(w, "  Total:   %d\n", st.Total)
		fmt.Fprintf(w, "  Active:  %d (running %d, paused %d)\n", st.Active, st.Running, st.Paused)
		for _, spec := range cfg.Categories {
			fmt.Fprintf(w, "  %-8s %d/%d\n", spec.Name+":", st.ByCategory[spec.Name], spec.Capacity)
		}
		fmt.Fprintf(w, "  Uptime:  %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
		return nil
	})
	if err != nil {
		slog.Debug("Status query failed", "error", err)
		fmt.Fprintln(w, "Timers:")
		fmt.Fprintln(w, "  Daemon not reachable (run 'timerd run' to start)")
	}
	return nil
}

func storageLocation(cfg *Config) string {
	return strings.TrimPrefix(cfg.Storage.Root+"/"+cfg.Storage.Path, "./")
}

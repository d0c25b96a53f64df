package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/engine"
	"github.com/roach88/pump/internal/notify"
	"github.com/roach88/pump/internal/reconcile"
	"github.com/roach88/pump/internal/store"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Database    string
	Engines     int
	MetricsAddr string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <queries-file>",
		Short: "Keep queries live and print every re-render",
		Long: `Bootstrap queries in draft mode and keep them in sync.

Every mounted engine shares one push channel connection and one dedup
cache. Each time content changes, the merged data of every engine is
printed. Runs until interrupted.

Example:
  pump watch ./queries.yaml
  pump watch ./queries.yaml --engines 3 --db ./cycles.db --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record cycles to this SQLite database")
	cmd.Flags().IntVar(&opts.Engines, "engines", 1, "number of engines to mount on the shared runtime")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// renderJSON renders merged data as a JSON array.
var renderJSON = reconcile.Sync(func(data []json.RawMessage) (any, error) {
	out := make([]json.RawMessage, len(data))
	for i, d := range data {
		if d == nil {
			d = json.RawMessage("null")
		}
		out[i] = d
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return string(b), nil
})

func runWatch(opts *WatchOptions, path string, cmd *cobra.Command) error {
	if opts.Engines < 1 {
		return NewExitError(ExitCommandError, "--engines must be at least 1")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Live() {
		return NewExitError(ExitCommandError, "watch requires draft mode (BASEHUB_DRAFT=true)")
	}
	queries, err := loadQueries(path)
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runtimeOpts := []engine.RuntimeOption{
		engine.WithDedupWindow(cfg.DedupeWindow),
		engine.WithTrackedTag(cfg.TrackedTag),
		engine.WithNotifier(notify.NewLogNotifier(nil)),
		engine.WithIDGenerator(opts.IDs),
	}
	if opts.Database != "" {
		slog.Info("opening database", "path", opts.Database)
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		runtimeOpts = append(runtimeOpts, engine.WithRecorder(st))
	}

	if opts.MetricsAddr != "" {
		_, stop, err := serveMetrics(opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer stop()
	}

	coord := opts.coordinator(cfg)
	rt := engine.NewRuntime(opts.fetcher(cfg), opts.channel(), runtimeOpts...)

	var engines []*engine.Engine
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Engines; i++ {
		bundle, err := coord.Run(ctx, bootstrap.Request{Queries: queries, Live: true, Render: renderJSON})
		if err != nil {
			cancel()
			_ = rt.Close()
			_ = g.Wait()
			return bootstrapFailure(err)
		}
		e, err := rt.Mount(ctx, bundle, renderJSON)
		if err != nil {
			cancel()
			_ = rt.Close()
			_ = g.Wait()
			return WrapExitError(ExitFailure, "failed to mount engine", err)
		}
		engines = append(engines, e)
		if err := out.Event(e.ID(), bundle.Rendered); err != nil {
			slog.Error("failed to print initial render", "engine", e.ID(), "error", err)
		}

		g.Go(func() error { return e.Run(gctx) })
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case rendered := <-e.Updates():
					if err := out.Event(e.ID(), rendered); err != nil {
						return fmt.Errorf("print update: %w", err)
					}
				}
			}
		})
	}

	slog.Info("watching", "engines", opts.Engines, "queries", len(queries), "endpoint", cfg.PumpEndpoint())
	out.VerboseLog("Watching %d queries with %d engines. Press Ctrl-C to stop.", len(queries), opts.Engines)

	<-gctx.Done()
	closeErr := rt.Close()
	err = g.Wait()
	// In-flight cycles still record into the store; let them finish first.
	for _, e := range engines {
		e.Wait()
	}
	if closeErr != nil {
		slog.Warn("error closing push channel", "error", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync error", err)
	}

	slog.Info("watch stopped gracefully")
	return nil
}

// serveMetrics exposes /metrics on addr. It returns the bound address and a
// func that shuts the server down.
func serveMetrics(addr string) (bound string, stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dshills/agentflow/workflow/events"
	"github.com/dshills/agentflow/workflow/store"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, the recommendation consumer and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := a.runtime(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := rt.catalog.Prewarm(ctx, a.cfg.Catalog.Prewarm); err != nil {
				a.logger.Warn("some workflows could not be registered", "error", err)
			}

			if err := rt.consume(ctx, rt.recommendConsumer().Handle); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              a.cfg.Metrics.Addr,
				Handler:           rt.handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()
			go watchOverdue(ctx, rt.store, a.cfg.Engine.TimeoutThreshold, a.logger)

			a.logger.Info("agentflow serving",
				"addr", a.cfg.Metrics.Addr,
				"store", a.cfg.Store.Driver,
				"events", a.cfg.Events.Driver,
				"agents", rt.router.Refs(),
				"registered", rt.registry.Count())

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				return err
			}

			a.logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
}

// consume delivers completion events to h from whichever event transport is
// configured. It returns once delivery is set up.
func (rt *runtime) consume(ctx context.Context, h events.Handler) error {
	if rt.broker != nil {
		rt.broker.Consume(ctx, h)
		return nil
	}
	sub := events.NewRedisSubscriber(rt.redis, rt.cfg.Events.RedisChannel, rt.logger)
	return sub.Run(ctx, h)
}

// handler serves /metrics and /healthz.
func (rt *runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.store.Ping(ctx); err != nil {
			http.Error(w, "store: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if rt.redis != nil {
			if err := rt.redis.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// overdueScanLimit bounds how many recent executions one sweep inspects.
const overdueScanLimit = 1000

// watchOverdue logs RUNNING executions older than threshold until ctx is
// done. It only reports; records are never changed.
func watchOverdue(ctx context.Context, st store.ExecutionStore, threshold time.Duration, logger *slog.Logger) {
	if threshold <= 0 {
		return
	}
	interval := threshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := reportOverdue(ctx, st, threshold, now, logger); err != nil && ctx.Err() == nil {
				logger.Warn("overdue execution scan failed", "error", err)
			}
		}
	}
}

func reportOverdue(ctx context.Context, st store.ExecutionStore, threshold time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	recs, err := st.ListExecutions(ctx, "", overdueScanLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.IsTimeout(threshold, now) {
			n++
			logger.Warn("execution exceeds timeout threshold",
				"execution_id", r.ID,
				"workflow_id", r.WorkflowID,
				"running_for", r.Duration(now).Round(time.Second).String(),
				"threshold", threshold.String())
		}
	}
	return n, nil
}

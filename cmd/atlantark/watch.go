package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"git.sr.ht/~jakintosh/atlantark/pkg/session"
	"git.sr.ht/~jakintosh/atlantark/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd(rf *rootFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and print session events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			unsubscribe := a.ctrl.Subscribe(func(ev session.Event) {
				printEvent(out, a.out, ev)
			})
			defer unsubscribe()

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			if metricsAddr != "" {
				srv, err := a.serveMetrics(metricsAddr)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if err := a.ctrl.Init(ctx, nil); err != nil {
				a.log.Warn("session not established", logger.Err(err))
			}

			errc := make(chan error, 1)
			if f, ok := a.backend.(*store.File); ok {
				go func() { errc <- a.followFile(ctx, f) }()
			}

			select {
			case <-ctx.Done():
				return nil
			case err := <-errc:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default metrics.addr)")
	return cmd
}

// followFile reloads the session whenever another process rewrites the
// credential file.
func (a *app) followFile(ctx context.Context, f *store.File) error {
	if err := os.MkdirAll(filepath.Dir(f.Path()), 0o700); err != nil {
		return fmt.Errorf("prepare store dir: %w", err)
	}
	a.log.Info("following credential file", zap.String("path", f.Path()))

	err := f.Watch(ctx, func() {
		a.log.Info("credential file changed, reloading")
		if err := a.ctrl.Reload(ctx); err != nil {
			a.log.Warn("reload", logger.Err(err))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch %s: %w", f.Path(), err)
	}
	return nil
}

func (a *app) serveMetrics(addr string) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server", logger.Err(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", addr))
	return srv, nil
}

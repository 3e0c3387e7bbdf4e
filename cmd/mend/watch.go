package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/mend/internal/cycle"
	"github.com/steveyegge/mend/internal/watch"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run cycles continuously as files change",
	Long: `Watch the workspace and run a cycle once file changes settle.

Cycles are debounced (watch.debounce) and rate limited (watch.min_interval,
watch.burst). Paths matching watch.ignore never trigger a cycle. With
--metrics-addr, prometheus metrics are served at /metrics.

Watching stops on Ctrl+C, or when a rollback fails and the engine halts.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := newEngine()
		if err != nil {
			fail("%v", err)
		}

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", e.recorder.Handler())
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "addr", watchMetricsAddr, "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving metrics", "addr", watchMetricsAddr)
		}

		w, err := watch.New(&watch.Config{
			Root:        cfg.Workspace,
			Cycler:      e.orchestrator,
			Debounce:    cfg.Watch.Debounce,
			MinInterval: cfg.Watch.MinInterval,
			Burst:       cfg.Watch.Burst,
			Ignore:      cfg.Watch.Ignore,
			Recorder:    e.recorder,
			Logger:      logger,
			OnCycle: func(res *cycle.Result, err error) {
				if res != nil && res.Entry != nil {
					fmt.Printf("%s %s %s\n", outcomeIcon(res.Outcome()),
						time.Now().Format("15:04:05"), res.Outcome())
				}
			},
		})
		if err != nil {
			fail("%v", err)
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("Watching %s (Ctrl+C to stop)\n", cyan(cfg.Workspace))

		err = w.Run(ctx)
		code := cycle.ExitCode(nil, err)
		if err == nil {
			code = cycle.ExitOK
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		exit(code)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(watchCmd)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mohans/dailyx/dailyx"
)

// coordinatorEnv is a wired coordinator plus the connections to close.
type coordinatorEnv struct {
	coord      *dailyx.Coordinator
	store      *dailyx.SQLStore
	dispatcher *dailyx.AsynqDispatcher
	closers    []func() error
}

func (e *coordinatorEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func (a *app) buildCoordinator(ctx context.Context, tasksPath string) (*coordinatorEnv, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &coordinatorEnv{store: store, closers: []func() error{store.DB().Close}}

	var gen dailyx.Generator
	if tasksPath != "" {
		g, err := dailyx.LoadTaskFile(tasksPath)
		if err != nil {
			env.Close()
			return nil, err
		}
		gen = g
	}

	env.dispatcher = dailyx.NewAsynqDispatcher(a.asynqRedis(), dailyx.DispatcherOptions{Queue: a.cfg.Queue})
	env.closers = append(env.closers, env.dispatcher.Close)
	rdb := a.redisClient()
	env.closers = append(env.closers, rdb.Close)

	metrics := dailyx.NewMetrics(prometheus.DefaultRegisterer)
	env.coord = dailyx.NewCoordinator(store, env.dispatcher, gen, a.cfg, dailyx.Collaborators{
		Reports: dailyx.ReportSinkFunc(func(_ context.Context, r dailyx.Report) error {
			a.log.Info("daily report", "session_id", r.SessionID, "total", r.Total,
				"completion_rate", r.CompletionRate, "escalations", len(r.Escalations))
			return nil
		}),
		Inbox: a.inbox(rdb),
	}, a.options(metrics)...)
	return env, nil
}

func serveMetrics(addr string, log interface{ Error(string, ...any) }) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	return srv
}

func newServeCmd(a *app) *cobra.Command {
	var tasksPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the user's session every day at daily_at and serve metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := a.buildCoordinator(ctx, tasksPath)
			if err != nil {
				return err
			}
			defer env.Close()

			trigger, err := dailyx.NewDailyTrigger(env.coord, a.cfg.UserID, a.cfg.Timezone, a.cfg.DailyAt, a.options(nil)...)
			if err != nil {
				return err
			}

			// a session interrupted by the last shutdown continues right away
			if active, err := env.store.ActiveSession(ctx, a.cfg.UserID); err == nil {
				a.log.Info("resuming session", "session_id", active.ID)
				go func() {
					if _, err := env.coord.Resume(ctx, active.ID); err != nil && ctx.Err() == nil {
						a.log.Error("resume session", "session_id", active.ID, "error", err)
					}
				}()
			}

			var srv *http.Server
			if a.cfg.MetricsAddr != "" {
				srv = serveMetrics(a.cfg.MetricsAddr, a.log)
				a.log.Info("metrics listening", "addr", a.cfg.MetricsAddr)
			}
			trigger.Start()
			a.log.Info("dailyx started", "version", version, "user_id", a.cfg.UserID, "next_session", trigger.Next())

			<-ctx.Done()
			a.log.Info("shutdown signal received")
			trigger.Stop()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "YAML file with the task set generated for every session")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var tasksPath, sessionID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session now and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := a.buildCoordinator(ctx, tasksPath)
			if err != nil {
				return err
			}
			defer env.Close()

			if sessionID == "" {
				if sessionID, err = dailyx.DailySessionIDIn(a.cfg.UserID, a.cfg.Timezone, time.Now()); err != nil {
					return err
				}
			}
			rep, err := env.coord.Run(ctx, a.cfg.UserID, sessionID)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "YAML file with the generated task set")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: today's daily session)")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			a.log.Info("schema up to date", "driver", a.cfg.Database.Driver)
			return store.DB().Close()
		},
	}
}

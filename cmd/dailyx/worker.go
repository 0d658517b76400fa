package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohans/dailyx/dailyx"
)

func newWorkerCmd(a *app) *cobra.Command {
	var (
		command     string
		args        []string
		terminal    []int
		concurrency int
		heartbeat   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute dispatched tasks by running a command for each",
		Long: `worker consumes dispatched tasks from the queue and runs --command for each
one. The task description is written to the command's stdin and its stdout
becomes the task output. Lines of the form "progress: N" report progress.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			opts := a.options(nil)
			recovery := dailyx.NewRecovery(dailyx.NewLifecycle(store, opts...), a.cfg.RetryPolicy(), nil, opts...)
			intake := dailyx.NewResultIntake(recovery, opts...)
			runner := dailyx.ExecRunner{Command: command, Args: args, TerminalExitCodes: terminal}

			p := dailyx.NewProcessor(a.asynqRedis(), runner, intake, dailyx.ProcessorConfig{
				Concurrency: concurrency,
				Queues:      map[string]int{a.cfg.Queue: 1},
				Heartbeat:   heartbeat,
				Logger:      a.log,
			})
			if err := p.Start(); err != nil {
				return err
			}
			a.log.Info("worker started", "queue", a.cfg.Queue, "command", command, "concurrency", concurrency)
			<-ctx.Done()
			p.Shutdown()
			a.log.Info("worker stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "executable run for every task")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "argument passed to the command (repeatable)")
	cmd.Flags().IntSliceVar(&terminal, "terminal-exit", nil, "exit codes that escalate without retry")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "tasks executed in parallel")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "progress heartbeat interval")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

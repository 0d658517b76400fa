package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohans/dailyx/dailyx"
)

func newReportCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the state of a session with its current or final report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			if sessionID == "" {
				active, err := store.ActiveSession(ctx, a.cfg.UserID)
				if err != nil {
					return fmt.Errorf("no running session for %s: %w", a.cfg.UserID, err)
				}
				sessionID = active.ID
			}
			coord := dailyx.NewCoordinator(store, nil, nil, a.cfg, dailyx.Collaborators{}, a.options(nil)...)
			snap, err := coord.Snapshot(ctx, sessionID)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the running session)")
	return cmd
}

func newArchiveCmd(a *app) *cobra.Command {
	var (
		sessionID string
		prune     bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a closed session and prune expired history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			arch := dailyx.NewArchiver(store, a.cfg.Retention, a.options(nil)...)
			if sessionID != "" {
				n, err := arch.ArchiveSession(ctx, sessionID)
				if err != nil {
					return err
				}
				fmt.Printf("archived %d tasks of %s\n", n, sessionID)
			}
			if prune {
				n, err := arch.Prune(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d historical tasks\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "closed session to archive")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete history older than the retention window")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived tasks of the user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			hist, err := store.History(ctx, a.cfg.UserID, from)
			if err != nil {
				return err
			}
			return printJSON(hist)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "only tasks archived within this window (0 for all)")
	return cmd
}

// newTaskCmd manages tasks outside a session. They are picked up by the
// user's next session.
func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, edit or cancel tasks directly",
	}

	var id string
	var caps []string
	add := &cobra.Command{
		Use:   "add DESCRIPTION",
		Short: "Create a task for the user's next session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()
			t, err := dailyx.NewLifecycle(store, a.options(nil)...).CreateManual(ctx, a.cfg.UserID,
				dailyx.NewTask{ID: id, Description: args[0], Capabilities: caps})
			if err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
	add.Flags().StringVar(&id, "id", "", "task id (default: generated)")
	add.Flags().StringSliceVar(&caps, "capability", nil, "capability the worker needs")

	edit := &cobra.Command{
		Use:   "edit TASK_ID DESCRIPTION",
		Short: "Replace the description of a task that has not started",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()
			return dailyx.NewLifecycle(store, a.options(nil)...).Edit(ctx, args[0], args[1])
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel TASK_ID",
		Short: "Cancel a task that has not been dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()
			_, err = dailyx.NewLifecycle(store, a.options(nil)...).Cancel(ctx, args[0])
			if errors.Is(err, dailyx.ErrInvalidTransition) {
				return fmt.Errorf("%w (use 'signal escalate' for running tasks)", err)
			}
			return err
		},
	}

	cmd.AddCommand(add, edit, cancel)
	return cmd
}

// newSignalCmd sends mid-session requests to the running coordinator.
func newSignalCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Send a request to a running session",
	}
	cmd.PersistentFlags().StringVar(&sessionID, "session", "", "target session (default: today's daily session)")

	send := func(cmd *cobra.Command, sig dailyx.Signal) error {
		rdb := a.redisClient()
		defer rdb.Close()
		sid := sessionID
		if sid == "" {
			var err error
			if sid, err = dailyx.DailySessionIDIn(a.cfg.UserID, a.cfg.Timezone, time.Now()); err != nil {
				return err
			}
		}
		sent, err := a.inbox(rdb).Send(cmd.Context(), sid, sig)
		if err != nil {
			return err
		}
		fmt.Printf("signal %s sent to %s\n", sent.ID, sid)
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add DESCRIPTION",
			Short: "Add a task to the session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, dailyx.Signal{Kind: dailyx.SignalAdd, Task: &dailyx.NewTask{Description: args[0]}})
			},
		},
		&cobra.Command{
			Use:   "modify TASK_ID DESCRIPTION",
			Short: "Change the description of a task that has not started",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, dailyx.Signal{Kind: dailyx.SignalModify, TaskID: args[0], Description: args[1]})
			},
		},
		&cobra.Command{
			Use:   "cancel TASK_ID",
			Short: "Cancel a task that has not been dispatched",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, dailyx.Signal{Kind: dailyx.SignalCancel, TaskID: args[0]})
			},
		},
		&cobra.Command{
			Use:   "escalate TASK_ID [NOTE]",
			Short: "Stop a task and hand it to a human",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				sig := dailyx.Signal{Kind: dailyx.SignalEscalate, TaskID: args[0]}
				if len(args) == 2 {
					sig.Note = args[1]
				}
				return send(cmd, sig)
			},
		},
	)
	return cmd
}

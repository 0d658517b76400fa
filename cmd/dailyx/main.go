package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohans/dailyx/dailyx"
)

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs once the config is loaded.
type app struct {
	cfgPath string
	cfg     dailyx.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "dailyx",
		Short:         "Run daily task sessions for delegated agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := dailyx.LoadConfig(a.cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("user") {
				cfg.UserID, _ = cmd.Flags().GetString("user")
			}
			a.cfg = cfg
			a.log = dailyx.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(a.log)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", os.Getenv("DAILYX_CONFIG"), "path to the YAML config file")
	root.PersistentFlags().String("user", "", "user id (overrides user_id from the config)")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newWorkerCmd(a),
		newReportCmd(a),
		newArchiveCmd(a),
		newHistoryCmd(a),
		newTaskCmd(a),
		newSignalCmd(a),
		newMigrateCmd(a),
	)
	return root
}

// openStore connects to the configured database and makes sure the schema
// exists.
func (a *app) openStore(ctx context.Context) (*dailyx.SQLStore, error) {
	db, dialect, err := dailyx.OpenDB(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	store := dailyx.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (a *app) asynqRedis() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

func (a *app) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
}

func (a *app) inbox(rdb redis.UniversalClient) *dailyx.RedisInbox {
	return dailyx.NewRedisInbox(rdb, "dailyx")
}

func (a *app) options(m *dailyx.Metrics) []dailyx.Option {
	return []dailyx.Option{dailyx.WithLogger(a.log), dailyx.WithMetrics(m)}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

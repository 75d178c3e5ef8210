package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyboard/internal/app"
	"storyboard/internal/logging"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := logging.New(logging.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Writer: cmd.ErrOrStderr(),
			})

			application, err := app.NewApplication(cfg, app.Options{Logger: logger, Version: version})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx, shutdownTimeout)
		},
	}

	flags := cmd.Flags()
	flags.String("host", "", "listen host (overrides http.host)")
	flags.Int("port", 0, "listen port (overrides http.port)")
	flags.String("db", "", "SQLite database path (overrides database.path)")
	flags.String("redis", "", "Redis address; empty runs on the in-process cache")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight work on shutdown")

	// Bound at run time: migrate binds database.path to its own --db.
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return bindFlags(v, cmd, map[string]string{
			"http.host":        "host",
			"http.port":        "port",
			"database.path":    "db",
			"cache.redis_addr": "redis",
			"log.level":        "log-level",
		})
	}
	return cmd
}

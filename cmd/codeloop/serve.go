package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/event"
	"github.com/drewdunne/codeloop/internal/handler"
	"github.com/drewdunne/codeloop/internal/logging"
	"github.com/drewdunne/codeloop/internal/server"
)

const retentionInterval = 24 * time.Hour

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and API server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	startup, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	err = a.prepareDocker(startup)
	cancel()
	if err != nil {
		return err
	}

	runs := dispatch.New(dispatch.Config{
		MaxConcurrent: cfg.Runs.MaxConcurrent,
		QueueSize:     cfg.Runs.QueueSize,
	}, dispatch.WithLogger(a.logger.Named("dispatch")))

	events := handler.New(a.service, runs, handler.WithLogger(a.logger.Named("handler")))
	router := event.NewRouter(cfg, events.Handle, a.logger.Named("events"))

	opts := []server.Option{
		server.WithAPI(a.service),
		server.WithDispatcher(runs),
		server.WithEventRouter(router),
		server.WithLogger(a.logger.Named("server")),
	}
	if a.docker != nil {
		opts = append(opts, server.WithDockerCheck(a.docker.Ping))
	}
	srv := server.New(cfg, opts...)

	retention, stopRetention := context.WithCancel(cmd.Context())
	defer stopRetention()
	go logging.NewRetention(cfg.Logging.Dir, cfg.Logging.RetentionDays, a.logger.Named("retention")).
		Run(retention, retentionInterval)

	a.logger.Info("starting codeloop",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Strings("providers", a.registry.List()),
		zap.String("strategy", cfg.CodeAgent.Strategy),
	)
	return srv.ListenAndServeWithShutdown()
}

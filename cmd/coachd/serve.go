package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YevheniiMelnikov/GymAI-sub001/internal/config"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/gdrive"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/httpapi"
	"github.com/YevheniiMelnikov/GymAI-sub001/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the task worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var refresher httpapi.Refresher = noDrive{}
		if a.loader != nil {
			refresher = a.loader
		}

		server := httpapi.New(a.cfg.HTTP.Addr, a.kb, refresher, a.orch, a.signer,
			httpapi.Credentials{
				User:     a.cfg.HTTP.RefreshUser,
				Password: a.cfg.HTTP.RefreshPassword,
			}, logger)

		pool := tasks.NewPool(a.queue, a.orch,
			a.cfg.Tasks.Workers,
			a.cfg.Tasks.MaxRetries,
			config.MustDuration(a.cfg.Tasks.RetryBackoff, 2*time.Second))
		pool.Start(ctx)

		logger.Info("coachd serving",
			zap.String("addr", a.cfg.HTTP.Addr),
			zap.Int("workers", a.cfg.Tasks.Workers),
			zap.Bool("gdrive", a.loader != nil))

		err = server.Run(ctx)
		pool.Stop()
		return err
	},
}

// noDrive stands in when the drive integration is not configured.
type noDrive struct{}

func (noDrive) Load(context.Context, bool) (gdrive.Summary, error) {
	return gdrive.Summary{Status: "error", Detail: "gdrive is not configured"}, nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	gdriveForce    bool
	rebuildProfile int64
	rebuildGlobal  bool
)

var loadGDriveCmd = &cobra.Command{
	Use:   "load-gdrive",
	Short: "Ingest the configured Google Drive folder into the global dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if a.loader == nil {
			return fmt.Errorf("gdrive is not configured (set GDRIVE_FOLDER_ID and GDRIVE_CREDENTIALS_FILE)")
		}

		summary, err := a.loader.Load(ctx, gdriveForce)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(summary)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild datasets from disk blobs and the hash store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		switch {
		case rebuildGlobal:
			if err := a.kb.RebuildDataset(ctx, a.kb.GlobalAlias(), kbUser); err != nil {
				return err
			}
			logger.Info("global dataset rebuilt", zap.String("alias", a.kb.GlobalAlias()))
		case rebuildProfile > 0:
			if err := a.kb.RebuildProfile(ctx, rebuildProfile); err != nil {
				return err
			}
			logger.Info("profile rebuilt", zap.Int64("profile", rebuildProfile))
		default:
			return fmt.Errorf("pass --profile <id> or --global")
		}
		return nil
	},
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize",
	Short: "Migrate legacy MD5 hash-store records to SHA-256",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		converted, removed := a.kb.Sanitize(ctx)
		logger.Info("hash store sanitized", zap.Int("converted", converted), zap.Int("removed", removed))
		return nil
	},
}

func init() {
	loadGDriveCmd.Flags().BoolVar(&gdriveForce, "force", false, "ingest even when the folder fingerprint matches")
	rebuildCmd.Flags().Int64Var(&rebuildProfile, "profile", 0, "profile id to rebuild")
	rebuildCmd.Flags().BoolVar(&rebuildGlobal, "global", false, "rebuild the global dataset")
}

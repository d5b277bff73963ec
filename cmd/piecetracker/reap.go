package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chihaya/piecetracker/middleware"
	"github.com/chihaya/piecetracker/pkg/log"
	"github.com/chihaya/piecetracker/storage"
)

// ReapRunCmdFunc implements a Cobra command that removes every peer whose
// liveness expired longer ago than the retention from the configured store.
func ReapRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	retention, err := cmd.Flags().GetDuration("retention")
	if err != nil {
		return err
	}
	if retention < 0 {
		return errors.New("retention must not be negative")
	}

	configFile, err := ParseConfigFile(configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.PieceTracker

	s, err := storage.NewStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return errors.Wrap(err, "failed to create storage")
	}

	logic := middleware.NewLogic(cfg.Config, s, nil, nil)
	removed, err := logic.ReapExpiredPeers(context.Background(), retention)

	if errs := s.Stop().Wait(); len(errs) != 0 {
		log.Error("failed while shutting down storage", log.Fields{"errors": errs})
	}

	if err != nil {
		return err
	}
	log.Info("reap finished", log.Fields{"removed": removed})
	return nil
}

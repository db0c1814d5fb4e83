package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/config"
	"github.com/dreamware/warden/internal/watchdog"
)

func newTeardownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Remove the queue root left behind by a crashed master",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			return teardown(cfg, log, newConnector(cfg.Coordination, log))
		},
	}
}

func teardown(cfg *config.Config, log *zap.Logger, connect connector) error {
	client, closeClient, err := connect()
	if err != nil {
		return err
	}
	defer closeClient()

	session, err := watchdog.Attach(client, watchdogConfig(cfg), watchdog.WithLogger(log))
	if err != nil {
		return err
	}
	if err := session.ClearTimers(); err != nil {
		return err
	}
	log.Info("queue removed", zap.String("root", session.Root()))
	return nil
}

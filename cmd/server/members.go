package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/discovery"
	"github.com/ryandielhenn/zephyrregistry/internal/config"
	"github.com/ryandielhenn/zephyrregistry/internal/logging"
	"github.com/ryandielhenn/zephyrregistry/pkg/registry"
)

func newMembersCmd() *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Print the current registry members without joining",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			log, err := logging.New(config.LogConfig{Level: "warn", Format: "console"})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log)
			if err != nil {
				return err
			}
			defer cli.Close()
			c, err := discovery.NewEtcdCoordinator(ctx, cli, discovery.Options{
				SessionTTL:     cfg.Etcd.SessionTTL,
				RequestTimeout: cfg.Etcd.RequestTimeout,
				Logger:         log,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					log.Warn("closing etcd session", zap.Error(err))
				}
			}()

			reg := registry.New(c, registry.WithRoot(cfg.Registry.Root), registry.WithLogger(log))
			defer reg.Close()
			snap, err := reg.Members(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Addresses())
			}
			for _, m := range snap.Members() {
				fmt.Printf("%s\t%s\n", m.Name, m.Metadata)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the address set as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}

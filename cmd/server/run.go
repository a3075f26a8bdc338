package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/discovery"
	"github.com/ryandielhenn/zephyrregistry/internal/config"
	"github.com/ryandielhenn/zephyrregistry/internal/logging"
	"github.com/ryandielhenn/zephyrregistry/internal/tracing"
	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
	"github.com/ryandielhenn/zephyrregistry/pkg/coord/memcoord"
	"github.com/ryandielhenn/zephyrregistry/pkg/node"
	"github.com/ryandielhenn/zephyrregistry/pkg/registry"
	"github.com/ryandielhenn/zephyrregistry/pkg/ring"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var dev bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the registry and serve the node HTTP endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return run(cfg, dev)
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "use an in-process coordinator instead of etcd (single process, nothing shared)")
	return cmd
}

func run(cfg config.Config, dev bool) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("node", cfg.NodeID))

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		log.Warn("tracing setup failed", zap.Error(err))
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	// 1. Connect to the coordination service
	c, closeCoord, err := connect(ctx, cfg, dev, log)
	if err != nil {
		return err
	}
	defer closeCoord()

	// 2. Registry with a ring that follows every snapshot
	advertise := advertiseAddr(cfg)
	n := node.NewRF(ring.New(128, nil), cfg.NodeID, advertise, cfg.ReplicationFactor, log)
	reg := registry.New(c,
		registry.WithRoot(cfg.Registry.Root),
		registry.WithLogger(log),
		registry.WithRefreshTimeout(cfg.Registry.RefreshTimeout),
		registry.WithResyncInterval(cfg.Registry.ResyncInterval),
		registry.WithListener(n.SyncRing),
	)
	defer reg.Close()

	// 3. Join and watch
	if err := n.Start(ctx, reg); err != nil {
		return fmt.Errorf("join registry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := n.Stop(sctx); err != nil {
			log.Warn("leave failed", zap.Error(err))
		}
	}()

	// 4. Serve
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("advertise", advertise))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	return srv.Shutdown(sctx)
}

// connect opens the coordinator session; the returned func closes it and,
// for etcd, the client.
func connect(ctx context.Context, cfg config.Config, dev bool, log *zap.Logger) (coord.Coordinator, func(), error) {
	expired := coord.WatcherFunc(func(coord.Event) {
		log.Error("coordinator session expired; this node's membership is gone until restart")
	})
	if dev {
		log.Warn("dev mode: membership is local to this process")
		sess := memcoord.NewServer().Connect(expired)
		return sess, func() { _ = sess.Close() }, nil
	}

	cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log)
	if err != nil {
		return nil, nil, fmt.Errorf("etcd client: %w", err)
	}
	log.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))

	ec, err := discovery.NewEtcdCoordinator(ctx, cli, discovery.Options{
		SessionTTL:     cfg.Etcd.SessionTTL,
		RequestTimeout: cfg.Etcd.RequestTimeout,
		Logger:         log,
		SessionWatcher: expired,
	})
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return ec, func() {
		if err := ec.Close(); err != nil {
			log.Warn("closing etcd session", zap.Error(err))
		}
		_ = cli.Close()
	}, nil
}

// advertiseAddr falls back to hostname plus the listen port.
func advertiseAddr(cfg config.Config) string {
	if cfg.AdvertiseAddr != "" {
		return cfg.AdvertiseAddr
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	_, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil || port == "" {
		port = "8080"
	}
	return net.JoinHostPort(host, port)
}

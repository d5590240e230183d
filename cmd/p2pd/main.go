package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"beaconnet/config"
	"beaconnet/observability/logging"
	telemetry "beaconnet/observability/otel"
	"beaconnet/p2p"
	"beaconnet/p2p/lp2p"
	"beaconnet/p2p/peers"
	"beaconnet/p2p/seeds"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	env := strings.TrimSpace(os.Getenv("BEACONNET_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("p2pd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "p2pd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    cfg.Telemetry.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.OTLPHeaders),
		})
		if err != nil {
			panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("p2pd stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("p2pd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	identity, err := lp2p.LoadOrCreateIdentity(cfg.NodeKeyFile)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	logger.Info("Loaded node identity",
		slog.String("peer_id", identity.PeerID.String()),
		logging.MaskField("node_id", identity.NodeID))

	archive, err := peers.OpenArchive(filepath.Join(cfg.DataDir, "bans"))
	if err != nil {
		return err
	}
	defer archive.Close()

	netCfg, err := cfg.Network()
	if err != nil {
		return err
	}
	stack, err := lp2p.NewNode(ctx, cfg.Node(identity))
	if err != nil {
		return err
	}
	defer stack.Close()

	network, err := p2p.New(netCfg, stack.Transport,
		p2p.WithGossip(stack.Gossip),
		p2p.WithDiscovery(stack.Discovery),
		p2p.WithBanArchive(archive))
	if err != nil {
		return err
	}
	stack.Bind(ctx, network)
	for _, addr := range stack.Host.Addrs() {
		logger.Info("Listening", slog.String("addr", addr.String()))
	}

	registry, err := loadSeeds(cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return network.Run(ctx) })
	g.Go(func() error { return serveEvents(ctx, network, logger) })
	g.Go(func() error {
		refreshSeeds(ctx, stack, registry, logger)
		return nil
	})
	g.Go(func() error {
		interval := time.Duration(cfg.Gossip.AdvertiseSeconds) * time.Second
		stack.Discovery.Advertise(ctx, interval, func(ctx context.Context) []peers.Subnet {
			md, err := network.Metadata(ctx)
			if err != nil {
				return nil
			}
			return md.Subnets()
		})
		return nil
	})
	if listen := strings.TrimSpace(cfg.Telemetry.MetricsListen); listen != "" {
		g.Go(func() error { return serveMetrics(ctx, listen, logger) })
	}

	logger.Info("p2pd initialised and running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadSeeds(cfg *config.Config) (*seeds.Registry, error) {
	static, err := seeds.FromAddrs(cfg.Bootnodes)
	if err != nil {
		return nil, fmt.Errorf("bootnodes: %w", err)
	}
	if cfg.SeedsFile == "" {
		return static, nil
	}
	registry, err := seeds.Load(cfg.SeedsFile)
	if err != nil {
		return nil, err
	}
	registry.StaticSeeds = append(static.StaticSeeds, registry.StaticSeeds...)
	return registry, nil
}

// refreshSeeds feeds seeds into the network at start and again whenever the
// registry's DNS authorities are due.
func refreshSeeds(ctx context.Context, stack *lp2p.Node, registry *seeds.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(registry.RefreshInterval())
	defer ticker.Stop()
	for {
		resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resolved, err := registry.Resolve(resolveCtx, time.Now(), seeds.DefaultResolver())
		cancel()
		if err != nil {
			logger.Warn("DNS seed resolution failed", slog.Any("error", err))
		}
		infos := seeds.AddrInfos(resolved)
		if err := stack.Bootstrap(ctx, infos); err != nil && ctx.Err() == nil {
			logger.Warn("Bootstrap failed", slog.Any("error", err))
		}
		logger.Debug("Seeds refreshed", slog.Int("seeds", len(infos)), slog.Any("peers", peerIDs(infos)))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func peerIDs(infos []peer.AddrInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.ID.ShortString())
	}
	return out
}

func serveMetrics(ctx context.Context, listen string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("Serving metrics", slog.String("addr", listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/empower1/netlayer/cmd/empower1d/cli"
	"github.com/empower1/netlayer/internal/bus"
	"github.com/empower1/netlayer/internal/chainstub"
	"github.com/empower1/netlayer/internal/config"
	"github.com/empower1/netlayer/internal/network"
	"github.com/empower1/netlayer/internal/p2p"
	"github.com/empower1/netlayer/internal/p2p/discovery"
	"github.com/empower1/netlayer/internal/p2p/transfer"
)

const metricsAddr = ":9100"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "empower1d: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	root := cli.NewCLI(run, log)
	if err := root.Execute(); err != nil {
		log.Fatalw("fatal error", "error", err)
	}
}

func run(configPath string, log *zap.SugaredLogger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	b, err := bus.Connect(nats.DefaultURL, log)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	manager := p2p.NewManager(cfg.MaxConnects, log)
	manager.Seed(cfg.KnownAddrs())

	registry := prometheus.NewRegistry()
	for _, c := range manager.Collectors() {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	go serveMetrics(registry, log)

	service, err := p2p.NewService(p2p.ServiceConfig{ListenPort: int(cfg.Port)}, log)
	if err != nil {
		return fmt.Errorf("start p2p service: %w", err)
	}
	defer service.Close()

	client := p2p.NewClient(manager, log)
	eventHandler := p2p.NewEventHandler(client, log)
	service.SetEventHandler(eventHandler)
	manager.SetServiceControl(service)

	engine := network.NewEngine(b, client, log)
	engineClient := network.NewClient(engine, log)

	xferHandler := transfer.NewHandler(engineClient, log)
	service.SetTransferHandler(xferHandler.Received)
	service.SetTransferLifecycle(xferHandler)

	discoveryAdapter := discovery.NewAdapter(client, log)
	service.SetDiscoveryHandler(discoveryAdapter.StreamHandler())

	stub := chainstub.New(b, log)
	if err := stub.Start(); err != nil {
		return fmt.Errorf("start chainstub: %w", err)
	}
	defer stub.Stop()

	localTopics := []string{
		"Chain.Status",
		"Chain.SyncResponse",
		"JsonRpc.RequestNet",
		"Snapshot.SnapshotReq",
	}
	if err := b.SubscribeAll(localTopics, engineClient.HandleLocalMessage); err != nil {
		return fmt.Errorf("subscribe local topics: %w", err)
	}

	service.Start()
	go manager.Run()
	go engine.Run()

	log.Infow("empower1d running", "port", cfg.Port, "max_connects", cfg.MaxConnects)
	select {}
}

func serveMetrics(registry *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(metricsAddr, mux); err != nil {
		log.Errorw("metrics server stopped", "error", err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/cti-bridge/internal/bridge"
	"github.com/sweeney/cti-bridge/internal/classify"
	"github.com/sweeney/cti-bridge/internal/config"
	"github.com/sweeney/cti-bridge/internal/contact"
	"github.com/sweeney/cti-bridge/internal/discovery"
	"github.com/sweeney/cti-bridge/internal/feed"
	"github.com/sweeney/cti-bridge/internal/mirror"
	"github.com/sweeney/cti-bridge/internal/registry"
	"github.com/sweeney/cti-bridge/internal/route"
)

func main() {
	configPath := flag.String("config", "/etc/cti-bridge/cti-bridge.yaml", "Path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	table := discovery.NewTable(discovery.WithLimits(
		cfg.Discovery.MaxEventTypes, cfg.Discovery.MaxCallIDs, cfg.Discovery.SampleLimit))
	classifier := classify.New(classify.WithDiscovery(table))

	var rules []route.Rule
	if cfg.Routing.RulesFile != "" {
		loaded, err := route.LoadRules(cfg.Routing.RulesFile)
		if err != nil {
			return fmt.Errorf("loading routing rules: %w", err)
		}
		rules = loaded
		logger.Info("loaded routing rules", "path", cfg.Routing.RulesFile, "rules", len(rules))
	}
	router := route.NewRouter(rules)

	reg := registry.New(route.IsTerminal)
	sweeper := registry.NewSweeper(reg,
		cfg.Registry.SweepInterval.Std(), cfg.Registry.RetentionWindow.Std(), logger)

	client := contact.NewHTTPClient(contact.HTTPOptions{
		Endpoint: cfg.Contact.Endpoint,
		Timeout:  cfg.Contact.RequestTimeout.Std(),
	})
	publisher := contact.NewPublisher(client, reg, logger, contact.Options{
		MaxAttempts: cfg.Contact.MaxAttempts,
		BaseDelay:   cfg.Contact.RetryBaseDelay.Std(),
	})

	var m mirror.Mirror
	if cfg.MQTT.Enabled {
		mq, err := mirror.NewMQTTMirror(mirror.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         byte(cfg.MQTT.QoS),
			StatusTopic: cfg.MQTT.TopicPrefix + "/bridge/status",
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer mq.Close()
		logger.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
		m = mq
	}

	b := bridge.New(classifier, router, reg, publisher, table, logger, bridge.Options{
		Workers:        cfg.Ingest.Workers,
		PublishWorkers: cfg.Ingest.PublishWorkers,
		QueueSize:      cfg.Ingest.QueueSize,
		ShutdownGrace:  cfg.Ingest.ShutdownGrace.Std(),
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		Mirror:         m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		return publisher.RunHeartbeat(gctx, cfg.Contact.HeartbeatInterval.Std())
	})
	if cfg.Routing.Watch {
		g.Go(func() error {
			return route.Watch(gctx, cfg.Routing.RulesFile, router, logger)
		})
	}
	g.Go(func() error { return feedLoop(gctx, cfg.Feed, b, logger) })
	g.Go(func() error { return statusLoop(gctx, b, logger) })

	return g.Wait()
}

// feedLoop keeps a payload session open against the switching platform's
// feed, reconnecting after errors until ctx is cancelled.
func feedLoop(ctx context.Context, cfg config.FeedConfig, b *bridge.Bridge, logger *slog.Logger) error {
	for {
		err := feedSession(ctx, cfg, b, logger)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Warn("feed session ended, reconnecting",
				"error", err, "delay", cfg.ReconnectDelay.Std().String())
		}
		select {
		case <-time.After(cfg.ReconnectDelay.Std()):
		case <-ctx.Done():
			return nil
		}
	}
}

func feedSession(ctx context.Context, cfg config.FeedConfig, b *bridge.Bridge, logger *slog.Logger) error {
	logger.Info("connecting to event feed", "address", cfg.Address)

	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout.Std())
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	// Close the connection when the context is cancelled so the scanner
	// unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	logger.Info("feed connected, ingesting events")

	scanner := feed.NewScanner(conn)
	for {
		payload, ok := scanner.Next()
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading feed: %w", err)
			}
			return fmt.Errorf("feed connection closed")
		}
		b.Submit(payload)
	}
}

// statusLoop logs a pipeline summary once a minute.
func statusLoop(ctx context.Context, b *bridge.Bridge, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := b.Status()
			logger.Info("pipeline status",
				"processed", st.Processed,
				"published", st.Published,
				"suppressed", st.Suppressed,
				"errors", st.Errors,
				"active_sessions", st.ActiveSessions,
				"contact_mappings", st.ContactMappings,
				"discovered_types", st.DiscoveredTypes)
		}
	}
}

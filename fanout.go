package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fanout/admin"
	"github.com/maxpert/fanout/cfg"
	"github.com/maxpert/fanout/cluster"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/publisher/transport"
	"github.com/maxpert/fanout/pubsub"
	"github.com/maxpert/fanout/subscription"
	"github.com/maxpert/fanout/telemetry"
)

// loggingEngine is the daemon's stand-in resolution engine. The daemon carries
// no query executor; it records each delivery and leaves execution to the
// application embedding the library, which supplies its own Engine through
// pubsub.Config.
type loggingEngine struct{}

func (loggingEngine) Resolve(_ context.Context, doc subscription.Materialized, _ map[string]interface{}) error {
	log.Debug().
		Str("owner", doc.Owner).
		Str("subscription", doc.SubscriptionID).
		Int("phases", len(doc.Pipeline.Phases)).
		Msg("Delivery resolved")
	return nil
}

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Fanout v1.0 - Realtime Subscription Fanout")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Initialize broadcast transport
	log.Info().Str("transport", string(cfg.Config.Broadcast.Transport)).Msg("Initializing broadcast transport")
	trans, err := publisher.CreateTransport(cfg.Config.Broadcast)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize broadcast transport")
		return
	}

	var journaled *transport.JournaledTransport
	if cfg.Config.Journal.Enabled {
		log.Info().Str("path", cfg.JournalPath()).Msg("Enabling durable broadcast journal")
		journaled, err = transport.WrapWithJournal(trans, cfg.JournalPath(), cfg.Config.Journal)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open broadcast journal")
			return
		}
		trans = journaled
	}

	// Start cluster peer tracking
	peers := cluster.NewView(
		time.Duration(cfg.Config.Cluster.PeerTimeoutSeconds)*time.Second,
		time.Duration(cfg.Config.Cluster.SweepIntervalMS)*time.Millisecond,
	)
	peers.Start()
	defer peers.Stop()

	filter, err := publisher.NewGlobFilter(cfg.Config.Filter.AllowedFields, cfg.Config.Filter.AllowedTopics)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid delivery filter pattern")
		return
	}

	// Assemble the pubsub handle
	log.Info().Msg("Initializing pubsub")
	handle, err := pubsub.New(pubsub.Config{
		NodeID:        cfg.Config.NodeID,
		PoolSize:      cfg.Config.Broadcast.PoolSize,
		PlanCacheSize: cfg.Config.Cache.PlanCacheSize,
		DedupWindow:   cfg.Config.Cache.DedupWindowSize,
		Engine:        loggingEngine{},
		Transport:     trans,
		Filter:        filter,
		Peers:         peers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pubsub")
		return
	}
	defer handle.Close()

	collector := telemetry.NewMetricsCollector(handle.Registry(), 10*time.Second)
	collector.Start()
	defer collector.Stop()

	// Start admin HTTP server
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		log.Info().Msg("Initializing admin server")
		var journalStats admin.JournalStats
		if journaled != nil {
			journalStats = journaled.Journal()
		}
		handlers := admin.NewHandlers(cfg.Config.NodeID, handle.Registry(), handle.Store(), peers, journalStats)
		adminServer = admin.NewServer(handlers, telemetry.GetMetricsHandler())
		adminServer.Start()
	}

	log.Info().Msg("Fanout v1.0 started successfully")
	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("pool_size", cfg.Config.Broadcast.PoolSize).
		Msg("Node is operational")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}

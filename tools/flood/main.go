package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxpert/fanout/encoding"
	"github.com/maxpert/fanout/publisher"
	"github.com/maxpert/fanout/publisher/transport"
	"github.com/maxpert/fanout/pubsub"
	"github.com/maxpert/fanout/subscription"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		runWorkload(args)
	case "version":
		fmt.Printf("flood version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`flood - fanout load generator

Usage:
  flood <command> [options]

Commands:
  run       Run fanout workload
  version   Print version
  help      Show this help

Run Options:
  --transport       Broadcast transport: memory|nats|kafka (default: memory)
  --nats-urls       Comma-separated NATS URLs (nats transport)
  --brokers         Comma-separated Kafka brokers (kafka transport)
  --topic           Kafka topic (kafka transport)
  --nodes           In-process nodes to run (default: 2)
  --pool-size       Broadcast shard count (default: 16)
  --owners          Owners to bind before the run (default: 100)
  --subs-per-owner  Subscriptions per owner (default: 10)
  --topics          Topic key space size (default: 1000)
  --workload        Workload type: mixed|publish-only|churn-heavy (default: mixed)
  --operations      Total operations to execute (default: 50000)
  --duration        Duration to run (e.g., 60s), overrides --operations
  --threads         Number of concurrent workers (default: 20)
  --publish-pct     Publish percentage (overrides workload default)
  --subscribe-pct   Subscribe percentage (overrides workload default)
  --unsubscribe-pct Unsubscribe percentage (overrides workload default)
  --settle-delay    Time to let deliveries drain before the report (default: 2s)

Examples:
  flood run --nodes=3 --owners=500 --subs-per-owner=20 --operations=100000
  flood run --transport=nats --nats-urls=nats://127.0.0.1:4222 --duration=60s
  flood run --workload=churn-heavy --threads=50 --topics=100`)
}

func runWorkload(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	fs.StringVar(&cfg.Transport, "transport", "memory", "Broadcast transport: memory|nats|kafka")
	fs.StringVar(&cfg.NATSURLs, "nats-urls", "", "Comma-separated NATS URLs")
	fs.StringVar(&cfg.Brokers, "brokers", "", "Comma-separated Kafka brokers")
	fs.StringVar(&cfg.Topic, "topic", "", "Kafka topic")
	fs.IntVar(&cfg.Nodes, "nodes", 2, "In-process nodes to run")
	fs.IntVar(&cfg.PoolSize, "pool-size", 16, "Broadcast shard count")
	fs.IntVar(&cfg.Owners, "owners", 100, "Owners to bind before the run")
	fs.IntVar(&cfg.SubsPerOwner, "subs-per-owner", 10, "Subscriptions per owner")
	fs.IntVar(&cfg.Topics, "topics", 1000, "Topic key space size")
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&cfg.Operations, "operations", 50000, "Total operations to execute")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --operations)")
	fs.IntVar(&cfg.Threads, "threads", 20, "Number of concurrent workers")
	fs.IntVar(&cfg.PublishPct, "publish-pct", -1, "Publish percentage (overrides workload)")
	fs.IntVar(&cfg.SubscribePct, "subscribe-pct", -1, "Subscribe percentage (overrides workload)")
	fs.IntVar(&cfg.UnsubscribePct, "unsubscribe-pct", -1, "Unsubscribe percentage (overrides workload)")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", 2*time.Second, "Time to let deliveries drain before the report")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	if err := executeRun(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Workload failed: %v\n", err)
		os.Exit(1)
	}
}

func executeRun(ctx context.Context, cfg *Config) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Flood Fanout Workload                     ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	dist := cfg.GetWorkloadDistribution()
	if err := dist.Validate(); err != nil {
		return err
	}

	fmt.Printf("Transport:    %s\n", cfg.Transport)
	fmt.Printf("Nodes:        %d\n", cfg.Nodes)
	fmt.Printf("Owners:       %d x %d subscriptions\n", cfg.Owners, cfg.SubsPerOwner)
	fmt.Printf("Topics:       %d\n", cfg.Topics)
	fmt.Printf("Workload:     %s\n", cfg.Workload)
	fmt.Printf("Distribution: P:%d%% S:%d%% U:%d%%\n", dist.Publish, dist.Subscribe, dist.Unsubscribe)
	fmt.Printf("Operations:   %d\n", cfg.Operations)
	if cfg.Duration > 0 {
		fmt.Printf("Duration:     %s\n", cfg.Duration)
	}
	fmt.Printf("Threads:      %d\n", cfg.Threads)
	fmt.Println()

	// Library log lines would interleave with the progress report
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	stats := NewStats()

	// Build the in-process cluster
	hub := transport.NewHub()
	handles := make([]*pubsub.Handle, cfg.Nodes)
	for i := range handles {
		tr, err := buildTransport(cfg, hub, i)
		if err != nil {
			return fmt.Errorf("failed to create transport for node %d: %w", i+1, err)
		}

		handles[i], err = pubsub.New(pubsub.Config{
			NodeID:    uint64(i + 1),
			PoolSize:  cfg.PoolSize,
			Engine:    &floodEngine{stats: stats},
			Transport: tr,
		})
		if err != nil {
			return fmt.Errorf("failed to create node %d: %w", i+1, err)
		}
	}
	defer func() {
		for _, h := range handles {
			_ = h.Close()
		}
	}()
	fmt.Printf("Started %d nodes\n", len(handles))

	plan, err := encoding.Pack(encoding.Pipeline{Phases: []encoding.Phase{{Name: "resolve"}}})
	if err != nil {
		return err
	}

	// Load phase: bind owners round-robin across nodes and populate their
	// subscriptions
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	slots := make([]*ownerSlot, cfg.Owners)
	for i := range slots {
		node := handles[i%len(handles)]
		owner, err := node.BindOwner(context.Background(), fmt.Sprintf("flood-owner-%d", i))
		if err != nil {
			return fmt.Errorf("failed to bind owner %d: %w", i, err)
		}

		slot := &ownerSlot{
			node:     node,
			owner:    owner,
			idPrefix: fmt.Sprintf("o%d", i),
			session:  map[string]interface{}{"owner": fmt.Sprintf("flood-owner-%d", i)},
		}
		for j := 0; j < cfg.SubsPerOwner; j++ {
			slot.nextID++
			sid := fmt.Sprintf("%s-s%d", slot.idPrefix, slot.nextID)
			if err := node.Subscribe(owner, subscription.Document{
				SubscriptionID: sid,
				ContextID:      "session",
				Topic:          topicName(rng.Intn(cfg.Topics)),
				Plan:           plan,
			}, slot.session); err != nil {
				return fmt.Errorf("failed to subscribe %s: %w", sid, err)
			}
			slot.subs = append(slot.subs, sid)
		}
		slots[i] = slot
	}
	fmt.Printf("Bound %d owners with %d subscriptions\n\n", cfg.Owners, cfg.Owners*cfg.SubsPerOwner)

	// Create operation channel
	opsChan := make(chan struct{}, cfg.Threads*10)

	var wg sync.WaitGroup
	start := time.Now()

	// Start workers
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		opSelector := NewOpSelector(dist, time.Now().UnixNano()+int64(i))
		worker := NewWorker(i, handles[i%len(handles)], slots, cfg.Topics, plan, opSelector, stats)
		go worker.Run(ctx, opsChan, &wg)
	}

	// Start reporter
	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats)

	// Feed operations
	if cfg.Duration > 0 {
		deadline := time.After(cfg.Duration)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-deadline:
				break loop
			case opsChan <- struct{}{}:
			}
		}
	} else {
	opsLoop:
		for i := 0; i < cfg.Operations; i++ {
			select {
			case <-ctx.Done():
				break opsLoop
			case opsChan <- struct{}{}:
			}
		}
	}

	close(opsChan)
	wg.Wait()
	elapsed := time.Since(start)

	if cfg.SettleDelay > 0 {
		fmt.Printf("\nWaiting %s for deliveries to settle...\n", cfg.SettleDelay)
		time.Sleep(cfg.SettleDelay)
	}
	stopReporter()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("                  WORKLOAD COMPLETE                    ")
	fmt.Println("═══════════════════════════════════════════════════════")
	stats.PrintFinal(elapsed)

	return nil
}

func buildTransport(cfg *Config, hub *transport.Hub, node int) (publisher.Transport, error) {
	switch cfg.Transport {
	case "memory":
		return hub.Transport(), nil
	case "nats":
		return transport.NewNATSTransport(cfg.NATSList(), "flood.shard")
	case "kafka":
		return transport.NewKafkaTransport(cfg.BrokerList(), cfg.Topic, fmt.Sprintf("flood-node-%d", node+1))
	}
	return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
}

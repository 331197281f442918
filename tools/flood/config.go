package main

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Cluster shape
	Transport string // memory | nats | kafka
	NATSURLs  string
	Brokers   string
	Topic     string
	Nodes     int
	PoolSize  int

	// Subscription population loaded before the run
	Owners       int
	SubsPerOwner int
	Topics       int // Size of the topic key space

	// Run options
	Workload   string
	Operations int
	Duration   time.Duration
	Threads    int

	// Workload percentages (-1 means use workload default)
	PublishPct     int
	SubscribePct   int
	UnsubscribePct int

	// Time to let remote deliveries drain before the final report
	SettleDelay time.Duration

	// Derived
	natsList   []string
	brokerList []string
}

func (c *Config) Validate() error {
	switch c.Transport {
	case "memory", "nats", "kafka":
	case "":
		c.Transport = "memory"
	default:
		return fmt.Errorf("invalid transport: %s (must be memory|nats|kafka)", c.Transport)
	}

	if c.Transport == "nats" {
		c.natsList = splitHostList(c.NATSURLs)
		if len(c.natsList) == 0 {
			return fmt.Errorf("nats transport requires --nats-urls")
		}
	}
	if c.Transport == "kafka" {
		c.brokerList = splitHostList(c.Brokers)
		if len(c.brokerList) == 0 {
			return fmt.Errorf("kafka transport requires --brokers")
		}
		if c.Topic == "" {
			return fmt.Errorf("kafka transport requires --topic")
		}
	}

	if c.Nodes < 1 {
		return fmt.Errorf("nodes must be at least 1")
	}

	if c.PoolSize < 1 {
		return fmt.Errorf("pool-size must be at least 1")
	}

	if c.Owners < 1 {
		return fmt.Errorf("owners must be at least 1")
	}

	if c.SubsPerOwner < 0 {
		return fmt.Errorf("subs-per-owner must be non-negative")
	}

	if c.Topics < 1 {
		return fmt.Errorf("topics must be at least 1")
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.Operations < 0 {
		return fmt.Errorf("operations must be non-negative")
	}

	// Validate workload type
	switch c.Workload {
	case "mixed", "publish-only", "churn-heavy":
		// valid
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|publish-only|churn-heavy)", c.Workload)
	}

	return nil
}

func (c *Config) NATSList() []string {
	return c.natsList
}

func (c *Config) BrokerList() []string {
	return c.brokerList
}

func splitHostList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution

	// Start with defaults based on workload type
	switch c.Workload {
	case "mixed":
		dist = WorkloadDistribution{Publish: 70, Subscribe: 20, Unsubscribe: 10}
	case "publish-only":
		dist = WorkloadDistribution{Publish: 100, Subscribe: 0, Unsubscribe: 0}
	case "churn-heavy":
		dist = WorkloadDistribution{Publish: 40, Subscribe: 35, Unsubscribe: 25}
	}

	// Override with explicit percentages if provided
	if c.PublishPct >= 0 {
		dist.Publish = c.PublishPct
	}
	if c.SubscribePct >= 0 {
		dist.Subscribe = c.SubscribePct
	}
	if c.UnsubscribePct >= 0 {
		dist.Unsubscribe = c.UnsubscribePct
	}

	return dist
}

type WorkloadDistribution struct {
	Publish     int
	Subscribe   int
	Unsubscribe int
}

func (w WorkloadDistribution) Total() int {
	return w.Publish + w.Subscribe + w.Unsubscribe
}

func (w WorkloadDistribution) Validate() error {
	total := w.Total()
	if total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}

package telemetry

import (
	"sync"
	"time"
)

// StatsSource interface for components that expose registry counts
type StatsSource interface {
	OwnerCount() int
	TopicCount() int
	SubscriptionCount() int
	ContextCount() int
}

// MetricsCollector periodically collects registry stats and updates telemetry gauges
type MetricsCollector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(source StatsSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.source == nil {
		return
	}

	ActiveOwners.Set(float64(mc.source.OwnerCount()))
	ActiveTopics.Set(float64(mc.source.TopicCount()))
	ActiveSubscriptions.Set(float64(mc.source.SubscriptionCount()))
	ActiveContexts.Set(float64(mc.source.ContextCount()))
}

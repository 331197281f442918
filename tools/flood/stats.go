package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks workload statistics using atomic operations.
type Stats struct {
	// Counters per operation type
	publishOps     uint64
	subscribeOps   uint64
	unsubscribeOps uint64

	// Error counters per operation type
	publishErrors   uint64
	subscribeErrors uint64

	// Unsubscribes that found nothing to remove
	unsubscribeMisses uint64

	// Engine-side delivery counter, incremented by every node
	deliveries uint64

	// Latency tracking (microseconds)
	mu                sync.Mutex
	publishLatencies  []int64
	deliveryLatencies []int64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		publishLatencies:  make([]int64, 0, 100000),
		deliveryLatencies: make([]int64, 0, 100000),
	}
}

// RecordOp records a successful operation.
func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	switch opType {
	case OpPublish:
		atomic.AddUint64(&s.publishOps, 1)
		s.mu.Lock()
		s.publishLatencies = append(s.publishLatencies, latency.Microseconds())
		s.mu.Unlock()
	case OpSubscribe:
		atomic.AddUint64(&s.subscribeOps, 1)
	case OpUnsubscribe:
		atomic.AddUint64(&s.unsubscribeOps, 1)
	}
}

// RecordError records a failed operation.
func (s *Stats) RecordError(opType OpType) {
	switch opType {
	case OpPublish:
		atomic.AddUint64(&s.publishErrors, 1)
	case OpSubscribe:
		atomic.AddUint64(&s.subscribeErrors, 1)
	}
}

// RecordUnsubscribeMiss records an unsubscribe that matched no subscription.
func (s *Stats) RecordUnsubscribeMiss() {
	atomic.AddUint64(&s.unsubscribeMisses, 1)
}

// RecordDelivery records one engine resolution and its publish-to-resolve lag.
func (s *Stats) RecordDelivery(latency time.Duration) {
	atomic.AddUint64(&s.deliveries, 1)
	s.mu.Lock()
	s.deliveryLatencies = append(s.deliveryLatencies, latency.Microseconds())
	s.mu.Unlock()
}

// TotalOps returns total successful operations.
func (s *Stats) TotalOps() uint64 {
	return atomic.LoadUint64(&s.publishOps) +
		atomic.LoadUint64(&s.subscribeOps) +
		atomic.LoadUint64(&s.unsubscribeOps)
}

// TotalErrors returns total errors.
func (s *Stats) TotalErrors() uint64 {
	return atomic.LoadUint64(&s.publishErrors) +
		atomic.LoadUint64(&s.subscribeErrors)
}

// Deliveries returns the delivery count.
func (s *Stats) Deliveries() uint64 {
	return atomic.LoadUint64(&s.deliveries)
}

func percentiles(latencies []int64) (p50, p90, p95, p99 int64) {
	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 = sorted[n*50/100]
	p90 = sorted[n*90/100]
	p95 = sorted[n*95/100]
	p99 = sorted[n*99/100]

	return p50, p90, p95, p99
}

func latencyRange(latencies []int64) (min, max, avg int64) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}

	min = latencies[0]
	max = latencies[0]
	var sum int64

	for _, l := range latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}

	avg = sum / int64(len(latencies))
	return min, max, avg
}

// Snapshot returns a copy of current counters.
type Snapshot struct {
	PublishOps     uint64
	SubscribeOps   uint64
	UnsubscribeOps uint64
	Deliveries     uint64
	Errors         uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		PublishOps:     atomic.LoadUint64(&s.publishOps),
		SubscribeOps:   atomic.LoadUint64(&s.subscribeOps),
		UnsubscribeOps: atomic.LoadUint64(&s.unsubscribeOps),
		Deliveries:     atomic.LoadUint64(&s.deliveries),
		Errors:         s.TotalErrors(),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	totalOps := s.TotalOps()
	totalErrors := s.TotalErrors()
	publishes := atomic.LoadUint64(&s.publishOps)
	deliveries := s.Deliveries()

	throughput := float64(totalOps) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f ops/sec\n", throughput)
	fmt.Println()

	fmt.Println("Operations:")
	fmt.Printf("  PUBLISH:     %d\n", publishes)
	fmt.Printf("  SUBSCRIBE:   %d\n", atomic.LoadUint64(&s.subscribeOps))
	fmt.Printf("  UNSUBSCRIBE: %d\n", atomic.LoadUint64(&s.unsubscribeOps))
	fmt.Printf("  TOTAL:       %d\n", totalOps)
	fmt.Println()

	fmt.Println("Deliveries:")
	fmt.Printf("  Total:       %d\n", deliveries)
	fmt.Printf("  Rate:        %.2f dlv/sec\n", float64(deliveries)/elapsed.Seconds())
	if publishes > 0 {
		fmt.Printf("  Per publish: %.2f\n", float64(deliveries)/float64(publishes))
	}
	fmt.Println()

	if totalErrors > 0 || atomic.LoadUint64(&s.unsubscribeMisses) > 0 {
		fmt.Println("Errors:")
		if atomic.LoadUint64(&s.publishErrors) > 0 {
			fmt.Printf("  PUBLISH errors:     %d\n", atomic.LoadUint64(&s.publishErrors))
		}
		if atomic.LoadUint64(&s.subscribeErrors) > 0 {
			fmt.Printf("  SUBSCRIBE errors:   %d\n", atomic.LoadUint64(&s.subscribeErrors))
		}
		if atomic.LoadUint64(&s.unsubscribeMisses) > 0 {
			fmt.Printf("  UNSUBSCRIBE misses: %d\n", atomic.LoadUint64(&s.unsubscribeMisses))
		}
		fmt.Println()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	min, max, avg := latencyRange(s.publishLatencies)
	p50, p90, p95, p99 := percentiles(s.publishLatencies)

	fmt.Println("Publish latency (microseconds):")
	fmt.Printf("  Min:   %d\n", min)
	fmt.Printf("  Avg:   %d\n", avg)
	fmt.Printf("  Max:   %d\n", max)
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)

	if len(s.deliveryLatencies) > 0 {
		min, max, avg = latencyRange(s.deliveryLatencies)
		p50, p90, p95, p99 = percentiles(s.deliveryLatencies)

		fmt.Println()
		fmt.Println("Delivery lag (microseconds, publish to resolve):")
		fmt.Printf("  Min:   %d\n", min)
		fmt.Printf("  Avg:   %d\n", avg)
		fmt.Printf("  Max:   %d\n", max)
		fmt.Printf("  P50:   %d\n", p50)
		fmt.Printf("  P90:   %d\n", p90)
		fmt.Printf("  P95:   %d\n", p95)
		fmt.Printf("  P99:   %d\n", p99)
	}
}

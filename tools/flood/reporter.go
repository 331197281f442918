package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			currentTotal := snapshot.PublishOps + snapshot.SubscribeOps + snapshot.UnsubscribeOps
			lastTotal := lastSnapshot.PublishOps + lastSnapshot.SubscribeOps + lastSnapshot.UnsubscribeOps
			opsSec := currentTotal - lastTotal
			dlvSec := snapshot.Deliveries - lastSnapshot.Deliveries

			cumThroughput := float64(currentTotal) / elapsed.Seconds()

			fmt.Printf("[%5.0fs] ops/sec: %6d | dlv/sec: %6d | total: %8d | deliveries: %8d | errors: %4d | throughput: %.1f ops/sec\n",
				elapsed.Seconds(),
				opsSec,
				dlvSec,
				currentTotal,
				snapshot.Deliveries,
				snapshot.Errors,
				cumThroughput,
			)

			lastSnapshot = snapshot
		}
	}
}

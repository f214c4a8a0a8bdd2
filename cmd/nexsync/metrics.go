package main

import (
	"context"
	"log"
	"time"

	"github.com/nadmax/nexsync/internal/metrics"
	"github.com/nadmax/nexsync/internal/queue"
)

const metricsInterval = 10 * time.Second

func startMetricsCollector(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	updateOutboxMetrics(ctx, q)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateOutboxMetrics(ctx, q)
		}
	}
}

func updateOutboxMetrics(ctx context.Context, q *queue.Queue) {
	counts, err := q.CountByStatus(ctx)
	if err != nil {
		log.Printf("Failed to count outbox entries for metrics: %v", err)
		return
	}
	metrics.UpdateOutboxGauges(counts)

	owners, err := q.PendingOwners(ctx)
	if err != nil {
		log.Printf("Failed to list pending owners for metrics: %v", err)
		return
	}
	metrics.UpdatePendingOwners(len(owners))
}

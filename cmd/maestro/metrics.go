package main

import (
	"context"
	"strconv"
	"time"

	"maestro/internal/logging"
	"maestro/internal/metrics"
)

// snapshotLoop logs the counter snapshot at the configured cadence so
// operators get a periodic health line without an external scraper.
func snapshotLoop(ctx context.Context, logger *logging.Logger, registry *metrics.Registry, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := registry.Snapshot()
			fields := make(map[string]string, len(snapshot))
			for _, key := range metrics.SnapshotKeys(snapshot) {
				fields[key] = strconv.FormatInt(snapshot[key], 10)
			}
			logger.Info("metrics snapshot", fields)
		case <-ctx.Done():
			return
		}
	}
}

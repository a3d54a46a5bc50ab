package core

import (
	"fmt"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// ReplayStats summarises the rows of one replay.
type ReplayStats struct {
	ID             string        `json:"id"`
	HasInit        bool          `json:"has_init"`
	EventCount     int           `json:"event_count"`
	PayloadCount   int           `json:"payload_count"`
	PayloadBytes   int64         `json:"payload_bytes"`
	FirstTimestamp time.Time     `json:"first_timestamp"`
	LastTimestamp  time.Time     `json:"last_timestamp"`
	Duration       time.Duration `json:"duration"`
	PayloadSizeP50 float64       `json:"payload_size_p50"`
	PayloadSizeP95 float64       `json:"payload_size_p95"`
}

// ComputeStats builds ReplayStats from raw rows. Payload size quantiles are
// estimated with a t-digest and are zero when there are no payloads.
func ComputeStats(replayID string, rows []Row) (*ReplayStats, error) {
	stats := &ReplayStats{ID: replayID}
	parts := PartitionRows(replayID, rows)

	var first, last int64
	seen := false
	for _, kind := range DataTypes {
		for _, row := range parts[kind] {
			if !seen || row.Timestamp < first {
				first = row.Timestamp
			}
			if !seen || row.Timestamp > last {
				last = row.Timestamp
			}
			seen = true
		}
	}
	if seen {
		stats.FirstTimestamp = time.Unix(0, first).UTC()
		stats.LastTimestamp = time.Unix(0, last).UTC()
		stats.Duration = time.Duration(last - first)
	}

	stats.HasInit = len(parts[DataTypeInit]) > 0
	stats.EventCount = len(parts[DataTypeEvent])

	payloads := parts[DataTypePayload]
	stats.PayloadCount = len(payloads)
	if len(payloads) == 0 {
		return stats, nil
	}

	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	for _, row := range payloads {
		stats.PayloadBytes += int64(len(row.Data))
		if err := td.AddWeighted(float64(len(row.Data)), 1); err != nil {
			return nil, fmt.Errorf("tdigest AddWeighted failed: %w", err)
		}
	}
	stats.PayloadSizeP50 = td.Quantile(0.5)
	stats.PayloadSizeP95 = td.Quantile(0.95)
	return stats, nil
}

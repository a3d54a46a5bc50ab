package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
)

var (
	// The expvars are process-wide, so registration happens once no matter
	// how many listeners are created.
	ingestMetricsOnce   sync.Once
	ingestBytesByKind   *expvar.Map
	ingestRecordsByKind *expvar.Map
	ingestFailures      *expvar.Int
)

func initIngestMetrics() {
	ingestMetricsOnce.Do(func() {
		ingestBytesByKind = expvar.NewMap("replaystore_ingest_bytes_total")
		ingestRecordsByKind = expvar.NewMap("replaystore_ingest_records_total")
		ingestFailures = expvar.NewInt("replaystore_ingest_failures_total")
		// Average stored payload size, computed when the metrics are scraped.
		expvar.Publish("replaystore_ingest_avg_payload_bytes", expvar.Func(func() interface{} {
			return averagePayloadBytes()
		}))
	})
}

func averagePayloadBytes() float64 {
	kind := core.DataTypePayload.String()
	records, ok := ingestRecordsByKind.Get(kind).(*expvar.Int)
	if !ok || records.Value() == 0 {
		return 0.0
	}
	bytes, ok := ingestBytesByKind.Get(kind).(*expvar.Int)
	if !ok {
		return 0.0
	}
	return float64(bytes.Value()) / float64(records.Value())
}

// IngestBytesListener exposes per-kind ingest volume as expvar metrics.
type IngestBytesListener struct {
	logger *slog.Logger

	bytesByKind   *expvar.Map
	recordsByKind *expvar.Map
	failures      *expvar.Int
}

// NewIngestBytesListener creates a new listener.
func NewIngestBytesListener(logger *slog.Logger) *IngestBytesListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initIngestMetrics()
	return &IngestBytesListener{
		logger:        logger.With("component", "IngestBytesListener"),
		bytesByKind:   ingestBytesByKind,
		recordsByKind: ingestRecordsByKind,
		failures:      ingestFailures,
	}
}

// OnEvent is called when a PostSetRecord event is triggered.
func (l *IngestBytesListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostSetRecordPayload)
	if !ok {
		return nil
	}
	if payload.Error != nil {
		l.failures.Add(1)
		return nil
	}

	kind := payload.Kind.String()
	l.bytesByKind.Add(kind, int64(payload.Size))
	l.recordsByKind.Add(kind, 1)
	l.logger.Debug("Record ingested", "replay_id", payload.ReplayID, "kind", kind, "bytes", payload.Size)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *IngestBytesListener) Priority() int {
	return 100
}

// IsAsync indicates this listener can run in the background.
func (l *IngestBytesListener) IsAsync() bool {
	return true
}

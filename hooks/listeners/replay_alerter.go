package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/replaystore/cache"
	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
)

// DefaultTrackedReplays bounds how many replay ids the alerter remembers.
const DefaultTrackedReplays = 4096

// ReplayAlerterListener logs notable replay lifecycle changes: failed writes,
// new sessions, and sessions that receive more than one INIT record.
type ReplayAlerterListener struct {
	logger *slog.Logger
	// replay id -> number of INIT records seen by this process
	inits *cache.LRUCache[int]
}

// NewReplayAlerterListener creates a new listener for monitoring replay writes.
func NewReplayAlerterListener(logger *slog.Logger, trackedReplays int) *ReplayAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if trackedReplays <= 0 {
		trackedReplays = DefaultTrackedReplays
	}
	return &ReplayAlerterListener{
		logger: logger.With("component", "ReplayAlerterListener"),
		inits:  cache.NewLRUCache[int](trackedReplays, nil, nil, nil),
	}
}

// OnEvent handles the PostSetRecord event.
func (l *ReplayAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostSetRecord {
		return nil
	}

	payload, ok := event.Payload().(hooks.PostSetRecordPayload)
	if !ok {
		l.logger.Error("Received PostSetRecord event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if payload.Error != nil {
		l.logger.Warn("Replay record write failed",
			"replay_id", payload.ReplayID,
			"kind", payload.Kind.String(),
			"error", payload.Error,
		)
		return nil
	}
	if payload.Kind != core.DataTypeInit {
		return nil
	}

	count, _ := l.inits.Get(payload.ReplayID)
	count++
	l.inits.Put(payload.ReplayID, count)

	if count == 1 {
		l.logger.Info("Replay session started", "replay_id", payload.ReplayID, "seq", payload.Seq)
		return nil
	}
	l.logger.Warn("Replay received another INIT record, the earliest one is kept",
		"replay_id", payload.ReplayID,
		"init_count", count,
		"timestamp", payload.Timestamp,
	)
	return nil
}

// Priority defines the execution order.
func (l *ReplayAlerterListener) Priority() int { return 100 }

// IsAsync is false so INIT counts follow write order.
func (l *ReplayAlerterListener) IsAsync() bool { return false }

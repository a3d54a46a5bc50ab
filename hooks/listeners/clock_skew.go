package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
)

// ErrClockSkew is the cause of the *core.InvalidRecordError returned from
// the pre-hook when rejection is enabled.
var ErrClockSkew = errors.New("record timestamp outside accepted clock skew")

// ClockSkewRule configures the accepted distance between a record timestamp
// and the local clock.
type ClockSkewRule struct {
	MaxPast   time.Duration // zero disables the check
	MaxFuture time.Duration // zero disables the check
	Reject    bool          // veto the write instead of only logging it
}

// ClockSkewListener checks incoming records for timestamps far from the
// local clock, which usually means a misconfigured recorder.
type ClockSkewListener struct {
	logger *slog.Logger
	rule   ClockSkewRule
	now    func() time.Time
}

// NewClockSkewListener creates a new listener for detecting skewed timestamps.
func NewClockSkewListener(logger *slog.Logger, rule ClockSkewRule) *ClockSkewListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ClockSkewListener{
		logger: logger.With("component", "ClockSkewListener"),
		rule:   rule,
		now:    time.Now,
	}
}

// OnEvent handles PreSetRecord events before the record is written.
func (l *ClockSkewListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreSetRecord {
		return nil
	}

	payload, ok := event.Payload().(hooks.PreSetRecordPayload)
	if !ok {
		l.logger.Error("Received PreSetRecord event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if payload.Timestamp == nil || payload.Timestamp.IsZero() {
		// Left to record validation.
		return nil
	}

	skew := payload.Timestamp.Sub(l.now())
	var exceeded bool
	switch {
	case skew > 0 && l.rule.MaxFuture > 0 && skew > l.rule.MaxFuture:
		exceeded = true
	case skew < 0 && l.rule.MaxPast > 0 && -skew > l.rule.MaxPast:
		exceeded = true
	}
	if !exceeded {
		return nil
	}

	var (
		replayID string
		kind     core.DataType
	)
	if payload.ReplayID != nil {
		replayID = *payload.ReplayID
	}
	if payload.Kind != nil {
		kind = *payload.Kind
	}
	l.logger.Warn("Clock skew detected",
		"replay_id", replayID,
		"kind", kind.String(),
		"timestamp", *payload.Timestamp,
		"skew", skew.String(),
		"max_past", l.rule.MaxPast.String(),
		"max_future", l.rule.MaxFuture.String(),
	)
	if l.rule.Reject {
		return &core.InvalidRecordError{Field: "timestamp", Kind: kind, Message: fmt.Sprintf("skew %s", skew), Err: ErrClockSkew}
	}
	return nil
}

// Priority defines the execution order.
func (l *ClockSkewListener) Priority() int { return 50 }

// IsAsync is ignored for pre-hooks, which always run synchronously.
func (l *ClockSkewListener) IsAsync() bool { return false }

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is matched (errors.Is) by every error caused by an
	// unreachable, degraded, closed or not yet bootstrapped storage engine.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotBootstrapped is returned when a store is used before Bootstrap.
	ErrNotBootstrapped = errors.New("store is not bootstrapped")
	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("store is closed")
)

// InvalidRecordError reports a record that cannot be stored: its kind and
// value do not fit together, or a pre-set hook rejected it.
type InvalidRecordError struct {
	Field   string // e.g., "replay_id", "kind", "value", "timestamp", "record"
	Kind    DataType
	Message string
	Err     error // optional cause, e.g. the error a hook vetoed with
}

func (e *InvalidRecordError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Kind.Valid() {
		return fmt.Sprintf("invalid %s record: %s: %s", e.Kind, e.Field, msg)
	}
	return fmt.Sprintf("invalid record: %s: %s", e.Field, msg)
}

func (e *InvalidRecordError) Unwrap() error { return e.Err }

// IsInvalidRecord checks if an error is an InvalidRecordError.
func IsInvalidRecord(err error) bool {
	var invalid *InvalidRecordError
	return errors.As(err, &invalid)
}

// Unavailable wraps an engine error so that it matches ErrStorageUnavailable
// while keeping the original cause in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsStorageUnavailable checks if an error was caused by the storage engine.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

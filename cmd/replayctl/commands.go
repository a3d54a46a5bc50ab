package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/replaystore"
)

// replayJSON is the printed form of a replay. Payloads are base64 encoded.
type replayJSON struct {
	ID       string           `json:"id"`
	Init     map[string]any   `json:"init"`
	Events   []map[string]any `json:"events"`
	Payloads [][]byte         `json:"payloads"`
}

func newFlagSet(name string, stdout io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	return fs
}

func runBootstrap(_ context.Context, store *replaystore.Store, _ []string, stdout io.Writer) error {
	// OpenAndBootstrap already did the work.
	fmt.Fprintf(stdout, "%s store ready\n", store.BackendName())
	return nil
}

func runSet(ctx context.Context, store *replaystore.Store, args []string, stdout io.Writer) error {
	fs := newFlagSet("set", stdout)
	id := fs.String("id", "", "Replay id (a new id is generated when empty)")
	kindName := fs.String("kind", "", "Record kind: init, event or payload")
	tsText := fs.String("ts", "", "Record timestamp, RFC3339 (default now)")
	jsonText := fs.String("json", "", "Record value given inline")
	file := fs.String("file", "", "Read the record value from this file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	kind, err := core.ParseDataType(*kindName)
	if err != nil {
		return err
	}
	ts := time.Now()
	if *tsText != "" {
		if ts, err = time.Parse(time.RFC3339Nano, *tsText); err != nil {
			return fmt.Errorf("invalid -ts: %w", err)
		}
	}

	var raw []byte
	switch {
	case *jsonText != "" && *file != "":
		return fmt.Errorf("-json and -file are mutually exclusive")
	case *jsonText != "":
		raw = []byte(*jsonText)
	case *file != "":
		if raw, err = os.ReadFile(*file); err != nil {
			return err
		}
	default:
		return fmt.Errorf("one of -json or -file is required")
	}

	var value any = raw
	if kind.IsStructured() {
		value = json.RawMessage(raw)
	}

	replayID := *id
	if replayID == "" {
		replayID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := store.Set(ctx, replayID, value, kind, ts); err != nil {
		return err
	}
	fmt.Fprintln(stdout, replayID)
	return nil
}

func runGet(ctx context.Context, store *replaystore.Store, args []string, stdout io.Writer) error {
	fs := newFlagSet("get", stdout)
	id := fs.String("id", "", "Replay id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	replay, err := store.GetReplay(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, replayJSON{ID: replay.ID, Init: replay.Init, Events: replay.Events, Payloads: replay.Payloads})
}

func runStats(ctx context.Context, store *replaystore.Store, args []string, stdout io.Writer) error {
	fs := newFlagSet("stats", stdout)
	id := fs.String("id", "", "Replay id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	stats, err := store.GetReplayStats(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, stats)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package store persists run artifacts and event logs behind a small
// key-value contract. Keys are flat names scoped by run id; Append is the
// line-oriented primitive the event log builds on.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get for a missing run/key pair.
var ErrNotFound = errors.New("artifact not found")

// Store defines operations for persisting run artifacts.
type Store interface {
	Put(ctx context.Context, runID, key string, content []byte) error
	Get(ctx context.Context, runID, key string) ([]byte, error)
	List(ctx context.Context, runID string) ([]string, error)
	// Append adds one line to the artifact, creating it if absent. The
	// line must not contain a newline; the store adds the terminator.
	Append(ctx context.Context, runID, key string, line []byte) error
	// Runs lists every run id that has at least one artifact.
	Runs(ctx context.Context) ([]string, error)
}

func validateKey(runID, key string) (string, string, error) {
	runID = strings.TrimSpace(runID)
	key = strings.TrimSpace(key)
	if runID == "" {
		return "", "", errors.New("run_id is required")
	}
	if key == "" {
		return "", "", errors.New("key is required")
	}
	if !safeName(runID) || !safeName(key) {
		return "", "", errors.New("run_id and key must not contain path separators")
	}
	return runID, key, nil
}

func safeName(name string) bool {
	return !strings.ContainsAny(name, "/\\") && name != "." && name != ".."
}

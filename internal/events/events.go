// Package events is the append-only per-run history. The log is the
// canonical record of what happened; lifecycle state artifacts are only a
// cache of its latest implications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orchestra/internal/store"
)

// Event types in lifecycle order.
const (
	RunCreated         = "RUN_CREATED"
	RunStarted         = "RUN_STARTED"
	StageStarted       = "STAGE_STARTED"
	PromptBuilt        = "PROMPT_BUILT"
	InferenceStarted   = "INFERENCE_STARTED"
	InferenceCompleted = "INFERENCE_COMPLETED"
	StageCompleted     = "STAGE_COMPLETED"
	DecisionMade       = "DECISION_MADE"
	RunCompleted       = "RUN_COMPLETED"
	RunFailed          = "RUN_FAILED"

	// InvalidEvent marks a log line that could not be decoded on read.
	InvalidEvent = "INVALID_EVENT"
)

const logKey = "events"

// Event is one immutable log entry.
type Event struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	StageID   string         `json:"stage_id,omitempty"`
}

// Log appends and reads a run's event history through the artifact store.
type Log struct {
	Store store.Store
}

// Append writes one event and returns it as recorded. Events are never
// reordered or batched; append order is the history.
func (l *Log) Append(ctx context.Context, runID, eventType string, payload map[string]any, stageID string) (Event, error) {
	if l == nil || l.Store == nil {
		return Event{}, fmt.Errorf("event log is nil")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	event := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Payload:   payload,
		StageID:   stageID,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	if err := l.Store.Append(ctx, runID, logKey, line); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

// List returns every event for the run in append order. Undecodable lines
// become INVALID_EVENT entries carrying the raw text; a missing log is an
// empty history, not an error.
func (l *Log) List(ctx context.Context, runID string) ([]Event, error) {
	if l == nil || l.Store == nil {
		return nil, fmt.Errorf("event log is nil")
	}
	raw, err := l.Store.Get(ctx, runID, logKey)
	if errors.Is(err, store.ErrNotFound) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	out := make([]Event, 0, 16)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			out = append(out, Event{
				Type:    InvalidEvent,
				Payload: map[string]any{"raw": line},
			})
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

// Tail returns the last n events, or all of them when n is zero or covers
// the whole log.
func (l *Log) Tail(ctx context.Context, runID string, n int) ([]Event, error) {
	all, err := l.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

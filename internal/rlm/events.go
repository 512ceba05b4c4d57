package rlm

import (
	"context"
	"time"
)

// EventKind names a run lifecycle event.
type EventKind string

const (
	EventRunStarted        EventKind = "run.started"
	EventIterationResponse EventKind = "iteration.response"
	EventIterationOutput   EventKind = "iteration.output"
	EventRunFinished       EventKind = "run.finished"
	EventRunFailed         EventKind = "run.failed"
)

// Event is an iteration-level summary of run progress. Delegated sub-runs
// emit through the same sink with their own RunID and ParentID set.
type Event struct {
	Kind      EventKind `json:"kind"`
	RunID     string    `json:"run_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Depth     int       `json:"depth"`
	Iteration int       `json:"iteration,omitempty"`
	Text      string    `json:"text,omitempty"`
	Time      time.Time `json:"time"`
}

// EventSink receives run events. Emit is called synchronously from the run.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventFunc adapts a function to EventSink.
type EventFunc func(ctx context.Context, ev Event)

func (f EventFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

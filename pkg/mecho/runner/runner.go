// Package runner implements the Subprocess Runner: spawning
// the external coding-agent CLI, streaming its JSONL events, classifying
// errors, and exposing a cancel handle. Two concrete variants exist —
// Primary (rich streaming, --resume, --max-turns retry) and Secondary
// (coarser streaming, `resume <thread_id>` subcommand) — behind the shared
// Runner interface so the Queue Manager never branches on which one it has.
package runner

import (
	"context"
	"time"
)

// EventKind enumerates the streaming event shapes.
type EventKind string

const (
	EventAssistantDelta EventKind = "assistant_delta"
	EventToolUse        EventKind = "tool_use"
	EventToolResult     EventKind = "tool_result"
	EventStatus         EventKind = "status"
)

// Event is one decoded line of the child's JSONL stream.
type Event struct {
	Kind EventKind
	Text string
	Raw  map[string]any
}

// Usage captures the token accounting a terminal event may carry, including
// context_window when the underlying engine reports a per-model usage map.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	TotalContextTokens int64
	ContextWindow     int64
}

// Result is what a Run call returns, matching 's tuple exactly.
type Result struct {
	Success   bool
	Text      string
	SessionID string
	Err       *ClassifiedError
	Duration  time.Duration
	IsTimeout bool
	Usage     *Usage

	// Cancelled is set by a caller (never by Run itself) when a retry ladder
	// or dispatch loop short-circuits on a pending cancel request.
	Cancelled bool
}

// Request is the argv-shaping input to a Run call.
type Request struct {
	Prompt       string
	SystemPrompt string
	SessionID    string
	Model        string
	MaxTurns     *int // nil means "no cap" / "let the tool pick"
	EnvOverrides map[string]string
	WorkDir      string
	Timeout      time.Duration
}

// EventSink receives streamed events as they arrive. The Queue Manager
// implements this to drive live-update flushes.
type EventSink interface {
	OnEvent(Event)
}

// CancelHandle is published via OnHandle as soon as the child process is
// spawned, and lets a caller terminate the run.
type CancelHandle interface {
	Cancel()
}

// Runner is the capability set both variants implement.
type Runner interface {
	// Name identifies the variant ("primary" or "secondary").
	Name() string

	// SupportsMaxTurnsRetry reports whether Run honors req.MaxTurns and can
	// be usefully retried with MaxTurns=nil on exhaustion (Primary only).
	SupportsMaxTurnsRetry() bool

	// SupportsSessionResume reports whether req.SessionID triggers a resume
	// flag/subcommand (both variants do, via different mechanisms).
	SupportsSessionResume() bool

	// Run spawns the subprocess, streams events to sink, and blocks until
	// exit, timeout, or cancellation. onHandle is invoked once, as soon as
	// the child's process group exists, with a handle that Cancel can call
	// even before Run returns; it is not invoked when the spawn fails.
	Run(ctx context.Context, req Request, sink EventSink, onHandle func(CancelHandle)) Result
}

// Package queue implements the Queue Manager: the single
// per-process FIFO of agent turns, their bounded-concurrency dispatch, the
// retry ladder applied to each run, live-update coalescing, and turn
// workspace lifecycle.
package queue

import (
	"strings"
	"time"

	"github.com/mecho-run/mecho/pkg/mecho/reply"
)

// Task is one unit of work the Queue Manager dispatches.
type Task struct {
	Prompt              string
	SessionID           string
	SessionUserID       string
	MechoModeID         string
	Model               string
	TaskKey             string
	RespondTo           *reply.Target
	CreatedAt           time.Time
	Engine              string
	Attachments         []string
	ModeName            string
	RotateFromSessionID string

	// MaxTurns overrides the default turn cap for engines that support it
	// (primary only); nil lets the manager apply its configured default.
	MaxTurns *int

	// OnComplete, when set, fires after execution finishes (success or not)
	// instead of — or in addition to — a chunked reply. Scheduler/heartbeat
	// tasks use this to intercept the result before it reaches a channel.
	OnComplete func(Outcome)

	// ContextID/UserID feed task_key derivation and session bookkeeping
	// (task_key convention: "userId:contextId",).
	ContextID string
	UserID    string

	// IsHeartbeat marks a heartbeat task; its final text passes through
	// recoverHeartbeatText, which returns it unchanged.
	IsHeartbeat bool
}

// Outcome is what a completed task hands to OnComplete, summarizing the
// terminal run result after the retry ladder.
type Outcome struct {
	Success       bool
	Text          string
	SessionID     string
	Cancelled     bool
	Err           error
	RestartNotice string
}

// NewTaskKey builds the "userId:contextId" convention key. Callers that
// need the schedule/heartbeat/team/restart-resume prefixes build their own
// strings directly ("task_key convention").
func NewTaskKey(userID, contextID string) string {
	return userID + ":" + contextID
}

// sanitizeForPath strips characters that would be awkward in a turn
// workspace directory name (1: "sanitized_task_key").
func sanitizeForPath(taskKey string) string {
	var b strings.Builder
	b.Grow(len(taskKey))
	for _, r := range taskKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "task"
	}
	return out
}

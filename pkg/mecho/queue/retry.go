package queue

import (
	"context"
	"time"

	"github.com/mecho-run/mecho/pkg/mecho/runner"
)

// transientRetryDelay is the sleep before the retry ladder's transient-error
// rerun (8c: "sleep 1.2 s then rerun once").
const transientRetryDelay = 1200 * time.Millisecond

// ladderDeps carries the side effects the retry ladder needs beyond a plain
// rerun — deleting a session before dropping session_id (step 8d).
type ladderDeps struct {
	Runner        runner.Runner
	DeleteSession func()
}

// runWithRetryLadder 8: up to one retry per
// ladder rung, each re-checking cancellation before it reruns.
func runWithRetryLadder(ctx context.Context, deps ladderDeps, req runner.Request, sink runner.EventSink, onHandle func(runner.CancelHandle), cancelRequested func() bool) runner.Result {
	var triedMaxTurns, triedTimeout, triedTransient, triedResume bool

	for {
		result := deps.Runner.Run(ctx, req, sink, onHandle)

		if cancelRequested() {
			return runner.Result{Success: false, Cancelled: true, Duration: result.Duration}
		}

		if result.Success {
			return result
		}

		if !triedMaxTurns && req.MaxTurns != nil && deps.Runner.SupportsMaxTurnsRetry() &&
			result.Err != nil && result.Err.Class == runner.ErrorMaxTurnsExhausted {
			triedMaxTurns = true
			req.MaxTurns = nil
			continue
		}

		if !triedTimeout && result.IsTimeout {
			triedTimeout = true
			req.Model = ""
			continue
		}

		if !triedTransient && isTransientResult(result) {
			triedTransient = true
			select {
			case <-time.After(transientRetryDelay):
			case <-ctx.Done():
				return result
			}
			continue
		}

		if !triedResume && deps.Runner.SupportsSessionResume() && req.SessionID != "" &&
			result.Err != nil && result.Err.Class == runner.ErrorSessionResumeFailure {
			triedResume = true
			if deps.DeleteSession != nil {
				deps.DeleteSession()
			}
			req.SessionID = ""
			continue
		}

		return result
	}
}

func isTransientResult(r runner.Result) bool {
	if r.Err == nil {
		return false
	}
	if r.Err.Class == runner.ErrorRateLimit {
		return false
	}
	if r.Err.Class == runner.ErrorTransient {
		return true
	}
	return runner.IsTransientAPIPattern(r.Err.Message) || runner.IsTransientAPIPattern(r.Text)
}

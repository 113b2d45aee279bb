package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Secondary implements Variant S: a coarser fallback agent —
// no --max-turns retry, resume via a `resume <thread_id>` subcommand rather
// than a flag, and usage reported only on a single "turn.completed" event
// instead of per-delta streaming.
type Secondary struct {
	BinPath string
	Logger  *slog.Logger
}

func NewSecondary(binPath string, logger *slog.Logger) *Secondary {
	if logger == nil {
		logger = slog.Default()
	}
	return &Secondary{BinPath: binPath, Logger: logger.With("runner", "secondary")}
}

func (s *Secondary) Name() string               { return "secondary" }
func (s *Secondary) SupportsMaxTurnsRetry() bool { return false }
func (s *Secondary) SupportsSessionResume() bool { return true }

func (s *Secondary) buildArgs(req Request) []string {
	if req.SessionID != "" {
		args := []string{"resume", req.SessionID, "--prompt", req.Prompt}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		return args
	}
	args := []string{"run", "--prompt", req.Prompt}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}

func (s *Secondary) Run(ctx context.Context, req Request, sink EventSink, onHandle func(CancelHandle)) Result {
	start := time.Now()
	runCtx, cancel := runTimeout(ctx, req.Timeout)
	defer cancel()

	var textBuilder strings.Builder
	var sessionID string
	var usage *Usage

	onLine := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			return
		}
		result := gjson.Parse(line)
		switch result.Get("type").String() {
		case "turn.output":
			chunk := result.Get("text").String()
			textBuilder.WriteString(chunk)
			sink.OnEvent(Event{Kind: EventAssistantDelta, Text: chunk, Raw: jsonToMap(result)})
		case "turn.tool":
			sink.OnEvent(Event{Kind: EventToolUse, Text: result.Get("name").String(), Raw: jsonToMap(result)})
		case "turn.completed":
			if sid := result.Get("thread_id"); sid.Exists() {
				sessionID = sid.String()
			}
			if u := result.Get("usage"); u.Exists() {
				usage = parseUsage(u)
			}
			sink.OnEvent(Event{Kind: EventStatus, Text: "turn.completed", Raw: jsonToMap(result)})
		}
	}

	ring := newLineRing(onLine)
	cmd := exec.CommandContext(runCtx, s.BinPath, s.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), envOverrideSlice(req.EnvOverrides)...)
	cmd.Stdout = ring
	cmd.Stderr = ring
	setDetachedProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Result{Success: false, Err: &ClassifiedError{Class: ErrorInternal, Message: fmt.Sprintf("spawn secondary agent: %v", err)}, Duration: time.Since(start)}
	}
	handle := &procGroupHandle{cmd: cmd}
	onHandle(handle)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var exitErr error
	var isTimeout bool
	select {
	case exitErr = <-waitErr:
	case <-runCtx.Done():
		handle.Cancel()
		isTimeout = runCtx.Err() == context.DeadlineExceeded
		select {
		case exitErr = <-waitErr:
		case <-time.After(2 * time.Second):
		}
	}

	duration := time.Since(start)
	text := textBuilder.String()

	if isTimeout {
		return Result{Success: false, Text: text, SessionID: sessionID, IsTimeout: true, Duration: duration,
			Err: &ClassifiedError{Class: ErrorTransient, Message: "agent run timed out", Retryable: false}}
	}
	if ctx.Err() != nil {
		return Result{Success: false, Text: text, SessionID: sessionID, Duration: duration,
			Err: &ClassifiedError{Class: ErrorInternal, Message: "cancelled"}}
	}
	if exitErr != nil {
		raw := ring.Snapshot()
		classified := Classify(raw)
		if classified == nil {
			classified = &ClassifiedError{Class: ErrorInternal, Message: exitErr.Error(), RawText: raw}
		}
		return Result{Success: false, Text: text, SessionID: sessionID, Duration: duration, Err: classified, Usage: usage}
	}

	return Result{Success: true, Text: text, SessionID: sessionID, Duration: duration, Usage: usage}
}

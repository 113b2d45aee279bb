package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Primary implements Variant P: rich per-delta streaming,
// --max-turns / --resume flags, terminal-JSON session_id + per-model usage.
type Primary struct {
	BinPath string
	Logger  *slog.Logger
}

func NewPrimary(binPath string, logger *slog.Logger) *Primary {
	if logger == nil {
		logger = slog.Default()
	}
	return &Primary{BinPath: binPath, Logger: logger.With("runner", "primary")}
}

func (p *Primary) Name() string                   { return "primary" }
func (p *Primary) SupportsMaxTurnsRetry() bool     { return true }
func (p *Primary) SupportsSessionResume() bool     { return true }

func (p *Primary) buildArgs(req Request) []string {
	args := []string{"--print", "--output-format", "stream-json", "--prompt", req.Prompt}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns != nil {
		args = append(args, "--max-turns", strconv.Itoa(*req.MaxTurns))
	}
	return args
}

func (p *Primary) Run(ctx context.Context, req Request, sink EventSink, onHandle func(CancelHandle)) Result {
	start := time.Now()
	runCtx, cancel := runTimeout(ctx, req.Timeout)
	defer cancel()

	var textBuilder strings.Builder
	var sessionID string
	var usage *Usage
	var terminalText string

	onLine := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if !gjson.Valid(line) {
			return
		}
		result := gjson.Parse(line)
		kind := result.Get("type").String()

		switch {
		case kind == "assistant_delta" || kind == "assistant" && result.Get("delta").Exists():
			delta := result.Get("delta").String()
			if delta == "" {
				delta = result.Get("text").String()
			}
			textBuilder.WriteString(delta)
			sink.OnEvent(Event{Kind: EventAssistantDelta, Text: delta, Raw: jsonToMap(result)})
		case kind == "tool_use":
			sink.OnEvent(Event{Kind: EventToolUse, Text: result.Get("name").String(), Raw: jsonToMap(result)})
		case kind == "tool_result":
			sink.OnEvent(Event{Kind: EventToolResult, Text: result.Get("output").String(), Raw: jsonToMap(result)})
		case kind == "status":
			sink.OnEvent(Event{Kind: EventStatus, Text: result.Get("message").String(), Raw: jsonToMap(result)})
		}

		// Terminal JSON object: the final line of a run carries the
		// authoritative session_id and usage. The parser takes the last
		// one seen.
		if sid := result.Get("session_id"); sid.Exists() {
			sessionID = sid.String()
		}
		if result.Get("result").Exists() {
			terminalText = result.Get("result").String()
		}
		if u := result.Get("usage"); u.Exists() {
			usage = parseUsage(u)
		}
	}

	ring := newLineRing(onLine)
	cmd := exec.CommandContext(runCtx, p.BinPath, p.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), envOverrideSlice(req.EnvOverrides)...)
	cmd.Stdout = ring
	cmd.Stderr = ring
	setDetachedProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Result{Success: false, Err: &ClassifiedError{Class: ErrorInternal, Message: fmt.Sprintf("spawn primary agent: %v", err)}, Duration: time.Since(start)}
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

	text := terminalText
	if text == "" {
		text = textBuilder.String()
	}
	duration := time.Since(start)

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

// parseUsage reads a per-model usage map tolerantly — some emitters nest it
// under a model key, others report it flat.
func parseUsage(u gjson.Result) *Usage {
	out := &Usage{}
	if u.IsObject() {
		if in := u.Get("input_tokens"); in.Exists() {
			out.InputTokens = in.Int()
		}
		if outT := u.Get("output_tokens"); outT.Exists() {
			out.OutputTokens = outT.Int()
		}
		if ctx := u.Get("total_context_tokens"); ctx.Exists() {
			out.TotalContextTokens = ctx.Int()
		}
		if cw := u.Get("context_window"); cw.Exists() {
			out.ContextWindow = cw.Int()
		}
		// Per-model nested shape: {"usage": {"claude-x": {"context_window": N, ...}}}
		if out.ContextWindow == 0 {
			u.ForEach(func(_, v gjson.Result) bool {
				if v.IsObject() {
					if cw := v.Get("context_window"); cw.Exists() {
						out.ContextWindow = cw.Int()
						return false
					}
				}
				return true
			})
		}
	}
	return out
}

func jsonToMap(r gjson.Result) map[string]any {
	m := map[string]any{}
	r.ForEach(func(k, v gjson.Result) bool {
		m[k.String()] = v.Value()
		return true
	})
	return m
}

func envOverrideSlice(overrides map[string]string) []string {
	out := make([]string, 0, len(overrides))
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

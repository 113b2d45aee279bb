package restart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mecho-run/mecho/pkg/mecho/queue"
	"github.com/mecho-run/mecho/pkg/mecho/reply"
)

const (
	restartNoticeLine = "The process is restarting to apply an update."
	minDelaySec       = 1
	maxDelaySec       = 600
)

// PendingResume is the state persisted across a self-restart so the process
// can pick the conversation back up after it comes back online.
type PendingResume struct {
	ID            string    `json:"id"`
	RequestedAt   time.Time `json:"requestedAt"`
	ChannelID     string    `json:"channelId"`
	UserID        string    `json:"userId"`
	ContextID     string    `json:"contextId"`
	SessionUserID string    `json:"sessionUserId"`
	Engine        string    `json:"engine"`
	SessionID     string    `json:"sessionId"`
	Model         string    `json:"model"`
	ModeName      string    `json:"modeName"`
	MechoModeID   string    `json:"mechoModeId"`
	Reason        string    `json:"reason"`
	ResumePrompt  string    `json:"resumePrompt"`
}

// Config configures the Manager.
type Config struct {
	// PendingFile is the path pending resume state is written to
	// (dataDir/restart-pending.json per).
	PendingFile string
	// RestartCommand is the shell command run (detached) after the
	// configured delay to actually restart the process.
	RestartCommand []string
	// MaxPendingMinutes bounds how stale a pending resume may be before it
	// is discarded on startup.
	MaxPendingMinutes int
	Logger            *slog.Logger
}

// Manager implements queue.RestartHandler and the startup reconciliation
// that re-injects a resume prompt after the process restarts.
type Manager struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPendingMinutes <= 0 {
		cfg.MaxPendingMinutes = 30
	}
	return &Manager{cfg: cfg, logger: logger.With("component", "restart")}
}

// Check implements queue.RestartHandler.
func (m *Manager) Check(outputDir, replyText string) (queue.RestartDirective, bool) {
	p, ok := discover(outputDir, replyText)
	if !ok {
		return queue.RestartDirective{}, false
	}
	return queue.RestartDirective{Reason: p.Reason, ResumePrompt: p.ResumePrompt, DelaySec: p.DelaySec}, true
}

// Handle implements queue.RestartHandler: it persists a PendingResume and
// schedules the external restart.
func (m *Manager) Handle(directive queue.RestartDirective, ctx queue.RestartContext) (string, error) {
	delay := clampDelay(directive.DelaySec)

	pending := PendingResume{
		ID:            uuid.NewString(),
		RequestedAt:   time.Now().UTC(),
		ChannelID:     ctx.ChannelID,
		UserID:        ctx.UserID,
		ContextID:     ctx.ContextID,
		SessionUserID: ctx.SessionUserID,
		Engine:        ctx.Engine,
		SessionID:     ctx.SessionID,
		Model:         ctx.Model,
		ModeName:      ctx.ModeName,
		MechoModeID:   ctx.MechoModeID,
		Reason:        directive.Reason,
		ResumePrompt:  restartNoticeLine + " Reason: " + directive.Reason + "\n\n" + directive.ResumePrompt,
	}

	if err := writePendingAtomic(m.cfg.PendingFile, pending); err != nil {
		return "", fmt.Errorf("persist pending resume: %w", err)
	}

	if err := m.scheduleExternalRestart(delay); err != nil {
		m.logger.Error("failed to schedule external restart", "error", err)
		return "", fmt.Errorf("schedule restart: %w", err)
	}

	return fmt.Sprintf("restarting in %ds to apply an update (reason: %s)", delay, directive.Reason), nil
}

func clampDelay(sec int) int {
	if sec < minDelaySec {
		return minDelaySec
	}
	if sec > maxDelaySec {
		return maxDelaySec
	}
	return sec
}

// scheduleExternalRestart launches a detached shell that sleeps delaySec
// seconds and then runs the configured restart command.
func (m *Manager) scheduleExternalRestart(delaySec int) error {
	if len(m.cfg.RestartCommand) == 0 {
		return fmt.Errorf("no restart command configured")
	}
	shellCmd := "sleep " + strconv.Itoa(delaySec) + " && " + joinShellArgs(m.cfg.RestartCommand)
	cmd := exec.Command("sh", "-c", shellCmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

func joinShellArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func writePendingAtomic(path string, p PendingResume) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readPending(path string) (*PendingResume, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p PendingResume
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ChannelResolver maps a channel ID to a reply.Target once the process
// comes back up and the gateway session is live again.
type ChannelResolver func(channelID string) (reply.Target, bool)

// Enqueuer is the capability the Manager needs from the Queue Manager to
// re-inject the resume prompt.
type Enqueuer interface {
	Enqueue(task *queue.Task) (int, error)
}

// Reconcile: read any pending
// resume, discard if stale, otherwise notify the channel and enqueue a
// resume task, deleting the pending file only once enqueue succeeds.
func (m *Manager) Reconcile(ctx context.Context, sender reply.Sender, resolve ChannelResolver, enq Enqueuer) {
	pending, err := readPending(m.cfg.PendingFile)
	if err != nil {
		m.logger.Warn("read pending resume failed", "error", err)
		return
	}
	if pending == nil {
		return
	}

	if time.Since(pending.RequestedAt) > time.Duration(m.cfg.MaxPendingMinutes)*time.Minute {
		m.logger.Info("discarding stale pending resume", "id", pending.ID, "age", time.Since(pending.RequestedAt))
		_ = os.Remove(m.cfg.PendingFile)
		return
	}

	target, ok := resolve(pending.ChannelID)
	if !ok {
		m.logger.Warn("pending resume channel unresolvable", "channel_id", pending.ChannelID)
		return
	}

	if err := reply.SendChunks(ctx, sender, target, "server restarted"); err != nil {
		m.logger.Warn("failed to send restart notice", "error", err)
	}

	task := &queue.Task{
		TaskKey:       "restart-resume:" + pending.ID,
		Engine:        pending.Engine,
		Prompt:        pending.ResumePrompt,
		SessionID:     pending.SessionID,
		SessionUserID: pending.SessionUserID,
		Model:         pending.Model,
		ModeName:      pending.ModeName,
		MechoModeID:   pending.MechoModeID,
		UserID:        pending.UserID,
		ContextID:     pending.ContextID,
		RespondTo:     &target,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := enq.Enqueue(task); err != nil {
		m.logger.Warn("failed to enqueue resume task", "error", err)
		return
	}
	if err := os.Remove(m.cfg.PendingFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove pending resume file", "error", err)
	}
}

// Package heartbeat implements the periodic proactive-turn system: a
// clock-aligned tick gated by active hours and queue idleness, a
// fixed checklist-embedding prompt, and a reply interceptor that suppresses
// the OK-token sentinel and same-message repeats within a dedup window.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mecho-run/mecho/pkg/mecho/queue"
	"github.com/mecho-run/mecho/pkg/mecho/reply"
)

const (
	defaultInterval   = 30 * time.Minute
	defaultBuffer     = 10 * time.Second
	defaultOKToken    = "OK-token"
	defaultDedupWindow = 24 * time.Hour
)

// Config configures the Heartbeat.
type Config struct {
	Enabled         bool
	Interval        time.Duration
	ActiveStartHour int
	ActiveEndHour   int
	Channel         string
	ChecklistPath   string
	OKToken         string
	DedupWindow     time.Duration
	Location        *time.Location
}

// ChannelResolver maps the configured channel string to a reply.Target,
// reporting false when the channel can't currently be resolved (bot not in
// guild, channel deleted, etc).
type ChannelResolver func(channel string) (reply.Target, bool)

// Heartbeat runs the periodic tick loop and owns the delivery dedup state.
type Heartbeat struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	queue  *queue.Manager
	sender reply.Sender
	resolve ChannelResolver
	logger *slog.Logger

	lastDelivered   string
	lastDeliveredAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, q *queue.Manager, sender reply.Sender, resolve ChannelResolver, logger *slog.Logger) *Heartbeat {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:     cfg,
		loc:     loc,
		queue:   q,
		sender:  sender,
		resolve: resolve,
		logger:  logger.With("component", "heartbeat"),
	}
}

// Start launches the tick loop in a background goroutine. A no-op when
// disabled.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.cfg.Enabled {
		h.logger.Info("heartbeat disabled")
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(hbCtx)
}

// Stop halts the tick loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *Heartbeat) interval() time.Duration {
	if h.cfg.Interval <= 0 {
		return defaultInterval
	}
	return h.cfg.Interval
}

// nextSlot: "next_slot = ceil(now / interval) + 10s
// buffer" — the next interval boundary strictly after now, plus a fixed
// buffer so the tick never fires exactly on the boundary.
func nextSlot(now time.Time, interval time.Duration) time.Time {
	truncated := now.Truncate(interval)
	next := truncated
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next.Add(defaultBuffer)
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	for {
		now := time.Now().In(h.loc)
		wait := time.Until(nextSlot(now, h.interval()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			h.tick(ctx)
		}
	}
}

// withinActiveHours supports wraparound windows (e.g. 22-6 spans midnight),
//
func withinActiveHours(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (h *Heartbeat) tick(ctx context.Context) {
	if !h.cfg.Enabled {
		return
	}
	target, ok := h.resolve(h.cfg.Channel)
	if !ok {
		h.logger.Debug("heartbeat: channel unresolvable, skipping")
		return
	}
	now := time.Now().In(h.loc)
	if !withinActiveHours(now.Hour(), h.cfg.ActiveStartHour, h.cfg.ActiveEndHour) {
		h.logger.Debug("heartbeat: outside active hours, skipping")
		return
	}
	if h.queue != nil && h.queue.Busy() {
		h.logger.Debug("heartbeat: queue busy, skipping")
		return
	}

	checklist := h.readChecklist()
	if strings.TrimSpace(checklist) == "" {
		h.logger.Debug("heartbeat: empty checklist, skipping")
		return
	}

	prompt := buildPrompt(now, checklist, okToken(h.cfg.OKToken))
	done := make(chan struct{})
	task := &queue.Task{
		TaskKey:     "heartbeat:" + h.cfg.Channel,
		Engine:      "primary",
		Prompt:      prompt,
		IsHeartbeat: true,
		CreatedAt:   now,
		OnComplete: func(o queue.Outcome) {
			defer close(done)
			h.deliver(ctx, target, o)
		},
	}
	if _, err := h.queue.Enqueue(task); err != nil {
		h.logger.Warn("heartbeat enqueue failed", "error", err)
	}
}

func (h *Heartbeat) readChecklist() string {
	if h.cfg.ChecklistPath == "" {
		return "Check if there are any pending reminders, scheduled tasks, or proactive actions to take."
	}
	content, err := os.ReadFile(h.cfg.ChecklistPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func buildPrompt(now time.Time, checklist, token string) string {
	return fmt.Sprintf("[HEARTBEAT at %s]\n\n%s\n\nIf there is nothing to do, respond with the exact text %q.",
		now.Format("2006-01-02 15:04"), checklist, token)
}

func okToken(configured string) string {
	if configured == "" {
		return defaultOKToken
	}
	return configured
}

// deliver implements the reply interceptor: suppress the
// OK-token sentinel, suppress an exact repeat of what was last delivered
// within the dedup window, otherwise forward.
func (h *Heartbeat) deliver(ctx context.Context, target reply.Target, outcome queue.Outcome) {
	if !outcome.Success {
		h.logger.Warn("heartbeat turn failed", "error", outcome.Err)
		return
	}
	text := strings.TrimSpace(outcome.Text)
	token := okToken(h.cfg.OKToken)
	if text == "" || strings.EqualFold(text, token) {
		h.logger.Debug("heartbeat: nothing to deliver")
		return
	}

	h.mu.Lock()
	window := h.cfg.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	dup := text == h.lastDelivered && time.Since(h.lastDeliveredAt) < window
	if !dup {
		h.lastDelivered = text
		h.lastDeliveredAt = time.Now()
	}
	h.mu.Unlock()

	if dup {
		h.logger.Debug("heartbeat: duplicate within dedup window, suppressing")
		return
	}

	if err := reply.SendChunks(ctx, h.sender, target, text); err != nil {
		h.logger.Error("heartbeat: delivery failed", "error", err)
	}
}

package queue

import (
	"container/ring"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mecho-run/mecho/pkg/mecho/reply"
	"github.com/mecho-run/mecho/pkg/mecho/runner"
)

// maxEventRing / maxAssistantTail bound the live-update message body: a
// recent events ring buffer plus an assistant-text tail.
const (
	maxEventRing     = 12
	maxAssistantTail = 900

	liveFlushCoalesce = 1500 * time.Millisecond
	liveHeartbeat     = 20 * time.Second
)

// liveUpdater drives a single edit-in-place status message for one running
// task, coalescing streamed events into flushes. It implements
// runner.EventSink so the retry ladder's Run calls can feed it directly.
type liveUpdater struct {
	mu        sync.Mutex
	sender    reply.Sender
	target    *reply.Target
	header    string
	status    string
	events    *ring.Ring
	eventLen  int
	tail      strings.Builder
	verbose   bool
	dirty     bool
	lastFlush time.Time

	stop chan struct{}
	once sync.Once
}

func newLiveUpdater(sender reply.Sender, target *reply.Target, header string, verbose bool) *liveUpdater {
	return &liveUpdater{
		sender:  sender,
		target:  target,
		header:  header,
		status:  "running",
		events:  ring.New(maxEventRing),
		verbose: verbose,
		stop:    make(chan struct{}),
	}
}

// OnEvent implements runner.EventSink.
func (u *liveUpdater) OnEvent(e runner.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch e.Kind {
	case runner.EventAssistantDelta:
		u.tail.WriteString(e.Text)
		if u.tail.Len() > maxAssistantTail {
			trimmed := u.tail.String()
			trimmed = trimmed[len(trimmed)-maxAssistantTail:]
			u.tail.Reset()
			u.tail.WriteString(trimmed)
		}
	case runner.EventToolUse:
		u.pushEvent(fmt.Sprintf("tool_use: %s", e.Text))
	case runner.EventToolResult:
		u.pushEvent(fmt.Sprintf("tool_result: %s", truncateEvent(e.Text)))
	case runner.EventStatus:
		u.pushEvent(fmt.Sprintf("status: %s", e.Text))
		u.status = e.Text
	}
	u.dirty = true
}

func (u *liveUpdater) pushEvent(line string) {
	u.events.Value = line
	u.events = u.events.Next()
	if u.eventLen < maxEventRing {
		u.eventLen++
	}
}

func truncateEvent(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// SetVerbose toggles whether flushes are emitted; disabling pauses edits
// without losing streamed capture, so re-enabling attaches immediately.
// Verbose can be toggled per (user, context) at any point in a run.
func (u *liveUpdater) SetVerbose(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.verbose = v
}

func (u *liveUpdater) render(engine, model string, elapsed time.Duration) string {
	u.mu.Lock()
	defer u.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s, %s)\n%s\n", u.header, engine, model, elapsed.Round(time.Second), u.status)

	var lines []string
	u.events.Do(func(v any) {
		if v != nil {
			lines = append(lines, v.(string))
		}
	})
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if u.tail.Len() > 0 {
		b.WriteString(u.tail.String())
	}
	return b.String()
}

// run drives periodic coalesced flushes until Stop is called: flushes
// coalesce to at most one edit per 1.5s, with a 20s heartbeat that keeps
// the message fresh even without new events.
func (u *liveUpdater) run(ctx context.Context, engine, model string, start time.Time) {
	ticker := time.NewTicker(liveFlushCoalesce)
	defer ticker.Stop()
	heartbeat := time.NewTicker(liveHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stop:
			return
		case <-ticker.C:
			u.flushIfDirty(engine, model, start)
		case <-heartbeat.C:
			u.flush(engine, model, start)
		}
	}
}

func (u *liveUpdater) flushIfDirty(engine, model string, start time.Time) {
	u.mu.Lock()
	dirty := u.dirty && u.verbose
	u.dirty = false
	u.mu.Unlock()
	if !dirty {
		return
	}
	u.flush(engine, model, start)
}

func (u *liveUpdater) flush(engine, model string, start time.Time) {
	u.mu.Lock()
	verbose := u.verbose
	u.mu.Unlock()
	if !verbose || u.sender == nil {
		return
	}
	body := u.render(engine, model, time.Since(start))
	_ = reply.TryEditFirst(context.Background(), u.sender, u.target, body)
}

// Stop halts periodic flushes; safe to call more than once.
func (u *liveUpdater) Stop() {
	u.once.Do(func() { close(u.stop) })
}

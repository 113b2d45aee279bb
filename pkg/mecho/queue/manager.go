package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mecho-run/mecho/pkg/mecho/memoryclient"
	"github.com/mecho-run/mecho/pkg/mecho/reply"
	"github.com/mecho-run/mecho/pkg/mecho/runner"
	"github.com/mecho-run/mecho/pkg/mecho/session"
)

// ErrDuplicateTask is returned by Enqueue when a task with the same
// task_key is already running or pending (1).
var ErrDuplicateTask = errors.New("duplicate")

// ErrQueueFull is returned by Enqueue once |pending|+|running| reaches
// MaxQueueSize (2).
var ErrQueueFull = errors.New("queue_full")

const (
	defaultMaxConcurrentRuns = 4
	defaultMaxQueueSize      = 200
	typingHeartbeatInterval  = 7 * time.Second
	cancelHandlePollInterval = 50 * time.Millisecond
	cancelHandlePollAttempts = 20
	defaultRotationThreshold = 0.8
	minRotationThreshold     = 0.5
	maxRotationThreshold     = 0.95
)

// SessionStore is the subset of *session.Store the Queue Manager needs
// (depend on a capability, not a concrete type).
type SessionStore interface {
	GetSession(userID, contextID, engine string) (string, bool, error)
	SaveSession(userID, contextID, engine, sessionID string) error
	TouchSession(userID, contextID, engine string) error
	DeleteSession(userID, contextID, engine string) error
	UpdateSessionTokens(userID, contextID, engine string, cumulativeTokens, contextWindow int64) error
	SaveSummary(summary session.RotationSummary) error
	ConsumeSummary(userID, contextID, engine string) (*session.RotationSummary, error)
}

// MemoryGateway is the capability the runner depends on instead of a
// concrete *memoryclient.Client.
type MemoryGateway interface {
	Prepare(ctx context.Context, modeID, sessionKey, engine, prompt string, sessionIDAbsent bool) memoryclient.Outcome
}

// RestartDirective is what a restart signal carries once parsed.
type RestartDirective struct {
	Reason       string
	ResumePrompt string
	DelaySec     int
}

// RestartHandler checks for and acts on a restart directive at the end of a
// successful turn.
type RestartHandler interface {
	// Check inspects the turn's output dir and final reply text for a
	// directive, trying the most specific discovery location first.
	Check(outputDir, replyText string) (RestartDirective, bool)
	// Handle persists a PendingResume and schedules the external restart,
	// returning a notice to append to the reply.
	Handle(directive RestartDirective, ctx RestartContext) (notice string, err error)
}

// RestartContext carries everything Handle needs to build a PendingResume.
type RestartContext struct {
	ChannelID     string
	UserID        string
	ContextID     string
	SessionUserID string
	Engine        string
	SessionID     string
	Model         string
	ModeName      string
	MechoModeID   string
}

// Dependencies wires the Queue Manager to the rest of the system.
type Dependencies struct {
	Runners           map[string]runner.Runner
	Sessions          SessionStore
	Memory            MemoryGateway
	Sender            reply.Sender
	TurnWorkRoot      string
	SharedInputDir    string
	MaxConcurrentRuns int
	MaxQueueSize      int
	Logger            *slog.Logger
	Restart           RestartHandler
	RunTimeout        time.Duration
	RotationThreshold float64
	APIURL            string
	RestartDirectiveFilename string
	SummarizationTimeout     time.Duration
	// DefaultMaxTurns caps the primary engine's turn budget when a task
	// doesn't specify one.
	DefaultMaxTurns int
}

// runningState tracks one in-flight task.
type runningState struct {
	task            *Task
	cancelRequested bool
	handle          runner.CancelHandle
	live            *liveUpdater
	startedAt       time.Time
	cancelHandleMu  sync.Mutex
}

// Manager is the Queue Manager.
type Manager struct {
	deps Dependencies

	mu      sync.Mutex
	pending []*Task
	running map[string]*runningState

	turnCounter int64

	restartShutdownRequested bool
	dispatchSignal           chan struct{}
	restartDrained           chan struct{}
	restartDrainedOnce       sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RestartDrained closes once a restart directive has been accepted and the
// queue has finished draining. cmd/mecho selects on this to exit cleanly
// after the external restart command has already been scheduled.
func (m *Manager) RestartDrained() <-chan struct{} {
	return m.restartDrained
}

// New constructs a Manager and starts its dispatch loop.
func New(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxConcurrentRuns <= 0 {
		deps.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}
	if deps.MaxQueueSize <= 0 {
		deps.MaxQueueSize = defaultMaxQueueSize
	}
	if deps.RotationThreshold <= 0 {
		deps.RotationThreshold = defaultRotationThreshold
	}
	deps.RotationThreshold = clamp(deps.RotationThreshold, minRotationThreshold, maxRotationThreshold)
	if deps.RestartDirectiveFilename == "" {
		deps.RestartDirectiveFilename = ".mecho-restart.json"
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:           deps,
		running:        make(map[string]*runningState),
		dispatchSignal: make(chan struct{}, 1),
		restartDrained: make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// Shutdown cancels the manager's context, which stops the dispatch loop and
// cancels in-flight runs, then waits for their goroutines to return.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Enqueue: dedup by task_key, queue-size
// cap, FIFO append, and a 1-based position report.
func (m *Manager) Enqueue(task *Task) (position int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.running[task.TaskKey]; running {
		return 0, ErrDuplicateTask
	}
	for _, p := range m.pending {
		if p.TaskKey == task.TaskKey {
			return 0, ErrDuplicateTask
		}
	}
	if len(m.pending)+len(m.running) >= m.deps.MaxQueueSize {
		return 0, ErrQueueFull
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	m.pending = append(m.pending, task)
	position = len(m.running) + len(m.pending)

	m.signalDispatch()
	return position, nil
}

func (m *Manager) signalDispatch() {
	select {
	case m.dispatchSignal <- struct{}{}:
	default:
	}
}

// dispatchLoop pops pending tasks while under the concurrency cap.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.dispatchSignal:
			m.tryDispatch()
		case <-ticker.C:
			m.tryDispatch()
		}
	}
}

func (m *Manager) tryDispatch() {
	for {
		task := m.popNextDispatchable()
		if task == nil {
			return
		}
		state := &runningState{task: task, startedAt: time.Now()}
		m.mu.Lock()
		m.running[task.TaskKey] = state
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.execute(task, state)
		}()
	}
}

func (m *Manager) popNextDispatchable() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.running) >= m.deps.MaxConcurrentRuns || len(m.pending) == 0 {
		return nil
	}
	task := m.pending[0]
	m.pending = m.pending[1:]
	return task
}

// Cancel.
func (m *Manager) Cancel(taskKey string) {
	m.mu.Lock()
	state, isRunning := m.running[taskKey]
	if isRunning {
		state.cancelHandleMu.Lock()
		state.cancelRequested = true
		handle := state.handle
		state.cancelHandleMu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
	}

	var kept []*Task
	var cancelledPending []*Task
	for _, p := range m.pending {
		if p.TaskKey == taskKey {
			cancelledPending = append(cancelledPending, p)
		} else {
			kept = append(kept, p)
		}
	}
	m.pending = kept
	m.mu.Unlock()

	if isRunning && state != nil {
		go m.awaitAndCancelHandle(state)
	}
	for _, t := range cancelledPending {
		m.replyCancelled(t)
	}
}

// awaitAndCancelHandle retries the cancel up to 20x50ms in case the handle
// was not yet published when Cancel was called.
func (m *Manager) awaitAndCancelHandle(state *runningState) {
	for i := 0; i < cancelHandlePollAttempts; i++ {
		state.cancelHandleMu.Lock()
		handle := state.handle
		state.cancelHandleMu.Unlock()
		if handle != nil {
			handle.Cancel()
			return
		}
		time.Sleep(cancelHandlePollInterval)
	}
}

func (m *Manager) replyCancelled(t *Task) {
	if t.OnComplete != nil {
		t.OnComplete(Outcome{Cancelled: true})
	}
	if t.RespondTo != nil && m.deps.Sender != nil {
		_ = reply.SendChunks(context.Background(), m.deps.Sender, *t.RespondTo, "cancelled")
	}
}

func (m *Manager) isCancelRequested(state *runningState) func() bool {
	return func() bool {
		state.cancelHandleMu.Lock()
		defer state.cancelHandleMu.Unlock()
		return state.cancelRequested
	}
}

func (m *Manager) publishHandle(state *runningState) func(runner.CancelHandle) {
	return func(h runner.CancelHandle) {
		state.cancelHandleMu.Lock()
		state.handle = h
		requested := state.cancelRequested
		state.cancelHandleMu.Unlock()
		if requested {
			h.Cancel()
		}
	}
}

// execute runs the per-task pipeline 1-16.
func (m *Manager) execute(task *Task, state *runningState) {
	defer func() {
		m.mu.Lock()
		delete(m.running, task.TaskKey)
		m.mu.Unlock()
		m.signalDispatch()
	}()

	ws, err := allocWorkspace(m.deps.TurnWorkRoot, task.TaskKey)
	if err != nil {
		m.deps.Logger.Error("alloc turn workspace failed", "task_key", task.TaskKey, "error", err)
		if task.RespondTo != nil && m.deps.Sender != nil {
			_ = reply.SendChunks(context.Background(), m.deps.Sender, *task.RespondTo, "internal error: could not allocate a workspace for this turn")
		}
		return
	}
	defer ws.cleanup()

	var typingStop chan struct{}
	if task.RespondTo != nil && m.deps.Sender != nil {
		typingStop = m.startTypingHeartbeat(*task.RespondTo)
		defer close(typingStop)
	}

	if m.deps.SharedInputDir != "" && len(task.Attachments) > 0 {
		staged, err := stageSharedAttachments(m.deps.SharedInputDir, task.Attachments, ws)
		if err != nil {
			m.deps.Logger.Warn("stage attachments failed", "task_key", task.TaskKey, "error", err)
		}
		task.Attachments = staged
	}

	prompt := m.composePrompt(task, ws)
	systemPrompt := m.composeSystemPrompt(ws)

	engine := task.Engine
	if engine == "" {
		engine = "primary"
	}
	r, ok := m.deps.Runners[engine]
	if !ok {
		m.deps.Logger.Error("unknown engine", "engine", engine, "task_key", task.TaskKey)
		return
	}

	var live *liveUpdater
	var sink runner.EventSink = noopSink{}
	if task.RespondTo != nil && m.deps.Sender != nil {
		live = newLiveUpdater(m.deps.Sender, task.RespondTo, fmt.Sprintf("%s turn", engine), true)
		state.live = live
		liveCtx, liveCancel := context.WithCancel(m.ctx)
		defer liveCancel()
		go live.run(liveCtx, engine, task.Model, state.startedAt)
		sink = live
	}

	sessionIDAbsent := task.SessionID == ""
	sessionKey := fmt.Sprintf("%s:%s:%s", task.MechoModeID, engine, task.SessionUserID)

	outcomeMemory := m.deps.Memory.Prepare(m.ctx, task.MechoModeID, sessionKey, engine, prompt, sessionIDAbsent)

	env := map[string]string{}
	if m.deps.APIURL != "" {
		env["MECHO_API_URL"] = m.deps.APIURL
	}
	if task.MechoModeID != "" {
		env["MECHO_MODE_ID"] = task.MechoModeID
	}

	req := runner.Request{
		Prompt:       outcomeMemory.Prompt,
		SystemPrompt: systemPrompt,
		SessionID:    task.SessionID,
		Model:        task.Model,
		EnvOverrides: env,
		WorkDir:      ws.Dir,
		Timeout:      m.deps.RunTimeout,
	}
	if engine == "primary" {
		req.MaxTurns = task.MaxTurns
		if req.MaxTurns == nil {
			defaultMaxTurns := m.deps.DefaultMaxTurns
			if defaultMaxTurns <= 0 {
				defaultMaxTurns = 20
			}
			req.MaxTurns = &defaultMaxTurns
		}
	}

	deps := ladderDeps{
		Runner: r,
		DeleteSession: func() {
			if m.deps.Sessions != nil {
				_ = m.deps.Sessions.DeleteSession(task.UserID, task.ContextID, engine)
			}
		},
	}

	result := runWithRetryLadder(m.ctx, deps, req, sink, m.publishHandle(state), m.isCancelRequested(state))

	outcomeMemory.Ack(m.ctx, result.Success)

	finalText := result.Text
	if task.IsHeartbeat && live != nil {
		finalText = m.recoverHeartbeatText(finalText)
	}

	m.persistSession(task, engine, result)

	if result.Success {
		finalText = m.maybeRotate(task, engine, result, finalText)
	}

	var restartNotice string
	if result.Success && m.deps.Restart != nil {
		if directive, found := m.deps.Restart.Check(ws.OutputDir, finalText); found {
			notice, err := m.deps.Restart.Handle(directive, RestartContext{
				ChannelID: task.ContextID, UserID: task.UserID, ContextID: task.ContextID,
				SessionUserID: task.SessionUserID, Engine: engine, SessionID: result.SessionID,
				Model: task.Model, ModeName: task.ModeName, MechoModeID: task.MechoModeID,
			})
			if err != nil {
				m.deps.Logger.Warn("restart handling failed", "error", err)
			} else {
				restartNotice = notice
				finalText += "\n\n" + notice
				m.mu.Lock()
				m.restartShutdownRequested = true
				m.mu.Unlock()
			}
		}
	}

	outputs, err := harvestOutputs(ws, m.deps.RestartDirectiveFilename)
	if err != nil {
		m.deps.Logger.Warn("harvest outputs failed", "error", err)
	}

	if live != nil {
		live.Stop()
	}

	if task.RespondTo != nil && m.deps.Sender != nil {
		if !result.Cancelled {
			if err := reply.SendChunks(context.Background(), m.deps.Sender, *task.RespondTo, finalText); err != nil {
				m.deps.Logger.Warn("send final reply failed", "error", err)
			}
			m.sendHarvestedOutputs(*task.RespondTo, outputs)
		}
	}
	if task.OnComplete != nil {
		task.OnComplete(Outcome{
			Success: result.Success, Text: finalText, SessionID: result.SessionID,
			Cancelled: result.Cancelled, RestartNotice: restartNotice,
		})
	}

	m.mu.Lock()
	shutdown := m.restartShutdownRequested && len(m.running) <= 1 && len(m.pending) == 0
	m.mu.Unlock()
	if shutdown {
		m.deps.Logger.Info("restart shutdown requested and queue drained")
		m.restartDrainedOnce.Do(func() { close(m.restartDrained) })
	}
}

type noopSink struct{}

func (noopSink) OnEvent(runner.Event) {}

func (m *Manager) startTypingHeartbeat(target reply.Target) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(typingHeartbeatInterval)
		defer ticker.Stop()
		_ = reply.SendTyping(m.deps.Sender, target)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = reply.SendTyping(m.deps.Sender, target)
			}
		}
	}()
	return stop
}

func (m *Manager) sendHarvestedOutputs(target reply.Target, paths []string) {
	if len(paths) == 0 {
		return
	}
	var files []*discordgo.File
	var opened []*os.File
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		opened = append(opened, f)
		files = append(files, &discordgo.File{Name: filepath.Base(p), Reader: f})
	}
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	if len(files) == 0 {
		return
	}
	if err := reply.SendAttachments(context.Background(), m.deps.Sender, target, "", files); err != nil {
		m.deps.Logger.Warn("send harvested outputs failed", "error", err)
	}
}

// composePrompt 5.
func (m *Manager) composePrompt(task *Task, ws *workspace) string {
	var b strings.Builder
	if task.SessionID == "" && m.deps.Sessions != nil {
		if summary, err := m.deps.Sessions.ConsumeSummary(task.UserID, task.ContextID, task.Engine); err == nil && summary != nil {
			fmt.Fprintf(&b, "[Session Rotation Context]\n%s\n\n", summary.SummaryText)
		}
	}
	b.WriteString(task.Prompt)
	if len(task.Attachments) > 0 {
		b.WriteString("\n\n[Input Attachments]\n")
		for _, a := range task.Attachments {
			b.WriteString("- " + a + "\n")
		}
	}
	return b.String()
}

// composeSystemPrompt 6.
func (m *Manager) composeSystemPrompt(ws *workspace) string {
	return fmt.Sprintf(
		"[Attachment Bridge Rules]\ninput dir: %s\noutput dir: %s\nrestart directive file: %s\n",
		ws.InputDir, ws.OutputDir, m.deps.RestartDirectiveFilename,
	)
}

// recoverHeartbeatText returns text unchanged. Assistant text is not
// captured into per-block segments anywhere (liveUpdater keeps only an
// events ring and a tail), so a heartbeat's final text is never replaced
// by a longer captured block.
func (m *Manager) recoverHeartbeatText(text string) string {
	return text
}

func (m *Manager) persistSession(task *Task, engine string, result runner.Result) {
	if m.deps.Sessions == nil {
		return
	}
	if result.SessionID != "" {
		if err := m.deps.Sessions.SaveSession(task.UserID, task.ContextID, engine, result.SessionID); err != nil {
			m.deps.Logger.Warn("save session failed", "error", err)
		}
	} else if result.Success && task.SessionID != "" {
		if err := m.deps.Sessions.TouchSession(task.UserID, task.ContextID, engine); err != nil {
			m.deps.Logger.Warn("touch session failed", "error", err)
		}
	}
	if result.Usage != nil && result.Usage.ContextWindow > 0 {
		_ = m.deps.Sessions.UpdateSessionTokens(task.UserID, task.ContextID, engine, result.Usage.TotalContextTokens, result.Usage.ContextWindow)
	}
}

// maybeRotate 11: when context usage crosses
// the threshold, summarize and rotate the session.
func (m *Manager) maybeRotate(task *Task, engine string, result runner.Result, finalText string) string {
	if result.Usage == nil || result.Usage.ContextWindow <= 0 || m.deps.Sessions == nil {
		return finalText
	}
	ratio := float64(result.Usage.TotalContextTokens) / float64(result.Usage.ContextWindow)
	if ratio < m.deps.RotationThreshold {
		return finalText
	}

	r, ok := m.deps.Runners[engine]
	if !ok {
		return finalText
	}
	timeout := m.deps.SummarizationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	one := 1
	summaryReq := runner.Request{
		Prompt:    "Summarize this session's state so it can be resumed from a fresh context. Be concise but complete.",
		SessionID: result.SessionID,
		MaxTurns:  &one,
		Timeout:   timeout,
	}
	summaryResult := r.Run(m.ctx, summaryReq, noopSink{}, func(runner.CancelHandle) {})
	if !summaryResult.Success {
		m.deps.Logger.Warn("rotation summarization failed", "task_key", task.TaskKey)
		return finalText
	}

	if err := m.deps.Sessions.SaveSummary(session.RotationSummary{
		UserID: task.UserID, ContextID: task.ContextID, Engine: engine,
		SummaryText: summaryResult.Text, SourceSessionID: result.SessionID,
		ContextTokensAtRotation: result.Usage.TotalContextTokens, CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.deps.Logger.Warn("save rotation summary failed", "error", err)
		return finalText
	}
	_ = m.deps.Sessions.DeleteSession(task.UserID, task.ContextID, engine)
	return finalText + "\n\n_context rotated — a summary was saved and will seed the next turn._"
}

// GetCurrentTaskSnapshot, GetTaskSnapshot, ListPendingTaskKeys, and
// GetLiveSnapshot "Snapshots".

// TaskSnapshot is a status-probe view of one task.
type TaskSnapshot struct {
	TaskKey   string
	Engine    string
	StartedAt time.Time
	Running   bool
}

// Busy reports whether any task is running or pending. The heartbeat skips
// a tick while the queue is busy.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) > 0 || len(m.pending) > 0
}

func (m *Manager) GetCurrentTaskSnapshot() []TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskSnapshot, 0, len(m.running))
	for key, st := range m.running {
		out = append(out, TaskSnapshot{TaskKey: key, Engine: st.task.Engine, StartedAt: st.startedAt, Running: true})
	}
	return out
}

func (m *Manager) GetTaskSnapshot(taskKey string) (TaskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.running[taskKey]; ok {
		return TaskSnapshot{TaskKey: taskKey, Engine: st.task.Engine, StartedAt: st.startedAt, Running: true}, true
	}
	for _, p := range m.pending {
		if p.TaskKey == taskKey {
			return TaskSnapshot{TaskKey: taskKey, Engine: p.Engine, Running: false}, true
		}
	}
	return TaskSnapshot{}, false
}

func (m *Manager) ListPendingTaskKeys(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, n)
	for _, p := range m.pending {
		if len(out) >= n {
			break
		}
		out = append(out, p.TaskKey)
	}
	return out
}

func (m *Manager) GetLiveSnapshot(taskKey string) (string, bool) {
	m.mu.Lock()
	state, ok := m.running[taskKey]
	m.mu.Unlock()
	if !ok || state.live == nil {
		return "", false
	}
	return state.live.render(state.task.Engine, state.task.Model, time.Since(state.startedAt)), true
}

// SetVerbose toggles live-update flushing for a running task, if any.
func (m *Manager) SetVerbose(taskKey string, verbose bool) {
	m.mu.Lock()
	state, ok := m.running[taskKey]
	m.mu.Unlock()
	if ok && state.live != nil {
		state.live.SetVerbose(verbose)
	}
}


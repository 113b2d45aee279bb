package restart

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mecho-run/mecho/pkg/mecho/queue"
	"github.com/mecho-run/mecho/pkg/mecho/reply"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []*discordgo.MessageSend
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "1", ChannelID: channelID}, nil
}
func (f *fakeSender) ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}
func (f *fakeSender) ChannelTyping(channelID string, options ...discordgo.RequestOption) error { return nil }
func (f *fakeSender) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return nil
}

type fakeEnqueuer struct {
	tasks []*queue.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(t *queue.Task) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.tasks = append(f.tasks, t)
	return 0, nil
}

func TestClampDelay_BoundsToRange(t *testing.T) {
	assert.Equal(t, minDelaySec, clampDelay(0))
	assert.Equal(t, minDelaySec, clampDelay(-5))
	assert.Equal(t, maxDelaySec, clampDelay(10_000))
	assert.Equal(t, 42, clampDelay(42))
}

func TestHandle_PersistsPendingResumeAndSchedulesRestart(t *testing.T) {
	dir := t.TempDir()
	pendingFile := filepath.Join(dir, "restart-pending.json")
	m := New(Config{PendingFile: pendingFile, RestartCommand: []string{"true"}})

	notice, err := m.Handle(
		queue.RestartDirective{Reason: "update deps", ResumePrompt: "continue", DelaySec: 2},
		queue.RestartContext{ChannelID: "c1", UserID: "u1", ContextID: "ctx1", Engine: "primary", SessionID: "s1"},
	)
	require.NoError(t, err)
	assert.Contains(t, notice, "update deps")

	pending, err := readPending(pendingFile)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "c1", pending.ChannelID)
	assert.Equal(t, "s1", pending.SessionID)
	assert.Contains(t, pending.ResumePrompt, "continue")
	assert.Contains(t, pending.ResumePrompt, "update deps")
}

func TestHandle_NoRestartCommandConfiguredFails(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{PendingFile: filepath.Join(dir, "p.json")})
	_, err := m.Handle(queue.RestartDirective{}, queue.RestartContext{})
	assert.Error(t, err)
}

func TestReconcile_StaleResumeIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	pendingFile := filepath.Join(dir, "p.json")
	require.NoError(t, writePendingAtomic(pendingFile, PendingResume{
		ID: "old", ChannelID: "c1", RequestedAt: time.Now().Add(-time.Hour),
	}))

	m := New(Config{PendingFile: pendingFile, MaxPendingMinutes: 5})
	enq := &fakeEnqueuer{}
	m.Reconcile(context.Background(), &fakeSender{}, func(string) (reply.Target, bool) {
		return reply.ForChannel("c1"), true
	}, enq)

	assert.Empty(t, enq.tasks)
	_, statErr := os.Stat(pendingFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcile_FreshResumeSendsNoticeAndEnqueues(t *testing.T) {
	dir := t.TempDir()
	pendingFile := filepath.Join(dir, "p.json")
	require.NoError(t, writePendingAtomic(pendingFile, PendingResume{
		ID: "r1", ChannelID: "c1", SessionID: "s1", ResumePrompt: "resume please",
		RequestedAt: time.Now(),
	}))

	m := New(Config{PendingFile: pendingFile, MaxPendingMinutes: 30})
	sender := &fakeSender{}
	enq := &fakeEnqueuer{}
	m.Reconcile(context.Background(), sender, func(string) (reply.Target, bool) {
		return reply.ForChannel("c1"), true
	}, enq)

	require.Len(t, sender.sent, 1)
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, "restart-resume:r1", enq.tasks[0].TaskKey)
	assert.Equal(t, "resume please", enq.tasks[0].Prompt)

	_, statErr := os.Stat(pendingFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcile_UnresolvableChannelLeavesFileInPlace(t *testing.T) {
	dir := t.TempDir()
	pendingFile := filepath.Join(dir, "p.json")
	require.NoError(t, writePendingAtomic(pendingFile, PendingResume{
		ID: "r1", ChannelID: "gone", RequestedAt: time.Now(),
	}))

	m := New(Config{PendingFile: pendingFile})
	enq := &fakeEnqueuer{}
	m.Reconcile(context.Background(), &fakeSender{}, func(string) (reply.Target, bool) {
		return reply.Target{}, false
	}, enq)

	assert.Empty(t, enq.tasks)
	_, statErr := os.Stat(pendingFile)
	assert.NoError(t, statErr)
}

func TestReconcile_EnqueueFailureKeepsPendingFile(t *testing.T) {
	dir := t.TempDir()
	pendingFile := filepath.Join(dir, "p.json")
	require.NoError(t, writePendingAtomic(pendingFile, PendingResume{
		ID: "r1", ChannelID: "c1", RequestedAt: time.Now(),
	}))

	m := New(Config{PendingFile: pendingFile})
	enq := &fakeEnqueuer{err: assert.AnError}
	m.Reconcile(context.Background(), &fakeSender{}, func(string) (reply.Target, bool) {
		return reply.ForChannel("c1"), true
	}, enq)

	_, statErr := os.Stat(pendingFile)
	assert.NoError(t, statErr)
}

func TestReconcile_NoPendingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{PendingFile: filepath.Join(dir, "missing.json")})
	enq := &fakeEnqueuer{}
	m.Reconcile(context.Background(), &fakeSender{}, func(string) (reply.Target, bool) {
		return reply.Target{}, true
	}, enq)
	assert.Empty(t, enq.tasks)
}

package commands

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mecho-run/mecho/pkg/mecho/config"
	"github.com/mecho-run/mecho/pkg/mecho/queue"
	"github.com/mecho-run/mecho/pkg/mecho/reply"
	"github.com/mecho-run/mecho/pkg/mecho/session"
)

const messageEventDedupWindow = 10 * time.Minute

// newMessageHandler builds the discordgo.MessageCreate handler that turns a
// plain channel message into a queue task. Slash-command parsing, persona
// composition, and attachment download are external collaborators the
// receiving-side channel is expected to supply; this handler is the minimal
// bridge that lets a bare message reach the queue.
func newMessageHandler(q *queue.Manager, sessions *session.Store, cfg *config.Config, logger *slog.Logger) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		if !userAllowed(cfg.Discord.AllowedUserIDs, m.Author.ID) {
			return
		}
		if m.Content == "" {
			return
		}
		if !sessions.ClaimMessageEvent(m.ID, messageEventDedupWindow, time.Now().UTC()) {
			return
		}

		contextID := m.ChannelID
		target := reply.ForMessage(m.ChannelID, m.ID)
		task := &queue.Task{
			TaskKey:       queue.NewTaskKey(m.Author.ID, contextID),
			Engine:        "primary",
			Prompt:        m.Content,
			SessionUserID: m.Author.ID,
			ContextID:     contextID,
			UserID:        m.Author.ID,
			RespondTo:     &target,
			CreatedAt:     time.Now().UTC(),
		}

		if sessionID, ok, err := sessions.GetSession(m.Author.ID, contextID, task.Engine); err == nil && ok {
			task.SessionID = sessionID
		}

		if _, err := q.Enqueue(task); err != nil {
			logger.Warn("enqueue failed", "error", err, "task_key", task.TaskKey)
		}
	}
}

func userAllowed(allowed []string, userID string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == userID {
			return true
		}
	}
	return false
}

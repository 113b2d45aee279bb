// Package reply implements the ReplyTarget abstraction
// for the Queue Manager's outbound side: turning a single logical response
// into one or more Discord sends, live-edited in place as an agent run
// streams, without the full gateway/slash-command surface (out of scope
// — that belongs to a receiving-side channel, not here).
package reply

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// maxChunkLen mirrors Discord's hard per-message content limit, with a small
// safety margin for code-fence continuation markers.
const maxChunkLen = 1990

// Kind tags which of the three ways a ReplyTarget was opened.
type Kind string

const (
	KindInteraction Kind = "interaction"
	KindMessage     Kind = "message"
	KindChannel     Kind = "channel"
)

// Target is a tagged variant over the three places a reply can originate:
// a slash-command interaction, a reply-to message, or a bare channel post.
// ChannelID is always set; Interaction is set only for KindInteraction and
// ReplyToMsgID only for KindMessage.
type Target struct {
	Kind          Kind
	ChannelID     string
	Interaction   *discordgo.Interaction
	ReplyToMsgID  string
	editMessageID string // set once the first chunk has been sent, for live edits
}

// ForInteraction builds a Target that responds to a slash-command invocation.
func ForInteraction(channelID string, interaction *discordgo.Interaction) Target {
	return Target{Kind: KindInteraction, ChannelID: channelID, Interaction: interaction}
}

// ForMessage builds a Target that replies to an existing message.
func ForMessage(channelID, replyToMsgID string) Target {
	return Target{Kind: KindMessage, ChannelID: channelID, ReplyToMsgID: replyToMsgID}
}

// ForChannel builds a Target that posts a fresh message with no reference.
func ForChannel(channelID string) Target {
	return Target{Kind: KindChannel, ChannelID: channelID}
}

// Sender is the subset of *discordgo.Session a Target needs, narrowed so
// tests can fake it without spinning up a gateway connection.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// SendChunks splits text into Discord-sized chunks and sends each as its own
// message, referencing the original on the first chunk only.
func SendChunks(ctx context.Context, s Sender, t Target, text string) error {
	if t.Kind == KindInteraction && t.Interaction != nil {
		if err := respondToInteraction(s, t, firstChunk(text)); err != nil {
			return err
		}
		rest := splitMessage(text, maxChunkLen)
		if len(rest) <= 1 {
			return nil
		}
		for _, chunk := range rest[1:] {
			if err := sendPlain(s, t.ChannelID, chunk, ""); err != nil {
				return err
			}
		}
		return nil
	}

	chunks := splitMessage(text, maxChunkLen)
	for i, chunk := range chunks {
		replyTo := ""
		if i == 0 {
			replyTo = t.ReplyToMsgID
		}
		if err := sendPlain(s, t.ChannelID, chunk, replyTo); err != nil {
			return fmt.Errorf("reply: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// TryEditFirst maintains a single live-update message for a streaming run
// (callers coalesce edits to at most once every 1.5s). The first call on a
// Target sends a fresh message and remembers its ID; later calls edit that
// message in place. Text longer than one chunk is cut to maxChunkLen bytes.
func TryEditFirst(ctx context.Context, s Sender, t *Target, text string) error {
	if len(text) > maxChunkLen {
		text = text[:maxChunkLen]
	}
	if t.editMessageID == "" {
		msg, err := sendAndCapture(s, t.ChannelID, text, t.ReplyToMsgID)
		if err != nil {
			return err
		}
		t.editMessageID = msg.ID
		return nil
	}
	_, err := s.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:      t.editMessageID,
		Channel: t.ChannelID,
		Content: &text,
	})
	return err
}

// SendTyping posts a typing indicator, used while an agent run is in flight
// and no chunk has been flushed yet.
func SendTyping(s Sender, t Target) error {
	return s.ChannelTyping(t.ChannelID)
}

// SendAttachments uploads files alongside an optional caption.
func SendAttachments(ctx context.Context, s Sender, t Target, caption string, files []*discordgo.File) error {
	msgSend := &discordgo.MessageSend{Content: caption, Files: files}
	if t.Kind != KindInteraction && t.ReplyToMsgID != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: t.ReplyToMsgID}
	}
	_, err := s.ChannelMessageSendComplex(t.ChannelID, msgSend)
	return err
}

func sendPlain(s Sender, channelID, content, replyTo string) error {
	msgSend := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: replyTo}
	}
	_, err := s.ChannelMessageSendComplex(channelID, msgSend)
	return err
}

func sendAndCapture(s Sender, channelID, content, replyTo string) (*discordgo.Message, error) {
	msgSend := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: replyTo}
	}
	return s.ChannelMessageSendComplex(channelID, msgSend)
}

func respondToInteraction(s Sender, t Target, content string) error {
	return s.InteractionRespond(t.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
}

func firstChunk(text string) string {
	chunks := splitMessage(text, maxChunkLen)
	if len(chunks) == 0 {
		return ""
	}
	return chunks[0]
}

// splitMessage breaks text into <=maxLen chunks, preferring to cut at a
// newline — adapted from the Discord channel's splitDiscordMessage. A chunk
// left with an odd number of ``` fences is closed before emission and the
// fence reopened at the top of the next chunk, so a code block never
// renders as unterminated across a Discord message boundary.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	const fenceOpen = "```\n"
	const fenceClose = "\n```"

	var chunks []string
	pendingFence := false
	for len(text) > 0 {
		budget := maxLen
		prefix := ""
		if pendingFence {
			prefix = fenceOpen
			budget -= len(fenceOpen)
		}

		if len(prefix)+len(text) <= maxLen {
			chunks = append(chunks, prefix+text)
			break
		}

		cutAt := budget
		if idx := strings.LastIndex(text[:budget], "\n"); idx > budget/2 {
			cutAt = idx + 1
		}
		chunk := prefix + text[:cutAt]
		text = text[cutAt:]

		if strings.Count(chunk, "```")%2 == 1 {
			chunk += fenceClose
			pendingFence = true
		} else {
			pendingFence = false
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

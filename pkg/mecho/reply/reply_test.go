package reply

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent     []*discordgo.MessageSend
	edits    []*discordgo.MessageEdit
	typingAt []string
	nextID   int
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sent = append(f.sent, data)
	f.nextID++
	return &discordgo.Message{ID: itoa(f.nextID), ChannelID: channelID}, nil
}

func (f *fakeSender) ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.edits = append(f.edits, edit)
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

func (f *fakeSender) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	f.typingAt = append(f.typingAt, channelID)
	return nil
}

func (f *fakeSender) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	f.sent = append(f.sent, &discordgo.MessageSend{Content: resp.Data.Content})
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestSendChunks_ShortMessage_SingleSend(t *testing.T) {
	s := &fakeSender{}
	target := ForMessage("chan-1", "msg-1")

	err := SendChunks(context.Background(), s, target, "hello world")
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "hello world", s.sent[0].Content)
	require.NotNil(t, s.sent[0].Reference)
	assert.Equal(t, "msg-1", s.sent[0].Reference.MessageID)
}

func TestSendChunks_LongMessage_SplitsAndOnlyFirstChunkReplies(t *testing.T) {
	s := &fakeSender{}
	target := ForMessage("chan-1", "msg-1")
	long := strings.Repeat("a", 3000)

	err := SendChunks(context.Background(), s, target, long)
	require.NoError(t, err)
	require.True(t, len(s.sent) >= 2)
	assert.NotNil(t, s.sent[0].Reference)
	for _, chunk := range s.sent[1:] {
		assert.Nil(t, chunk.Reference)
	}
	for _, chunk := range s.sent {
		assert.LessOrEqual(t, len(chunk.Content), maxChunkLen+len("```\n")+len("\n```"))
	}
}

func TestSendChunks_SplitsAcrossOpenCodeFence(t *testing.T) {
	s := &fakeSender{}
	target := ForChannel("chan-1")
	body := "```go\n" + strings.Repeat("x = 1\n", 500) + "```"

	err := SendChunks(context.Background(), s, target, body)
	require.NoError(t, err)
	require.True(t, len(s.sent) >= 2)
	for _, chunk := range s.sent {
		assert.Zero(t, strings.Count(chunk.Content, "```")%2, "chunk must have balanced fences: %q", truncate(chunk.Content))
	}
}

func truncate(s string) string {
	if len(s) > 60 {
		return s[:60]
	}
	return s
}

func TestTryEditFirst_SendsThenEdits(t *testing.T) {
	s := &fakeSender{}
	target := ForChannel("chan-1")

	err := TryEditFirst(context.Background(), s, &target, "partial text")
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	require.Empty(t, s.edits)

	err = TryEditFirst(context.Background(), s, &target, "partial text, more")
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	require.Len(t, s.edits, 1)
	assert.Equal(t, "partial text, more", *s.edits[0].Content)
}

func TestSendTyping(t *testing.T) {
	s := &fakeSender{}
	target := ForChannel("chan-7")
	require.NoError(t, SendTyping(s, target))
	assert.Equal(t, []string{"chan-7"}, s.typingAt)
}

func TestSendAttachments_IncludesCaptionAndFiles(t *testing.T) {
	s := &fakeSender{}
	target := ForMessage("chan-1", "msg-2")
	files := []*discordgo.File{{Name: "out.txt"}}

	err := SendAttachments(context.Background(), s, target, "see attached", files)
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "see attached", s.sent[0].Content)
	assert.Equal(t, files, s.sent[0].Files)
	require.NotNil(t, s.sent[0].Reference)
}

func TestForInteraction_RespondsViaInteractionRespond(t *testing.T) {
	s := &fakeSender{}
	target := ForInteraction("chan-1", &discordgo.Interaction{ID: "int-1"})

	err := SendChunks(context.Background(), s, target, "quick reply")
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	assert.Equal(t, "quick reply", s.sent[0].Content)
}

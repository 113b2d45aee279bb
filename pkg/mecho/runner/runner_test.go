package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_MaxTurnsExhausted(t *testing.T) {
	c := Classify("Error: max turns exceeded for this session")
	require.NotNil(t, c)
	assert.Equal(t, ErrorMaxTurnsExhausted, c.Class)
	assert.True(t, c.Retryable)
}

func TestClassify_Auth(t *testing.T) {
	c := Classify("401 Unauthorized: invalid api key")
	require.NotNil(t, c)
	assert.Equal(t, ErrorAuth, c.Class)
	assert.False(t, c.Retryable)
}

func TestClassify_RateLimit(t *testing.T) {
	c := Classify("429 Too Many Requests: quota exceeded")
	require.NotNil(t, c)
	assert.Equal(t, ErrorRateLimit, c.Class)
}

func TestClassify_SessionResumeFailure_Localized(t *testing.T) {
	c := Classify("erro: sessão não encontrada para este thread")
	require.NotNil(t, c)
	assert.Equal(t, ErrorSessionResumeFailure, c.Class)
	assert.True(t, c.Retryable)
}

func TestClassify_Transient(t *testing.T) {
	c := Classify("upstream returned 503: temporarily unavailable")
	require.NotNil(t, c)
	assert.Equal(t, ErrorTransient, c.Class)
}

func TestClassify_Internal_Fallback(t *testing.T) {
	c := Classify("something unrecognizable happened")
	require.NotNil(t, c)
	assert.Equal(t, ErrorInternal, c.Class)
}

func TestClassify_Empty(t *testing.T) {
	assert.Nil(t, Classify(""))
}

func TestIsTransientAPIPattern_CoversRateLimit(t *testing.T) {
	assert.True(t, IsTransientAPIPattern("429 too many requests"))
	assert.True(t, IsTransientAPIPattern("connection reset by peer"))
	assert.False(t, IsTransientAPIPattern("all good"))
}

func TestLineRing_EmitsCompleteLinesOnly(t *testing.T) {
	var got []string
	ring := newLineRing(func(line string) { got = append(got, line) })

	n, err := ring.Write([]byte("{\"a\":1}\n{\"b\":"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	require.Len(t, got, 1)
	assert.Equal(t, `{"a":1}`, got[0])

	_, err = ring.Write([]byte("2}\n"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{"b":2}`, got[1])
}

func TestLineRing_BoundsBufferedBytes(t *testing.T) {
	ring := newLineRing(func(string) {})
	big := make([]byte, maxBufferedBytes/2)
	for i := range big {
		big[i] = 'x'
	}
	_, _ = ring.Write(append(big, '\n'))
	_, _ = ring.Write(append(big, '\n'))
	_, _ = ring.Write(append(big, '\n'))

	assert.LessOrEqual(t, len(ring.Snapshot()), maxBufferedBytes+len(big))
}

func TestPrimary_BuildArgs_IncludesResumeAndMaxTurns(t *testing.T) {
	p := NewPrimary("agent-cli", nil)
	maxTurns := 5
	args := p.buildArgs(Request{Prompt: "hi", SessionID: "sess-1", MaxTurns: &maxTurns, Model: "claude-x"})

	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-1")
	assert.Contains(t, args, "--max-turns")
	assert.Contains(t, args, "5")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "claude-x")
}

func TestPrimary_SupportsMaxTurnsRetry(t *testing.T) {
	p := NewPrimary("agent-cli", nil)
	assert.True(t, p.SupportsMaxTurnsRetry())
	assert.Equal(t, "primary", p.Name())
}

func TestSecondary_BuildArgs_ResumeIsSubcommand(t *testing.T) {
	s := NewSecondary("agent-cli-2", nil)
	args := s.buildArgs(Request{Prompt: "hi", SessionID: "thread-9"})

	require.True(t, len(args) >= 2)
	assert.Equal(t, "resume", args[0])
	assert.Equal(t, "thread-9", args[1])
}

func TestSecondary_BuildArgs_FreshRunUsesRunSubcommand(t *testing.T) {
	s := NewSecondary("agent-cli-2", nil)
	args := s.buildArgs(Request{Prompt: "hi there"})

	require.True(t, len(args) >= 1)
	assert.Equal(t, "run", args[0])
}

func TestSecondary_DoesNotSupportMaxTurnsRetry(t *testing.T) {
	s := NewSecondary("agent-cli-2", nil)
	assert.False(t, s.SupportsMaxTurnsRetry())
	assert.Equal(t, "secondary", s.Name())
}

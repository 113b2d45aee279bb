package restart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_DirectiveFileTakesPriority(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, directiveFilename),
		[]byte(`{"restart": true, "reason": "apply patch", "delaySec": 5}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"),
		[]byte(`{"restart": true, "reason": "wrong one"}`), 0o644))

	p, ok := discover(dir, "")
	require.True(t, ok)
	assert.Equal(t, "apply patch", p.Reason)
	assert.Equal(t, 5, p.DelaySec)
}

func TestDiscover_FallsBackToOtherJSONFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"),
		[]byte(`{"reason": "config changed"}`), 0o644))

	p, ok := discover(dir, "")
	require.True(t, ok)
	assert.Equal(t, "config changed", p.Reason)
}

func TestDiscover_FallsBackToReplyTextWholeJSON(t *testing.T) {
	dir := t.TempDir()
	p, ok := discover(dir, `{"selfRestart": true, "resumePrompt": "continue the migration"}`)
	require.True(t, ok)
	assert.Equal(t, "continue the migration", p.ResumePrompt)
}

func TestDiscover_FallsBackToFencedJSONBlock(t *testing.T) {
	text := "All done here.\n\n```json\n{\"applyAndRestart\": true, \"reason\": \"update deps\"}\n```\n"
	p, ok := discover("", text)
	require.True(t, ok)
	assert.Equal(t, "update deps", p.Reason)
}

func TestDiscover_NoSignalReturnsFalse(t *testing.T) {
	_, ok := discover("", `{"status": "ok"}`)
	assert.False(t, ok)
}

func TestDiscover_PlainTextNoDirective(t *testing.T) {
	_, ok := discover("", "just a normal reply with no json at all")
	assert.False(t, ok)
}

func TestFromJSON_NonObjectIsRejected(t *testing.T) {
	_, ok := fromJSON(`[1, 2, 3]`)
	assert.False(t, ok)
}

func TestFromJSON_PositiveDelaySecCountsAsSignal(t *testing.T) {
	p, ok := fromJSON(`{"delaySec": 10}`)
	require.True(t, ok)
	assert.Equal(t, 10, p.DelaySec)
}

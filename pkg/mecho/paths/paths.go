// Package paths centralizes the on-disk layout described.
// the orchestrator's dataDir and the memory service's per-mode directories.
package paths

import (
	"os"
	"path/filepath"
)

// Layout resolves every well-known path under a root dataDir.
type Layout struct {
	DataDir string
}

// New returns a Layout rooted at dataDir. It creates nothing on disk;
// EnsureDirs does.
func New(dataDir string) Layout {
	return Layout{DataDir: dataDir}
}

// EnsureDirs creates the directory skeleton the orchestrator needs on startup.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.DataDir,
		l.TurnWorkRoot(),
		l.RuntimeDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (l Layout) SessionsDB() string            { return filepath.Join(l.DataDir, "sessions.db") }
func (l Layout) TurnWorkRoot() string          { return filepath.Join(l.DataDir, "turn-work") }
func (l Layout) RestartPendingFile() string    { return filepath.Join(l.DataDir, "restart-pending.json") }
func (l Layout) EngineOverridesFile() string   { return filepath.Join(l.DataDir, "engine-overrides.json") }
func (l Layout) ModelOverridesFile() string    { return filepath.Join(l.DataDir, "model-overrides.json") }
func (l Layout) VerboseOverridesFile() string  { return filepath.Join(l.DataDir, "verbose-overrides.json") }
func (l Layout) MechoModeOverridesFile() string {
	return filepath.Join(l.DataDir, "mecho-mode-overrides.json")
}
func (l Layout) RuntimeDir() string { return filepath.Join(l.DataDir, ".runtime") }
func (l Layout) LockFile() string   { return filepath.Join(l.RuntimeDir(), "bot.lock") }

// ModeDir returns the root directory for a mode's memory stores
// (mecho/data/modes/<mode_id>/).
func ModeDir(modesRoot, modeID string) string {
	return filepath.Join(modesRoot, modeID)
}

// ModeMechoDB returns the path to a mode's core/curated/event database.
func ModeMechoDB(modesRoot, modeID string) string {
	return filepath.Join(ModeDir(modesRoot, modeID), "mecho.db")
}

// ModeArchivalDB returns the path to a mode's archival vector database.
func ModeArchivalDB(modesRoot, modeID string) string {
	return filepath.Join(ModeDir(modesRoot, modeID), "archival.db")
}

// TurnWorkspace returns the turn-work/{ts}-{pid}-{seq}-{sanitized_task_key}
// directory and its input/output subdirectories.
func TurnWorkspace(root, stamp string, pid, seq int, sanitizedTaskKey string) (dir, inputDir, outputDir string) {
	name := stamp + "-" + itoa(pid) + "-" + itoa(seq) + "-" + sanitizedTaskKey
	dir = filepath.Join(root, name)
	return dir, filepath.Join(dir, "input"), filepath.Join(dir, "output")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

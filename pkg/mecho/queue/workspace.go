package queue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// maxAttachmentBytes bounds both staged inbound attachments and harvested
// output files (4 and 13: "25 MiB boundary").
const maxAttachmentBytes = 25 * 1024 * 1024

// turnSeq is a process-wide counter so concurrent turns never collide on a
// workspace directory name even within the same second:
// "{ts}-{pid}-{seq}-{sanitized_task_key}".
var turnSeq int64

// workspace is the allocated turn-work directory and its subdirs.
type workspace struct {
	Dir       string
	InputDir  string
	OutputDir string
}

// allocWorkspace creates turn-work/{ts}-{pid}-{seq}-{sanitized_task_key}/{input,output}.
func allocWorkspace(root, taskKey string) (*workspace, error) {
	seq := atomic.AddInt64(&turnSeq, 1)
	name := fmt.Sprintf("%d-%d-%d-%s", time.Now().UTC().Unix(), os.Getpid(), seq, sanitizeForPath(taskKey))
	dir := filepath.Join(root, name)
	inputDir := filepath.Join(dir, "input")
	outputDir := filepath.Join(dir, "output")
	for _, d := range []string{dir, inputDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("alloc workspace: %w", err)
		}
	}
	return &workspace{Dir: dir, InputDir: inputDir, OutputDir: outputDir}, nil
}

func (w *workspace) cleanup() {
	_ = os.RemoveAll(w.Dir)
}

// stageSharedAttachments moves files out of a shared staging directory into
// this turn's input/ dir, falling back to copy+unlink when rename fails
// across a filesystem boundary, and allocating a fresh name on collision
// (3).
func stageSharedAttachments(sharedDir string, filenames []string, w *workspace) ([]string, error) {
	var staged []string
	for _, name := range filenames {
		src := filepath.Join(sharedDir, name)
		info, err := os.Stat(src)
		if err != nil {
			continue // file may have already been claimed by a concurrent turn
		}
		if info.IsDir() {
			continue
		}

		dest := uniquePath(filepath.Join(w.InputDir, filepath.Base(name)))
		if err := os.Rename(src, dest); err != nil {
			if err := copyThenRemove(src, dest); err != nil {
				return staged, fmt.Errorf("stage attachment %s: %w", name, err)
			}
		}
		staged = append(staged, dest)
	}
	return staged, nil
}

func copyThenRemove(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// harvestOutputs lists the turn's output/ dir for files to attach to the
// reply, skipping the restart-directive file, zero-byte files, and files
// over the 25 MiB boundary (13).
func harvestOutputs(w *workspace, restartDirectiveFilename string) ([]string, error) {
	entries, err := os.ReadDir(w.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("harvest outputs: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == restartDirectiveFilename {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() == 0 || info.Size() > maxAttachmentBytes {
			continue
		}
		out = append(out, filepath.Join(w.OutputDir, e.Name()))
	}
	return out, nil
}

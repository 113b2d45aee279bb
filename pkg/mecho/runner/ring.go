package runner

import (
	"strings"
	"sync"
)

// maxBufferedBytes is the cap on buffered raw stdout before the ring starts
// dropping the oldest lines. No truncation marker is added.
const maxBufferedBytes = 10 * 1024 * 1024

// lineRing is an io.Writer that splits stdout into lines, decodes each as it
// completes, and keeps only the most recent maxBufferedBytes of raw text —
// adapted from daemon_manager.go's ringBuffer, sized in bytes rather than
// line count since JSONL lines vary wildly in size.
type lineRing struct {
	mu         sync.Mutex
	partial    strings.Builder
	buffered   []string
	totalBytes int
	onLine     func(line string)
}

func newLineRing(onLine func(string)) *lineRing {
	return &lineRing{onLine: onLine}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.partial.Write(p)
	text := r.partial.String()

	var lines []string
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, text[:idx])
		text = text[idx+1:]
	}
	r.partial.Reset()
	r.partial.WriteString(text)

	for _, line := range lines {
		r.buffered = append(r.buffered, line)
		r.totalBytes += len(line)
		for r.totalBytes > maxBufferedBytes && len(r.buffered) > 0 {
			r.totalBytes -= len(r.buffered[0])
			r.buffered = r.buffered[1:]
		}
	}
	r.mu.Unlock()

	for _, line := range lines {
		r.onLine(line)
	}
	return len(p), nil
}

// Snapshot returns the currently buffered lines joined by newlines, used for
// error-classification fallback when the process exits without a clean
// terminal JSON object.
func (r *lineRing) Snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.buffered, "\n")
}

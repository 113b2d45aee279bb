// Package restart implements the Restart Manager: discovery
// of a self-restart directive at the end of a successful turn, persistence
// of a pending resume across the external restart, and startup
// reconciliation that re-injects the resume prompt once the process comes
// back up.
package restart

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

// directiveFilename is the first-priority file name checked in a turn's
// output directory (1, "a file named.<app>-restart.json").
const directiveFilename = ".mecho-restart.json"

// parsed mirrors queue.RestartDirective plus the fields only the Restart
// Manager itself needs while building a PendingResume.
type parsed struct {
	Reason       string
	ResumePrompt string
	DelaySec     int
}

// discover implements the , stopping at the
// first hit: the well-known directive file, then any other JSON object file
// in the output directory carrying a restart signal, then the reply text
// itself (whole-text JSON or the first fenced JSON block).
func discover(outputDir, replyText string) (parsed, bool) {
	if outputDir != "" {
		if p, ok := fromFile(filepath.Join(outputDir, directiveFilename)); ok {
			return p, true
		}
		if p, ok := scanOtherFiles(outputDir); ok {
			return p, true
		}
	}
	return fromText(replyText)
}

func fromFile(path string) (parsed, bool) {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return parsed{}, false
	}
	return fromJSON(string(raw))
}

func scanOtherFiles(dir string) (parsed, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return parsed{}, false
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == directiveFilename || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if p, ok := fromFile(filepath.Join(dir, e.Name())); ok {
			return p, true
		}
	}
	return parsed{}, false
}

func fromText(text string) (parsed, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parsed{}, false
	}
	if p, ok := fromJSON(trimmed); ok {
		return p, true
	}
	if block := firstFencedJSONBlock(text); block != "" {
		return fromJSON(block)
	}
	return parsed{}, false
}

// firstFencedJSONBlock extracts the contents of the first ```json ... ```
// or bare ``` ... ``` fence in text.
func firstFencedJSONBlock(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start == -1 {
		return ""
	}
	rest := text[start+len(fence):]
	rest = strings.TrimPrefix(rest, "json")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, fence)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// fromJSON parses a candidate JSON object and reports whether it carries a
// restart signal: any of restart/restartRequired/selfRestart/applyAndRestart
// truthy, or a non-empty reason, or a non-empty resumePrompt, or a positive
// delaySec.
func fromJSON(raw string) (parsed, bool) {
	if !gjson.Valid(raw) {
		return parsed{}, false
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return parsed{}, false
	}

	truthy := root.Get("restart").Bool() || root.Get("restartRequired").Bool() ||
		root.Get("selfRestart").Bool() || root.Get("applyAndRestart").Bool()
	reason := strings.TrimSpace(root.Get("reason").String())
	resumePrompt := strings.TrimSpace(root.Get("resumePrompt").String())
	delaySec := int(root.Get("delaySec").Int())

	if !truthy && reason == "" && resumePrompt == "" && delaySec <= 0 {
		return parsed{}, false
	}

	return parsed{Reason: reason, ResumePrompt: resumePrompt, DelaySec: delaySec}, true
}

// Package delta implements the Delta Compiler: given two
// revisions of a mode's memory, produces a full XML snapshot, a delta XML
// patch, or nothing.
package delta

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mecho-run/mecho/pkg/mecho/memorystore"
)

// Mode is the compiled payload's kind, one of "full", "delta", "none".
type Mode string

const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
	ModeNone  Mode = "none"
)

// Result is what Compile returns.
type Result struct {
	Mode Mode
	XML  string
}

// Reader is the subset of memorystore.Store the compiler needs, so tests
// can substitute a fake without touching SQLite.
type Reader interface {
	GetCore() (memorystore.Core, bool, error)
	ListCurated() ([]memorystore.Curated, error)
	GetCurated(memoryID string) (memorystore.Curated, bool, error)
	ListMemoryEventsInRange(fromExclusive, toInclusive int64) ([]memorystore.Event, error)
}

// Compile: none when to<=from, full when
// from<=0, otherwise fold the event range and render a delta.
func Compile(r Reader, modeID string, from, to int64, prepareID string) (Result, error) {
	if to <= from {
		return Result{Mode: ModeNone, XML: ""}, nil
	}
	if from <= 0 {
		return compileFull(r, modeID, to)
	}
	return compileDelta(r, modeID, from, to)
}

func compileFull(r Reader, modeID string, to int64) (Result, error) {
	core, hasCore, err := r.GetCore()
	if err != nil {
		return Result{}, fmt.Errorf("compile full: get core: %w", err)
	}
	curated, err := r.ListCurated()
	if err != nil {
		return Result{}, fmt.Errorf("compile full: list curated: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<memory_context mode_id=%s from_revision="0" to_revision="%d">`, xmlAttr(modeID), to)
	if hasCore {
		b.WriteString("\n  <core>")
		writeCoreBody(&b, core)
		b.WriteString("</core>")
	}
	for _, c := range curated {
		b.WriteString("\n  <curated")
		fmt.Fprintf(&b, " memory_id=%s", xmlAttr(c.MemoryID))
		b.WriteString(">")
		writeCuratedBody(&b, c)
		b.WriteString("</curated>")
	}
	b.WriteString("\n</memory_context>")

	if !hasCore && len(curated) == 0 {
		return Result{Mode: ModeNone, XML: ""}, nil
	}
	return Result{Mode: ModeFull, XML: b.String()}, nil
}

// foldState accumulates the last-writer-wins outcome of the event range
// before it is resolved against current store state.
type foldState struct {
	coreUpdated bool
	touched     map[string]bool
	deleted     map[string]bool
	order       []string // first-seen order of touched ids, for stable iteration
}

func fold(events []memorystore.Event) foldState {
	st := foldState{touched: map[string]bool{}, deleted: map[string]bool{}}
	for _, e := range events {
		switch e.EventType {
		case memorystore.EventCoreUpsert:
			st.coreUpdated = true
		case memorystore.EventCuratedUpsert:
			if !st.touched[e.MemoryID] {
				st.order = append(st.order, e.MemoryID)
			}
			st.touched[e.MemoryID] = true
			delete(st.deleted, e.MemoryID)
		case memorystore.EventCuratedDelete:
			if !st.touched[e.MemoryID] {
				st.order = append(st.order, e.MemoryID)
			}
			st.touched[e.MemoryID] = true
			st.deleted[e.MemoryID] = true
		}
	}
	return st
}

func compileDelta(r Reader, modeID string, from, to int64, _ ...string) (Result, error) {
	events, err := r.ListMemoryEventsInRange(from, to)
	if err != nil {
		return Result{}, fmt.Errorf("compile delta: list events: %w", err)
	}
	st := fold(events)

	var upserts []memorystore.Curated
	removed := map[string]bool{}
	for id := range st.deleted {
		removed[id] = true
	}

	for id := range st.touched {
		if st.deleted[id] {
			continue
		}
		cur, ok, err := r.GetCurated(id)
		if err != nil {
			return Result{}, fmt.Errorf("compile delta: get curated %s: %w", id, err)
		}
		// Row no longer exists or was soft-deleted after the range ended:
		// re-read the current row and promote it to deleted.
		if !ok || cur.IsDeleted {
			removed[id] = true
			continue
		}
		upserts = append(upserts, cur)
	}

	sort.Slice(upserts, func(i, j int) bool { return upserts[i].MemoryID < upserts[j].MemoryID })
	removedIDs := make([]string, 0, len(removed))
	for id := range removed {
		removedIDs = append(removedIDs, id)
	}
	sort.Strings(removedIDs)

	var core memorystore.Core
	var hasCore bool
	if st.coreUpdated {
		core, hasCore, err = r.GetCore()
		if err != nil {
			return Result{}, fmt.Errorf("compile delta: get core: %w", err)
		}
	}

	if !hasCore && len(upserts) == 0 && len(removedIDs) == 0 {
		return Result{Mode: ModeNone, XML: ""}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<memory_delta mode_id=%s from_revision="%d" to_revision="%d">`, xmlAttr(modeID), from, to)
	if hasCore {
		b.WriteString("\n  <core>")
		writeCoreBody(&b, core)
		b.WriteString("</core>")
	}
	for _, c := range upserts {
		b.WriteString("\n  <curated")
		fmt.Fprintf(&b, " memory_id=%s", xmlAttr(c.MemoryID))
		b.WriteString(">")
		writeCuratedBody(&b, c)
		b.WriteString("</curated>")
	}
	for _, id := range removedIDs {
		fmt.Fprintf(&b, "\n  <removed memory_id=%s/>", xmlAttr(id))
	}
	b.WriteString("\n</memory_delta>")

	return Result{Mode: ModeDelta, XML: b.String()}, nil
}

func writeCoreBody(b *strings.Builder, c memorystore.Core) {
	fmt.Fprintf(b, "\n    <name>%s</name>\n    <description>%s</description>\n    <detail>%s</detail>\n  ",
		escapeText(c.Name), escapeText(c.Description), escapeText(c.Detail))
}

func writeCuratedBody(b *strings.Builder, c memorystore.Curated) {
	fmt.Fprintf(b, "\n    <name>%s</name>\n    <description>%s</description>\n    <detail>%s</detail>\n  ",
		escapeText(c.Name), escapeText(c.Description), escapeText(c.Detail))
}

func xmlAttr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

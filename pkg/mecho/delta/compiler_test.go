package delta

import (
	"testing"

	"github.com/mecho-run/mecho/pkg/mecho/memorystore"
	"github.com/stretchr/testify/require"
)

// fakeReader is an in-memory implementation of Reader for unit-testing the
// fold/render logic without a SQLite database.
type fakeReader struct {
	core    memorystore.Core
	hasCore bool
	curated map[string]memorystore.Curated
	events  []memorystore.Event
}

func (f *fakeReader) GetCore() (memorystore.Core, bool, error) { return f.core, f.hasCore, nil }

func (f *fakeReader) ListCurated() ([]memorystore.Curated, error) {
	var out []memorystore.Curated
	for _, c := range f.curated {
		if !c.IsDeleted {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeReader) GetCurated(id string) (memorystore.Curated, bool, error) {
	c, ok := f.curated[id]
	return c, ok, nil
}

func (f *fakeReader) ListMemoryEventsInRange(from, to int64) ([]memorystore.Event, error) {
	var out []memorystore.Event
	for _, e := range f.events {
		if e.Rev > from && e.Rev <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestCompileNoneWhenToLessEqualFrom(t *testing.T) {
	r := &fakeReader{}
	res, err := Compile(r, "m1", 5, 5, "p")
	require.NoError(t, err)
	require.Equal(t, ModeNone, res.Mode)
	require.Empty(t, res.XML)

	res, err = Compile(r, "m1", 5, 3, "p")
	require.NoError(t, err)
	require.Equal(t, ModeNone, res.Mode)
}

func TestCompileFullContainsAllNonDeletedNames(t *testing.T) {
	r := &fakeReader{
		curated: map[string]memorystore.Curated{
			"c1": {MemoryID: "c1", Name: "N1"},
			"c2": {MemoryID: "c2", Name: "N2"},
			"c3": {MemoryID: "c3", Name: "N3", IsDeleted: true},
		},
	}
	res, err := Compile(r, "m1", 0, 3, "p")
	require.NoError(t, err)
	require.Equal(t, ModeFull, res.Mode)
	require.Contains(t, res.XML, "memory_context")
	require.Contains(t, res.XML, "N1")
	require.Contains(t, res.XML, "N2")
	require.NotContains(t, res.XML, "N3")
}

func TestCompileDeltaUpsertThenDeleteSameRangeOmitsUpsert(t *testing.T) {
	r := &fakeReader{
		curated: map[string]memorystore.Curated{
			"c1": {MemoryID: "c1", Name: "N1", IsDeleted: true},
		},
		events: []memorystore.Event{
			{Rev: 2, EventType: memorystore.EventCuratedUpsert, MemoryID: "c1"},
			{Rev: 3, EventType: memorystore.EventCuratedDelete, MemoryID: "c1"},
		},
	}
	res, err := Compile(r, "m1", 0, 2, "p")
	require.NoError(t, err)
	// from<=0 forces full mode — use from=1 to reach the delta path.
	res, err = Compile(r, "m1", 1, 3, "p")
	require.NoError(t, err)
	require.Equal(t, ModeDelta, res.Mode)
	require.Contains(t, res.XML, `removed memory_id="c1"`)
	require.NotContains(t, res.XML, "<curated")
}

func TestCompileDeltaDeleteThenUpsertSameRangeIsUpsert(t *testing.T) {
	r := &fakeReader{
		curated: map[string]memorystore.Curated{
			"c1": {MemoryID: "c1", Name: "Reborn"},
		},
		events: []memorystore.Event{
			{Rev: 2, EventType: memorystore.EventCuratedDelete, MemoryID: "c1"},
			{Rev: 3, EventType: memorystore.EventCuratedUpsert, MemoryID: "c1"},
		},
	}
	res, err := Compile(r, "m1", 1, 3, "p")
	require.NoError(t, err)
	require.Equal(t, ModeDelta, res.Mode)
	require.Contains(t, res.XML, "Reborn")
	require.NotContains(t, res.XML, "removed")
}

func TestCompileDeltaDowngradesToNoneWhenEmpty(t *testing.T) {
	r := &fakeReader{events: nil}
	res, err := Compile(r, "m1", 1, 1, "p")
	require.NoError(t, err)
	require.Equal(t, ModeNone, res.Mode)

	r2 := &fakeReader{
		curated: map[string]memorystore.Curated{},
		events:  []memorystore.Event{{Rev: 2, EventType: memorystore.EventCoreUpsert}},
	}
	res, err = Compile(r2, "m1", 1, 2, "p")
	require.NoError(t, err)
	require.Equal(t, ModeNone, res.Mode)
}

func TestCompileDeltaSortsDeterministically(t *testing.T) {
	r := &fakeReader{
		curated: map[string]memorystore.Curated{
			"zz": {MemoryID: "zz", Name: "Z"},
			"aa": {MemoryID: "aa", Name: "A"},
		},
		events: []memorystore.Event{
			{Rev: 2, EventType: memorystore.EventCuratedUpsert, MemoryID: "zz"},
			{Rev: 3, EventType: memorystore.EventCuratedUpsert, MemoryID: "aa"},
		},
	}
	res, err := Compile(r, "m1", 0, 0, "p")
	require.NoError(t, err)
	require.Equal(t, ModeNone, res.Mode) // to<=from guard still applies first

	res, err = Compile(r, "m1", 1, 3, "p")
	require.NoError(t, err)
	require.Less(t, indexOf(res.XML, "aa"), indexOf(res.XML, "zz"))
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

package eventqueue

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/view"
)

type fakeEvent struct {
	path string
	name string
	log  *[]string
	then func()
}

func (e *fakeEvent) Path() dbpath.Path { return dbpath.New(e.path) }
func (e *fakeEvent) String() string    { return e.name }

func (e *fakeEvent) Fire() {
	*e.log = append(*e.log, e.name)
	if e.then != nil {
		e.then()
	}
}

func TestRaiseEventsAtPath(t *testing.T) {
	var log []string
	q := New(zerolog.Nop())
	q.QueueEvents([]view.Event{&fakeEvent{path: "/b", name: "b1", log: &log}})
	q.RaiseEventsAtPath(dbpath.New("/a"), []view.Event{
		&fakeEvent{path: "/a", name: "a1", log: &log},
		&fakeEvent{path: "/a", name: "a2", log: &log},
	})
	if diff := cmp.Diff([]string{"a1", "a2"}, log); diff != "" {
		t.Errorf("raised mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}

	q.RaiseEventsAtPath(dbpath.New("/b"), nil)
	if diff := cmp.Diff([]string{"a1", "a2", "b1"}, log); diff != "" {
		t.Errorf("raised mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestRaiseEventsForChangedPath(t *testing.T) {
	var log []string
	q := New(zerolog.Nop())
	q.RaiseEventsForChangedPath(dbpath.New("/a/b"), []view.Event{
		&fakeEvent{path: "/a", name: "ancestor", log: &log},
		&fakeEvent{path: "/a/b/c", name: "descendant", log: &log},
		&fakeEvent{path: "/x", name: "unrelated", log: &log},
	})
	if diff := cmp.Diff([]string{"ancestor", "descendant"}, log); diff != "" {
		t.Errorf("raised mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestReentrantRaiseRunsAfterCurrentBatch(t *testing.T) {
	var log []string
	q := New(zerolog.Nop())
	nested := &fakeEvent{path: "/a", name: "nested", log: &log}
	first := &fakeEvent{path: "/a", name: "first", log: &log, then: func() {
		q.RaiseEventsAtPath(dbpath.New("/a"), []view.Event{nested})
	}}
	second := &fakeEvent{path: "/a", name: "second", log: &log}

	q.RaiseEventsAtPath(dbpath.New("/a"), []view.Event{first, second})
	if diff := cmp.Diff([]string{"first", "second", "nested"}, log); diff != "" {
		t.Errorf("raised mismatch (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	var log []string
	q := New(zerolog.Nop())
	q.QueueEvents([]view.Event{&fakeEvent{path: "/a", name: "a", log: &log}})
	q.Clear()
	q.RaiseEventsAtPath(dbpath.New("/a"), nil)
	if len(log) != 0 {
		t.Errorf("raised %v after Clear(), want nothing", log)
	}
}

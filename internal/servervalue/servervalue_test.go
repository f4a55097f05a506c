package servervalue

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
)

func TestGenerateWithValues(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	got := GenerateWithValues(Values{"other": "x"}, now)
	want := Values{"other": "x", Timestamp: 1700000000123.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GenerateWithValues() mismatch (-want +got):\n%s", diff)
	}

	kept := GenerateWithValues(Values{Timestamp: 5.0}, now)
	if kept[Timestamp] != 5.0 {
		t.Errorf("GenerateWithValues() timestamp = %v, want 5", kept[Timestamp])
	}
}

func TestResolveDeferredValue(t *testing.T) {
	values := Values{Timestamp: 42.0}
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"timestamp", snap.TimestampPlaceholder, 42.0},
		{"unknown name stays", snap.Deferred{Name: "increment"}, snap.Deferred{Name: "increment"}},
		{"plain value", "hello", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveDeferredValue(tt.in, values); got != tt.want {
				t.Errorf("ResolveDeferredValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveDeferredValueSnapshot(t *testing.T) {
	values := Values{Timestamp: 42.0}
	in := snap.NodeFromJSON(map[string]any{
		"at":        map[string]any{".sv": "timestamp"},
		"name":      "x",
		"inner":     map[string]any{"when": map[string]any{".sv": "timestamp"}},
		".priority": map[string]any{".sv": "timestamp"},
	})

	got := ResolveDeferredValueSnapshot(in, values)
	want := map[string]any{
		"at":        42.0,
		"name":      "x",
		"inner":     map[string]any{"when": 42.0},
		".priority": 42.0,
	}
	if diff := cmp.Diff(want, got.Val(true)); diff != "" {
		t.Errorf("ResolveDeferredValueSnapshot() mismatch (-want +got):\n%s", diff)
	}

	plain := snap.NodeFromJSON(map[string]any{"a": 1.0})
	if ResolveDeferredValueSnapshot(plain, values) != plain {
		t.Errorf("ResolveDeferredValueSnapshot() copied a node with no placeholders")
	}
}

func TestResolveDeferredValueTree(t *testing.T) {
	tree := sparse.NewSnapshotTree()
	tree.Remember(dbpath.New("/a/b"), snap.NodeFromJSON(map[string]any{".sv": "timestamp"}))
	tree.Remember(dbpath.New("/c"), snap.NodeFromJSON("keep"))

	resolved := ResolveDeferredValueTree(tree, Values{Timestamp: 7.0})
	got := map[string]any{}
	resolved.ForEachTree(dbpath.Empty, func(p dbpath.Path, n snap.Node) {
		got[p.String()] = n.Val(false)
	})
	want := map[string]any{"/a/b": 7.0, "/c": "keep"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveDeferredValueTree() mismatch (-want +got):\n%s", diff)
	}
}

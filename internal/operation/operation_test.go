package operation

import (
	"testing"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
)

func TestOverwriteForChild(t *testing.T) {
	op := NewOverwrite(User, dbpath.New("a/b"), snap.NodeFromJSON("x"))
	child, ok := op.ForChild("a")
	if !ok || child.Path.String() != "/b" || child.Snap.Val(false) != "x" {
		t.Errorf("ForChild(a) = %v, %v", child, ok)
	}

	root := NewOverwrite(Server, dbpath.Empty, snap.NodeFromJSON(map[string]any{"a": 1.0}))
	child, _ = root.ForChild("a")
	if child.Snap.Val(false) != 1.0 || !child.Source.FromServer {
		t.Errorf("ForChild(a) at root = %v", child.Snap.Val(false))
	}
	child, _ = root.ForChild("missing")
	if !child.Snap.IsEmpty() {
		t.Error("ForChild() of missing child should overwrite with empty")
	}
}

func TestMergeForChild(t *testing.T) {
	children := sparse.NewImmutableTree[snap.Node]().
		Set(dbpath.New("x"), snap.NodeFromJSON(1.0)).
		Set(dbpath.New("y/z"), snap.NodeFromJSON(2.0))
	op := NewMerge(User, dbpath.Empty, children)

	x, ok := op.ForChild("x")
	if !ok || x.Type != Overwrite || x.Snap.Val(false) != 1.0 {
		t.Errorf("ForChild(x) = %v, %v, want overwrite of 1", x, ok)
	}
	y, ok := op.ForChild("y")
	if !ok || y.Type != Merge {
		t.Errorf("ForChild(y) = %v, %v, want merge", y, ok)
	}
	if _, ok := op.ForChild("q"); ok {
		t.Error("ForChild() of untouched child should report false")
	}
}

func TestAckForChild(t *testing.T) {
	affected := sparse.NewImmutableTree[bool]().Set(dbpath.New("b"), true)
	op := NewAckUserWrite(dbpath.New("a"), affected, false)

	child, ok := op.ForChild("a")
	if !ok || !child.Path.IsEmpty() {
		t.Fatalf("ForChild(a) = %v, %v", child, ok)
	}
	grand, _ := child.ForChild("b")
	if v, ok := grand.Affected.Value(); !ok || !v {
		t.Errorf("ForChild(a).ForChild(b) affected = %v, %v, want true", v, ok)
	}
	leafAck := NewAckUserWrite(dbpath.Empty, sparse.ImmutableLeaf(true), true)
	same, _ := leafAck.ForChild("z")
	if v, _ := same.Affected.Value(); !v || !same.Revert {
		t.Error("an ack covering the whole subtree should apply unchanged to every child")
	}
}

func TestForChildOffPathPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("ForChild() off the merge path should panic")
		}
	}()
	op := NewMerge(User, dbpath.New("a"), sparse.NewImmutableTree[snap.Node]())
	op.ForChild("b")
}

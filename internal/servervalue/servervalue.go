// Package servervalue substitutes local estimates for server value placeholders
// ({".sv": "timestamp"}) so optimistic events can show them before the server answers.
package servervalue

import (
	"time"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
)

// Timestamp is the placeholder name resolved to milliseconds since the epoch
const Timestamp = "timestamp"

// Values maps placeholder names to the values substituted for them
type Values map[string]any

// GenerateWithValues fills in the timestamp estimate from now unless values already has one
func GenerateWithValues(values Values, now time.Time) Values {
	out := make(Values, len(values)+1)
	for k, v := range values {
		out[k] = v
	}
	if _, ok := out[Timestamp]; !ok {
		out[Timestamp] = float64(now.UnixMilli())
	}
	return out
}

// ResolveDeferredValue returns the substitute for a placeholder leaf value and any other
// value unchanged. Placeholders without a substitute are kept.
func ResolveDeferredValue(v any, values Values) any {
	d, ok := v.(snap.Deferred)
	if !ok {
		return v
	}
	if r, ok := values[d.Name]; ok {
		return r
	}
	return v
}

// ResolveDeferredValueSnapshot replaces placeholders in values and priorities throughout n.
// n is returned as is when it holds no placeholders.
func ResolveDeferredValueSnapshot(n snap.Node, values Values) snap.Node {
	priority := resolvePriority(n.Priority(), values)
	if n.IsLeaf() {
		leaf := n.(*snap.LeafNode)
		value := ResolveDeferredValue(leaf.Value(), values)
		if value == leaf.Value() && priority == n.Priority() {
			return n
		}
		return snap.NodeFromJSON(value, priority)
	}

	updated := n
	if priority != n.Priority() {
		updated = updated.UpdatePriority(priority)
	}
	n.ForEachChild(snap.PriorityIndex, func(name string, child snap.Node) bool {
		resolved := ResolveDeferredValueSnapshot(child, values)
		if resolved != child {
			updated = updated.UpdateImmediateChild(name, resolved)
		}
		return false
	})
	return updated
}

func resolvePriority(p snap.Node, values Values) snap.Node {
	if !snap.IsDeferred(p) {
		return p
	}
	resolved := ResolveDeferredValue(p.(*snap.LeafNode).Value(), values)
	if _, still := resolved.(snap.Deferred); still {
		return p
	}
	return snap.NodeFromJSON(resolved)
}

// ResolveDeferredValueTree resolves every node remembered in tree into a new tree
func ResolveDeferredValueTree(tree *sparse.SnapshotTree, values Values) *sparse.SnapshotTree {
	resolved := sparse.NewSnapshotTree()
	tree.ForEachTree(dbpath.Empty, func(path dbpath.Path, n snap.Node) {
		resolved.Remember(path, ResolveDeferredValueSnapshot(n, values))
	})
	return resolved
}

package view

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/operation"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
	"github.com/erauner12/treesync/internal/writetree"
)

// Processor applies operations to a view cache through the query's filter
type Processor struct {
	filter NodeFilter
}

func NewProcessor(filter NodeFilter) *Processor {
	return &Processor{filter: filter}
}

// ApplyOperation returns the new cache and the changes listeners should see.
// completeCache is server data known complete by another view at the same path (may be nil).
func (p *Processor) ApplyOperation(old ViewCache, op operation.Operation, writes *writetree.Ref, completeCache snap.Node) (ViewCache, []Change) {
	acc := NewChildChangeAccumulator()
	var vc ViewCache
	switch op.Type {
	case operation.Overwrite:
		if op.Source.FromUser {
			vc = p.applyUserOverwrite(old, op.Path, op.Snap, writes, completeCache, acc)
		} else {
			invariant.Check(op.Source.FromServer, "unknown source for overwrite")
			// a tagged query receives data already filtered for it; untagged data deep in a
			// filtered cache may fall outside the window
			filterServerNode := op.Source.Tagged || (old.ServerCache().IsFiltered() && !op.Path.IsEmpty())
			vc = p.applyServerOverwrite(old, op.Path, op.Snap, writes, completeCache, filterServerNode, acc)
		}
	case operation.Merge:
		if op.Source.FromUser {
			vc = p.applyUserMerge(old, op.Path, op.Children, writes, completeCache, acc)
		} else {
			invariant.Check(op.Source.FromServer, "unknown source for merge")
			filterServerNode := op.Source.Tagged || old.ServerCache().IsFiltered()
			vc = p.applyServerMerge(old, op.Path, op.Children, writes, completeCache, filterServerNode, acc)
		}
	case operation.AckUserWrite:
		if op.Revert {
			vc = p.revertUserWrite(old, op.Path, writes, completeCache, acc)
		} else {
			vc = p.ackUserWrite(old, op.Path, op.Affected, writes, completeCache, acc)
		}
	case operation.ListenComplete:
		vc = p.listenComplete(old, op.Path, writes, acc)
	default:
		invariant.Fail("unknown operation %v", op.Type)
	}
	changes := acc.Changes()
	changes = maybeAddValueEvent(old, vc, changes)
	return vc, changes
}

func maybeAddValueEvent(old, updated ViewCache, changes []Change) []Change {
	event := updated.EventCache()
	if !event.IsFullyInitialized() {
		return changes
	}
	node := event.Node()
	isLeafOrEmpty := node.IsLeaf() || node.IsEmpty()
	oldComplete := old.CompleteEventSnap()
	if len(changes) > 0 ||
		!old.EventCache().IsFullyInitialized() ||
		(isLeafOrEmpty && !node.Equals(oldComplete)) ||
		!node.Priority().Equals(oldComplete.Priority()) {
		changes = append(changes, ValueChange(updated.CompleteEventSnap()))
	}
	return changes
}

func (p *Processor) generateEventCacheAfterServerEvent(vc ViewCache, changePath dbpath.Path, writes *writetree.Ref, source CompleteChildSource, acc *ChildChangeAccumulator) ViewCache {
	oldEvent := vc.EventCache()
	if _, shadowed := writes.ShadowingWrite(changePath); shadowed {
		// a shadowed deep change can still turn a leaf ancestor into an object, which
		// changes what the write leaves visible: recompute the whole top level child
		if changePath.Len() < 2 {
			return vc
		}
		top := dbpath.FromSegments(changePath.Front())
		if _, topShadowed := writes.ShadowingWrite(top); topShadowed {
			return vc
		}
		changePath = top
	}
	var newEvent snap.Node
	switch {
	case changePath.IsEmpty():
		invariant.Check(vc.ServerCache().IsFullyInitialized(), "if change path is empty, we must have complete server data")
		if vc.ServerCache().IsFiltered() {
			// only the children in the window are known; avoid synthesizing a leaf
			serverNode := vc.CompleteServerSnap()
			if serverNode.IsLeaf() {
				serverNode = snap.Empty
			}
			newEvent = p.filter.UpdateFullNode(oldEvent.Node(), writes.CalcCompleteEventChildren(serverNode), acc)
		} else {
			complete := writes.CalcCompleteEventCache(vc.CompleteServerSnap(), nil, false)
			newEvent = p.filter.UpdateFullNode(oldEvent.Node(), complete, acc)
		}

	case changePath.Front() == snap.PriorityKey:
		invariant.Check(changePath.Len() == 1, "can't have a priority with additional path components")
		oldNode := oldEvent.Node()
		updatedPriority := writes.CalcEventCacheAfterServerOverwrite(changePath, oldNode, vc.ServerCache().Node())
		if updatedPriority != nil {
			newEvent = p.filter.UpdatePriority(oldNode, updatedPriority)
		} else {
			newEvent = oldNode
		}

	default:
		childKey := changePath.Front()
		affected := changePath.PopFront()
		var newChild snap.Node
		if oldEvent.IsCompleteForChild(childKey) {
			// the whole child is recomputed: patching only the changed path would keep a
			// leaf that the server just replaced with an object
			affected = dbpath.Empty
			update := writes.CalcEventCacheAfterServerOverwrite(dbpath.FromSegments(childKey), oldEvent.Node(), vc.ServerCache().Node())
			if update != nil {
				newChild = update
			} else {
				newChild = oldEvent.Node().ImmediateChild(childKey)
			}
		} else {
			newChild = writes.CalcCompleteChild(childKey, vc.ServerCache())
		}
		if newChild != nil {
			newEvent = p.filter.UpdateChild(oldEvent.Node(), childKey, newChild, affected, source, acc)
		} else {
			newEvent = oldEvent.Node()
		}
	}
	return vc.UpdateEventSnap(newEvent, oldEvent.IsFullyInitialized() || changePath.IsEmpty(), p.filter.FiltersNodes())
}

func (p *Processor) applyServerOverwrite(old ViewCache, changePath dbpath.Path, changed snap.Node, writes *writetree.Ref, completeCache snap.Node, filterServerNode bool, acc *ChildChangeAccumulator) ViewCache {
	oldServer := old.ServerCache()
	serverFilter := p.filter
	if !filterServerNode {
		serverFilter = p.filter.IndexedFilter()
	}

	var newServer snap.Node
	switch {
	case changePath.IsEmpty():
		newServer = serverFilter.UpdateFullNode(oldServer.Node(), changed, nil)
	case serverFilter.FiltersNodes() && !oldServer.IsFiltered():
		// the cache held everything so far: refilter the whole updated node
		updated := oldServer.Node().UpdateChild(changePath, changed)
		newServer = serverFilter.UpdateFullNode(oldServer.Node(), updated, nil)
	default:
		childKey := changePath.Front()
		if !oldServer.IsCompleteForPath(changePath) && changePath.Len() > 1 {
			// a deep update to an unknown child can't be applied
			return old
		}
		childPath := changePath.PopFront()
		newChild := oldServer.Node().ImmediateChild(childKey).UpdateChild(childPath, changed)
		if childKey == snap.PriorityKey {
			newServer = serverFilter.UpdatePriority(oldServer.Node(), newChild)
		} else {
			newServer = serverFilter.UpdateChild(oldServer.Node(), childKey, newChild, childPath, NoCompleteChildSource{}, nil)
		}
	}
	vc := old.UpdateServerSnap(newServer, oldServer.IsFullyInitialized() || changePath.IsEmpty(), serverFilter.FiltersNodes())
	source := NewWriteTreeCompleteChildSource(writes, vc, completeCache)
	return p.generateEventCacheAfterServerEvent(vc, changePath, writes, source, acc)
}

func (p *Processor) applyUserOverwrite(old ViewCache, changePath dbpath.Path, changed snap.Node, writes *writetree.Ref, completeCache snap.Node, acc *ChildChangeAccumulator) ViewCache {
	oldEvent := old.EventCache()
	source := NewWriteTreeCompleteChildSource(writes, old, completeCache)

	if changePath.IsEmpty() {
		newEvent := p.filter.UpdateFullNode(oldEvent.Node(), changed, acc)
		return old.UpdateEventSnap(newEvent, true, p.filter.FiltersNodes())
	}

	childKey := changePath.Front()
	if childKey == snap.PriorityKey {
		newEvent := p.filter.UpdatePriority(oldEvent.Node(), changed)
		return old.UpdateEventSnap(newEvent, oldEvent.IsFullyInitialized(), oldEvent.IsFiltered())
	}

	childPath := changePath.PopFront()
	oldChild := oldEvent.Node().ImmediateChild(childKey)
	var newChild snap.Node
	if childPath.IsEmpty() {
		newChild = changed
	} else if child := source.CompleteChild(childKey); child != nil {
		if childPath.Back() == snap.PriorityKey && child.Child(childPath.Parent()).IsEmpty() {
			// a priority on a missing node is dropped
			newChild = child
		} else {
			newChild = child.UpdateChild(childPath, changed)
		}
	} else {
		// the child is unknown; the write only fills in part of it
		newChild = snap.Empty
	}
	if oldChild.Equals(newChild) {
		return old
	}
	newEvent := p.filter.UpdateChild(oldEvent.Node(), childKey, newChild, childPath, source, acc)
	return old.UpdateEventSnap(newEvent, oldEvent.IsFullyInitialized(), p.filter.FiltersNodes())
}

func (p *Processor) applyUserMerge(old ViewCache, path dbpath.Path, changed *sparse.ImmutableTree[snap.Node], writes *writetree.Ref, completeCache snap.Node, acc *ChildChangeAccumulator) ViewCache {
	// children the cache already holds are updated before new ones are added
	vc := old
	changed.ForEach(func(rel dbpath.Path, n snap.Node) {
		writePath := path.Join(rel)
		if old.EventCache().IsCompleteForChild(writePath.Front()) {
			vc = p.applyUserOverwrite(vc, writePath, n, writes, completeCache, acc)
		}
	})
	changed.ForEach(func(rel dbpath.Path, n snap.Node) {
		writePath := path.Join(rel)
		if !old.EventCache().IsCompleteForChild(writePath.Front()) {
			vc = p.applyUserOverwrite(vc, writePath, n, writes, completeCache, acc)
		}
	})
	return vc
}

func applyMerge(n snap.Node, merge *sparse.ImmutableTree[snap.Node]) snap.Node {
	merge.ForEach(func(rel dbpath.Path, child snap.Node) {
		n = n.UpdateChild(rel, child)
	})
	return n
}

func (p *Processor) applyServerMerge(old ViewCache, path dbpath.Path, changed *sparse.ImmutableTree[snap.Node], writes *writetree.Ref, completeCache snap.Node, filterServerNode bool, acc *ChildChangeAccumulator) ViewCache {
	if old.ServerCache().Node().IsEmpty() && !old.ServerCache().IsFullyInitialized() {
		// nothing known yet; the listen's initial data will carry the merge
		return old
	}
	mergeTree := changed
	if !path.IsEmpty() {
		mergeTree = sparse.NewImmutableTree[snap.Node]().SetTree(path, changed)
	}
	serverNode := old.ServerCache().Node()
	vc := old
	mergeTree.ForEachChild(func(key string, child *sparse.ImmutableTree[snap.Node]) {
		if serverNode.HasChild(key) {
			newChild := applyMerge(serverNode.ImmediateChild(key), child)
			vc = p.applyServerOverwrite(vc, dbpath.FromSegments(key), newChild, writes, completeCache, filterServerNode, acc)
		}
	})
	mergeTree.ForEachChild(func(key string, child *sparse.ImmutableTree[snap.Node]) {
		_, hasValue := child.Value()
		unknownDeepMerge := !old.ServerCache().IsCompleteForChild(key) && !hasValue
		if !serverNode.HasChild(key) && !unknownDeepMerge {
			newChild := applyMerge(serverNode.ImmediateChild(key), child)
			vc = p.applyServerOverwrite(vc, dbpath.FromSegments(key), newChild, writes, completeCache, filterServerNode, acc)
		}
	})
	return vc
}

func (p *Processor) ackUserWrite(vc ViewCache, ackPath dbpath.Path, affected *sparse.ImmutableTree[bool], writes *writetree.Ref, completeCache snap.Node, acc *ChildChangeAccumulator) ViewCache {
	if _, shadowed := writes.ShadowingWrite(ackPath); shadowed {
		return vc
	}
	filterServerNode := vc.ServerCache().IsFiltered()
	server := vc.ServerCache()

	if _, ok := affected.Value(); ok {
		// an overwrite was acknowledged: the server cache is the truth below ackPath
		if (ackPath.IsEmpty() && server.IsFullyInitialized()) || server.IsCompleteForPath(ackPath) {
			return p.applyServerOverwrite(vc, ackPath, server.Node().Child(ackPath), writes, completeCache, filterServerNode, acc)
		}
		if ackPath.IsEmpty() {
			// the children we do know are still server truth
			changed := sparse.NewImmutableTree[snap.Node]()
			server.Node().ForEachChild(snap.KeyIndex, func(name string, child snap.Node) bool {
				changed = changed.Set(dbpath.FromSegments(name), child)
				return false
			})
			return p.applyServerMerge(vc, ackPath, changed, writes, completeCache, filterServerNode, acc)
		}
		return vc
	}

	changed := sparse.NewImmutableTree[snap.Node]()
	affected.ForEach(func(rel dbpath.Path, _ bool) {
		serverPath := ackPath.Join(rel)
		if server.IsCompleteForPath(serverPath) {
			changed = changed.Set(rel, server.Node().Child(serverPath))
		}
	})
	return p.applyServerMerge(vc, ackPath, changed, writes, completeCache, filterServerNode, acc)
}

func (p *Processor) listenComplete(vc ViewCache, path dbpath.Path, writes *writetree.Ref, acc *ChildChangeAccumulator) ViewCache {
	oldServer := vc.ServerCache()
	updated := vc.UpdateServerSnap(oldServer.Node(), oldServer.IsFullyInitialized() || path.IsEmpty(), oldServer.IsFiltered())
	return p.generateEventCacheAfterServerEvent(updated, path, writes, NoCompleteChildSource{}, acc)
}

func (p *Processor) revertUserWrite(vc ViewCache, path dbpath.Path, writes *writetree.Ref, completeCache snap.Node, acc *ChildChangeAccumulator) ViewCache {
	if _, shadowed := writes.ShadowingWrite(path); shadowed {
		return vc
	}
	source := NewWriteTreeCompleteChildSource(writes, vc, completeCache)
	oldEvent := vc.EventCache().Node()
	var newEvent snap.Node

	if path.IsEmpty() || path.Front() == snap.PriorityKey {
		var updated snap.Node
		if vc.ServerCache().IsFullyInitialized() {
			updated = writes.CalcCompleteEventCache(vc.CompleteServerSnap(), nil, false)
		} else {
			serverChildren := vc.ServerCache().Node()
			invariant.Check(!serverChildren.IsLeaf(), "serverChildren would be complete if leaf node")
			updated = writes.CalcCompleteEventChildren(serverChildren)
		}
		newEvent = p.filter.UpdateFullNode(oldEvent, updated, acc)
	} else {
		childKey := path.Front()
		newChild := writes.CalcCompleteChild(childKey, vc.ServerCache())
		if newChild == nil && vc.ServerCache().IsCompleteForChild(childKey) {
			newChild = oldEvent.ImmediateChild(childKey)
		}
		switch {
		case newChild != nil:
			newEvent = p.filter.UpdateChild(oldEvent, childKey, newChild, path.PopFront(), source, acc)
		case vc.EventCache().Node().HasChild(childKey):
			// no complete child available; it was only visible because of the reverted write
			newEvent = p.filter.UpdateChild(oldEvent, childKey, snap.Empty, path.PopFront(), source, acc)
		default:
			newEvent = oldEvent
		}
		if newEvent.IsEmpty() && vc.ServerCache().IsFullyInitialized() {
			// the server data might be a leaf that the children-only update could not restore
			complete := writes.CalcCompleteEventCache(vc.CompleteServerSnap(), nil, false)
			if complete != nil && complete.IsLeaf() {
				newEvent = p.filter.UpdateFullNode(newEvent, complete, acc)
			}
		}
	}
	_, shadowedRoot := writes.ShadowingWrite(dbpath.Empty)
	complete := vc.ServerCache().IsFullyInitialized() || shadowedRoot
	return vc.UpdateEventSnap(newEvent, complete, p.filter.FiltersNodes())
}

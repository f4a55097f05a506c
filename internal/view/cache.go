package view

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
)

// CacheNode is a node plus how much of it is known.
// FullyInitialized means the data is complete for the query; Filtered means the query
// filter may have removed children.
type CacheNode struct {
	node             snap.Node
	fullyInitialized bool
	filtered         bool
}

// NewCacheNode wraps n
func NewCacheNode(n snap.Node, fullyInitialized, filtered bool) CacheNode {
	return CacheNode{node: n, fullyInitialized: fullyInitialized, filtered: filtered}
}

func (c CacheNode) Node() snap.Node {
	if c.node == nil {
		return snap.Empty
	}
	return c.node
}

func (c CacheNode) IsFullyInitialized() bool { return c.fullyInitialized }
func (c CacheNode) IsFiltered() bool         { return c.filtered }

// IsCompleteForPath reports whether the data at path is known
func (c CacheNode) IsCompleteForPath(path dbpath.Path) bool {
	if path.IsEmpty() {
		return c.fullyInitialized && !c.filtered
	}
	return c.IsCompleteForChild(path.Front())
}

// IsCompleteForChild reports whether the named child is known
func (c CacheNode) IsCompleteForChild(name string) bool {
	return (c.fullyInitialized && !c.filtered) || c.Node().HasChild(name)
}

// ViewCache holds the event cache (what listeners see) and the server cache (what the
// server sent) of a view
type ViewCache struct {
	eventCache  CacheNode
	serverCache CacheNode
}

// NewViewCache pairs the two caches
func NewViewCache(eventCache, serverCache CacheNode) ViewCache {
	return ViewCache{eventCache: eventCache, serverCache: serverCache}
}

func (v ViewCache) EventCache() CacheNode  { return v.eventCache }
func (v ViewCache) ServerCache() CacheNode { return v.serverCache }

// UpdateEventSnap replaces the event cache
func (v ViewCache) UpdateEventSnap(n snap.Node, complete, filtered bool) ViewCache {
	return ViewCache{eventCache: NewCacheNode(n, complete, filtered), serverCache: v.serverCache}
}

// UpdateServerSnap replaces the server cache
func (v ViewCache) UpdateServerSnap(n snap.Node, complete, filtered bool) ViewCache {
	return ViewCache{eventCache: v.eventCache, serverCache: NewCacheNode(n, complete, filtered)}
}

// CompleteEventSnap returns the event data when it is fully known, else nil
func (v ViewCache) CompleteEventSnap() snap.Node {
	if v.eventCache.fullyInitialized {
		return v.eventCache.Node()
	}
	return nil
}

// CompleteServerSnap returns the server data when it is fully known, else nil
func (v ViewCache) CompleteServerSnap() snap.Node {
	if v.serverCache.fullyInitialized {
		return v.serverCache.Node()
	}
	return nil
}

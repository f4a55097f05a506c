package view

import (
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/writetree"
)

// NoCompleteChildSource knows nothing beyond the cache being filtered
type NoCompleteChildSource struct{}

func (NoCompleteChildSource) CompleteChild(string) snap.Node { return nil }

func (NoCompleteChildSource) ChildAfterChild(snap.Index, snap.NamedNode, bool) (snap.NamedNode, bool) {
	return snap.NamedNode{}, false
}

// WriteTreeCompleteChildSource answers from the event cache first, then from the server
// data with pending writes applied
type WriteTreeCompleteChildSource struct {
	writes              *writetree.Ref
	viewCache           ViewCache
	completeServerCache snap.Node
}

// NewWriteTreeCompleteChildSource builds a source. completeServerCache may be nil.
func NewWriteTreeCompleteChildSource(writes *writetree.Ref, vc ViewCache, completeServerCache snap.Node) *WriteTreeCompleteChildSource {
	return &WriteTreeCompleteChildSource{writes: writes, viewCache: vc, completeServerCache: completeServerCache}
}

func (s *WriteTreeCompleteChildSource) CompleteChild(name string) snap.Node {
	event := s.viewCache.EventCache()
	if event.IsCompleteForChild(name) {
		return event.Node().ImmediateChild(name)
	}
	server := s.viewCache.ServerCache()
	if s.completeServerCache != nil {
		server = NewCacheNode(s.completeServerCache, true, false)
	}
	return s.writes.CalcCompleteChild(name, server)
}

func (s *WriteTreeCompleteChildSource) ChildAfterChild(idx snap.Index, child snap.NamedNode, reverse bool) (snap.NamedNode, bool) {
	data := s.completeServerCache
	if data == nil {
		data = s.viewCache.CompleteServerSnap()
	}
	nodes := s.writes.CalcIndexedSlice(data, child, 1, reverse, idx)
	if len(nodes) == 0 {
		return snap.NamedNode{}, false
	}
	return nodes[0], true
}

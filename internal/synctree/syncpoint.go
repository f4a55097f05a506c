package synctree

import (
	"sort"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/operation"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/writetree"
)

// SyncPoint holds the views of every query at one location, keyed by query identifier.
// At most one of them loads all data (the complete view).
type SyncPoint struct {
	views map[string]*view.View
}

func NewSyncPoint() *SyncPoint {
	return &SyncPoint{views: make(map[string]*view.View)}
}

func (sp *SyncPoint) IsEmpty() bool { return len(sp.views) == 0 }

// sortedViews returns the views in identifier order
func (sp *SyncPoint) sortedViews() []*view.View {
	ids := make([]string, 0, len(sp.views))
	for id := range sp.views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*view.View, 0, len(ids))
	for _, id := range ids {
		out = append(out, sp.views[id])
	}
	return out
}

// ApplyOperation applies op to the addressed view, or to every view for untagged operations
func (sp *SyncPoint) ApplyOperation(op operation.Operation, writes *writetree.Ref, completeServerCache snap.Node) []view.Event {
	if op.Source.QueryID != "" {
		v, ok := sp.views[op.Source.QueryID]
		invariant.Check(ok, "syncpoint tree is out of sync: no view for query %s", op.Source.QueryID)
		return v.ApplyOperation(op, writes, completeServerCache)
	}
	var events []view.Event
	for _, v := range sp.sortedViews() {
		events = append(events, v.ApplyOperation(op, writes, completeServerCache)...)
	}
	return events
}

// viewFor returns the view for query, building (but not storing) a new one when missing
func (sp *SyncPoint) viewFor(query view.QuerySpec, writes *writetree.Ref, serverCache snap.Node, serverCacheComplete bool) *view.View {
	if v, ok := sp.views[query.Identifier()]; ok {
		return v
	}
	var complete snap.Node
	if serverCacheComplete {
		complete = serverCache
	}
	eventCache := writes.CalcCompleteEventCache(complete, nil, false)
	eventCacheComplete := eventCache != nil
	if eventCache == nil {
		if !serverCache.IsLeaf() {
			eventCache = writes.CalcCompleteEventChildren(serverCache)
		} else {
			eventCache = snap.Empty
		}
	}
	vc := view.NewViewCache(
		view.NewCacheNode(eventCache, eventCacheComplete, false),
		view.NewCacheNode(serverCache, serverCacheComplete, false),
	)
	return view.New(query, vc)
}

// AddEventRegistration adds reg to the query's view, creating the view if needed, and
// returns the initial events for reg
func (sp *SyncPoint) AddEventRegistration(query view.QuerySpec, reg view.Registration, writes *writetree.Ref, serverCache snap.Node, serverCacheComplete bool) []view.Event {
	v := sp.viewFor(query, writes, serverCache, serverCacheComplete)
	if _, ok := sp.views[query.Identifier()]; !ok {
		sp.views[query.Identifier()] = v
	}
	v.AddEventRegistration(reg)
	return v.InitialEvents(reg)
}

// RemoveEventRegistration removes reg (every registration when nil) and reports the
// queries whose views went away. The default query removes across all views.
func (sp *SyncPoint) RemoveEventRegistration(query view.QuerySpec, reg view.Registration, cancelErr error) (removed []view.QuerySpec, events []view.Event) {
	hadCompleteView := sp.HasCompleteView()
	var targets []*view.View
	if query.IsDefault() {
		targets = sp.sortedViews()
	} else if v, ok := sp.views[query.Identifier()]; ok {
		targets = []*view.View{v}
	}
	for _, v := range targets {
		events = append(events, v.RemoveEventRegistration(reg, cancelErr)...)
		if v.IsEmpty() {
			delete(sp.views, v.Query().Identifier())
			if !v.Query().LoadsAllData() {
				removed = append(removed, v.Query())
			}
		}
	}
	if hadCompleteView && !sp.HasCompleteView() {
		// the default listener covering the location is gone
		removed = append(removed, view.DefaultQuery(query.Path))
	}
	return removed, events
}

// QueryViews returns the views of filtered queries
func (sp *SyncPoint) QueryViews() []*view.View {
	var out []*view.View
	for _, v := range sp.sortedViews() {
		if !v.Query().LoadsAllData() {
			out = append(out, v)
		}
	}
	return out
}

// CompleteServerCache returns server data at path known complete by any view, or nil
func (sp *SyncPoint) CompleteServerCache(path dbpath.Path) snap.Node {
	for _, v := range sp.sortedViews() {
		if c := v.CompleteServerCache(path); c != nil {
			return c
		}
	}
	return nil
}

// ViewForQuery returns the view serving query, if any
func (sp *SyncPoint) ViewForQuery(query view.QuerySpec) *view.View {
	if query.LoadsAllData() {
		return sp.CompleteView()
	}
	return sp.views[query.Identifier()]
}

func (sp *SyncPoint) ViewExistsForQuery(query view.QuerySpec) bool {
	return sp.ViewForQuery(query) != nil
}

func (sp *SyncPoint) HasCompleteView() bool {
	return sp.CompleteView() != nil
}

// CompleteView returns the view that loads all data, if any
func (sp *SyncPoint) CompleteView() *view.View {
	for _, v := range sp.sortedViews() {
		if v.Query().LoadsAllData() {
			return v
		}
	}
	return nil
}

package view

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/operation"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/writetree"
)

// View is the state of one query at one location: its caches and its listeners
type View struct {
	query         QuerySpec
	processor     *Processor
	cache         ViewCache
	registrations []Registration
	generator     eventGenerator
}

// New builds a view whose caches start from initial, run through the query's filter
func New(query QuerySpec, initial ViewCache) *View {
	indexFilter := NewIndexedFilter(query.Params.Index())
	filter := query.Params.Filter()

	server := initial.ServerCache()
	event := initial.EventCache()
	serverSnap := indexFilter.UpdateFullNode(snap.Empty, server.Node(), nil)
	eventSnap := filter.UpdateFullNode(snap.Empty, event.Node(), nil)

	return &View{
		query:     query,
		processor: NewProcessor(filter),
		cache: NewViewCache(
			NewCacheNode(eventSnap, event.IsFullyInitialized(), filter.FiltersNodes()),
			NewCacheNode(serverSnap, server.IsFullyInitialized(), indexFilter.FiltersNodes()),
		),
		generator: newEventGenerator(query),
	}
}

func (v *View) Query() QuerySpec { return v.query }

// ServerCache returns the server data held by the view
func (v *View) ServerCache() snap.Node { return v.cache.ServerCache().Node() }

// EventCache returns the data listeners currently see
func (v *View) EventCache() snap.Node { return v.cache.EventCache().Node() }

// Cache returns both caches
func (v *View) Cache() ViewCache { return v.cache }

// CompleteServerCache returns complete server data at path (relative to the view), or nil
func (v *View) CompleteServerCache(path dbpath.Path) snap.Node {
	cache := v.cache.CompleteServerSnap()
	if cache == nil {
		return nil
	}
	// a filtered view only knows the children inside its window
	if v.query.LoadsAllData() || (!path.IsEmpty() && !cache.ImmediateChild(path.Front()).IsEmpty()) {
		return cache.Child(path)
	}
	return nil
}

func (v *View) IsEmpty() bool { return len(v.registrations) == 0 }

func (v *View) AddEventRegistration(reg Registration) {
	v.registrations = append(v.registrations, reg)
}

// RemoveEventRegistration removes reg, or every registration when reg is nil.
// With a cancel error, the removed registrations get cancel events; without one no events
// are produced.
func (v *View) RemoveEventRegistration(reg Registration, cancelErr error) []Event {
	var events []Event
	remaining := v.registrations[:0:0]
	for _, r := range v.registrations {
		if reg != nil && r != reg {
			remaining = append(remaining, r)
			continue
		}
		if cancelErr != nil {
			if e := r.CreateCancelEvent(cancelErr, v.query.Path); e != nil {
				events = append(events, e)
			}
		}
		r.Deactivate()
	}
	v.registrations = remaining
	return events
}

// ApplyOperation updates the caches and returns the events for every registration
func (v *View) ApplyOperation(op operation.Operation, writes *writetree.Ref, completeServerCache snap.Node) []Event {
	if op.Type == operation.Merge && op.Source.QueryID != "" {
		invariant.Check(v.cache.CompleteServerSnap() != nil, "we should always have a full cache before handling merges")
		invariant.Check(v.cache.CompleteEventSnap() != nil, "missing event cache, even though we have a server cache")
	}
	old := v.cache
	updated, changes := v.processor.ApplyOperation(old, op, writes, completeServerCache)
	invariant.Check(updated.ServerCache().IsFullyInitialized() || !old.ServerCache().IsFullyInitialized(),
		"once a server snap is complete, it should never go back")
	v.cache = updated
	return v.generator.generate(changes, updated.EventCache().Node(), v.registrations)
}

// InitialEvents returns the events a new registration sees for the current data
func (v *View) InitialEvents(reg Registration) []Event {
	event := v.cache.EventCache()
	var changes []Change
	if !event.Node().IsLeaf() {
		event.Node().ForEachChild(snap.PriorityIndex, func(name string, child snap.Node) bool {
			changes = append(changes, ChildAddedChange(name, child))
			return false
		})
	}
	if event.IsFullyInitialized() {
		changes = append(changes, ValueChange(event.Node()))
	}
	return v.generator.generate(changes, event.Node(), []Registration{reg})
}

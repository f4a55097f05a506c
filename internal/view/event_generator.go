package view

import (
	"sort"

	"github.com/erauner12/treesync/internal/snap"
)

// eventOrder is the order in which change types are raised for one operation
var eventOrder = []EventType{ChildRemoved, ChildAdded, ChildMoved, ChildChanged, Value}

type eventGenerator struct {
	query QuerySpec
	index snap.Index
}

func newEventGenerator(query QuerySpec) eventGenerator {
	return eventGenerator{query: query, index: query.Params.Index()}
}

// generate turns changes into events for regs. eventCache is the cache after the changes.
func (g eventGenerator) generate(changes []Change, eventCache snap.Node, regs []Registration) []Event {
	var moves []Change
	for _, c := range changes {
		if c.Type == ChildChanged && g.index.IndexedValueChanged(c.OldSnap, c.Snap) {
			moves = append(moves, ChildMovedChange(c.ChildName, c.Snap))
		}
	}
	var events []Event
	for _, t := range eventOrder {
		src := changes
		if t == ChildMoved {
			src = moves
		}
		events = g.generateForType(events, t, src, eventCache, regs)
	}
	return events
}

func (g eventGenerator) generateForType(events []Event, t EventType, changes []Change, eventCache snap.Node, regs []Registration) []Event {
	var filtered []Change
	for _, c := range changes {
		if c.Type == t {
			filtered = append(filtered, c)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		a := snap.NamedNode{Name: filtered[i].ChildName, Node: filtered[i].Snap}
		b := snap.NamedNode{Name: filtered[j].ChildName, Node: filtered[j].Snap}
		return g.index.Compare(a, b) < 0
	})
	for _, c := range filtered {
		c = g.materialize(c, eventCache)
		for _, r := range regs {
			if r.RespondsTo(c.Type) {
				events = append(events, r.CreateEvent(c, g.query))
			}
		}
	}
	return events
}

// materialize fills in the previous child name of added, moved and changed children
func (g eventGenerator) materialize(c Change, eventCache snap.Node) Change {
	if c.Type == Value || c.Type == ChildRemoved {
		return c
	}
	c.PrevName, c.HasPrev = eventCache.PredecessorChildName(c.ChildName, c.Snap, g.index)
	return c
}

// Package eventqueue delivers view events to listeners in order.
//
// Events are grouped into runs of consecutive events sharing a path. Raising is
// synchronous; a raise requested while events are being delivered (a listener writing
// data, for example) queues its events behind the current ones and is drained before the
// outermost raise returns.
package eventqueue

import (
	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/view"
)

type eventList struct {
	path   dbpath.Path
	events []view.Event
}

// Queue holds events waiting to be raised
type Queue struct {
	lists    []*eventList
	pending  []func(dbpath.Path) bool
	draining bool
	logger   zerolog.Logger
}

func New(logger zerolog.Logger) *Queue {
	return &Queue{logger: logger}
}

// QueueEvents adds events without raising them
func (q *Queue) QueueEvents(events []view.Event) {
	var cur *eventList
	for _, e := range events {
		path := e.Path()
		if cur != nil && !path.Equal(cur.path) {
			q.lists = append(q.lists, cur)
			cur = nil
		}
		if cur == nil {
			cur = &eventList{path: path}
		}
		cur.events = append(cur.events, e)
	}
	if cur != nil {
		q.lists = append(q.lists, cur)
	}
}

// RaiseEventsAtPath queues events and raises everything queued at exactly path
func (q *Queue) RaiseEventsAtPath(path dbpath.Path, events []view.Event) {
	q.QueueEvents(events)
	q.raiseMatching(func(p dbpath.Path) bool { return p.Equal(path) })
}

// RaiseEventsForChangedPath queues events and raises everything queued at, above or below
// changed
func (q *Queue) RaiseEventsForChangedPath(changed dbpath.Path, events []view.Event) {
	q.QueueEvents(events)
	q.raiseMatching(func(p dbpath.Path) bool { return p.Contains(changed) || changed.Contains(p) })
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	n := 0
	for _, l := range q.lists {
		n += len(l.events)
	}
	return n
}

// Clear drops every queued event
func (q *Queue) Clear() {
	q.lists = nil
	q.pending = nil
}

func (q *Queue) raiseMatching(match func(dbpath.Path) bool) {
	q.pending = append(q.pending, match)
	if q.draining {
		return
	}
	q.draining = true
	defer func() { q.draining = false }()
	for len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.raisePass(next)
	}
}

func (q *Queue) raisePass(match func(dbpath.Path) bool) {
	// lists queued by listeners during this pass wait for their own raise
	n := len(q.lists)
	for i := 0; i < n && i < len(q.lists); i++ {
		l := q.lists[i]
		if l == nil || !match(l.path) {
			continue
		}
		q.lists[i] = nil
		for _, e := range l.events {
			q.logger.Trace().Str("event", e.String()).Msg("raising event")
			e.Fire()
		}
	}
	kept := q.lists[:0]
	for _, l := range q.lists {
		if l != nil {
			kept = append(kept, l)
		}
	}
	q.lists = kept
}

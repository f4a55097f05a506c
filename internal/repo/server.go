package repo

import (
	"github.com/erauner12/treesync/internal/view"
)

// Server is the remote end of the protocol. Callbacks may be invoked from any goroutine,
// including synchronously from within the call; the repo serializes them.
//
// Listen must not call hashFn after returning; a hash is an optimization and a listen
// replayed without one simply receives the full data. Put with a nil hash is
// unconditional; otherwise the server answers "datastale" unless its data at path
// still has that hash.
type Server interface {
	Listen(query view.QuerySpec, hashFn func() string, tag *int64, onComplete func(status string, data any))
	Unlisten(query view.QuerySpec, tag *int64)
	Put(path string, data any, hash *string, onComplete func(status, errorReason string))
	Merge(path string, data map[string]any, onComplete func(status, errorReason string))
	OnDisconnectPut(path string, data any, onComplete func(status, errorReason string))
	OnDisconnectMerge(path string, data map[string]any, onComplete func(status, errorReason string))
	OnDisconnectCancel(path string, onComplete func(status, errorReason string))
}

// Interrupter is implemented by servers whose connection can be paused
type Interrupter interface {
	Interrupt(reason string)
	Resume(reason string)
}

// Handler receives what the server pushes; *Repo implements it
type Handler interface {
	OnDataUpdate(path string, data any, isMerge bool, tag *int64)
	OnConnectStatus(connected bool)
	OnServerInfoUpdate(updates map[string]any)
}

// serverListens starts listens on the server for the data sync tree
type serverListens struct {
	r *Repo
}

func (p serverListens) StartListening(query view.QuerySpec, tag *int64, hashFn func() string, onComplete func(string) []view.Event) []view.Event {
	p.r.server.Listen(query, hashFn, tag, func(status string, _ any) {
		p.r.do("listen response", nil, func() {
			p.r.eventQueue.RaiseEventsForChangedPath(query.Path, onComplete(status))
		})
	})
	return nil
}

func (p serverListens) StopListening(query view.QuerySpec, tag *int64) {
	p.r.server.Unlisten(query, tag)
}

// infoListens serves /.info listens from the locally held info data
type infoListens struct {
	r *Repo
}

func (p infoListens) StartListening(query view.QuerySpec, _ *int64, _ func() string, onComplete func(string) []view.Event) []view.Event {
	node := p.r.infoData.Child(query.Path)
	if node.IsEmpty() {
		return nil
	}
	events := p.r.infoSyncTree.ApplyServerOverwrite(query.Path, node)
	p.r.do("info listen complete", nil, func() {
		p.r.eventQueue.RaiseEventsForChangedPath(query.Path, onComplete("ok"))
	})
	return events
}

func (p infoListens) StopListening(view.QuerySpec, *int64) {}

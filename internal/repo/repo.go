// Package repo ties the engine together for one connection: it assigns write IDs, applies
// local writes optimistically, routes server traffic into the sync trees, runs
// transactions and raises events to listeners.
//
// All state changes run on a serial executor. Public methods validate their arguments
// synchronously and then queue the work; a method called from a listener runs after the
// current batch of events has been delivered.
package repo

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/eventqueue"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/pushid"
	"github.com/erauner12/treesync/internal/servervalue"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
	"github.com/erauner12/treesync/internal/synctree"
	"github.com/erauner12/treesync/internal/validation"
	"github.com/erauner12/treesync/internal/view"
)

// DefaultMaxTransactionRetries bounds how often a transaction is rerun after losing a race
const DefaultMaxTransactionRetries = 25

const (
	infoKey             = ".info"
	connectedKey        = "connected"
	serverTimeOffsetKey = "serverTimeOffset"
	interruptReason     = "repo_interrupt"
)

// CompletionFunc receives nil once the server accepted a write, or an *Error
type CompletionFunc func(err error)

// Options configures a Repo. The zero value is usable.
type Options struct {
	// Logger defaults to the global zerolog logger
	Logger *zerolog.Logger

	// Now defaults to time.Now
	Now func() time.Time

	// MaxTransactionRetries defaults to DefaultMaxTransactionRetries
	MaxTransactionRetries int
}

// Repo is the client side of one synchronized database
type Repo struct {
	id         string
	server     Server
	logger     zerolog.Logger
	now        func() time.Time
	maxRetries int
	pushIDs    *pushid.Generator

	exec       executor
	eventQueue *eventqueue.Queue

	serverSyncTree *synctree.SyncTree
	infoSyncTree   *synctree.SyncTree
	infoData       snap.Node
	serverOffsetMs atomic.Int64

	nextWriteID      int64
	transactions     *sparse.Tree[[]*transaction]
	nextTransactionN int64

	onDisconnectMu sync.Mutex
	onDisconnect   *sparse.SnapshotTree

	interceptor func(path string, data any) any
	dataUpdates atomic.Int64
}

// New returns a repo talking to server. Inbound traffic must be delivered to the returned
// repo's Handler methods.
func New(server Server, opts Options) *Repo {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxTransactionRetries <= 0 {
		opts.MaxTransactionRetries = DefaultMaxTransactionRetries
	}

	id := uuid.NewString()
	logger = logger.With().Str("repo", id).Logger()
	r := &Repo{
		id:           id,
		server:       server,
		logger:       logger,
		now:          opts.Now,
		maxRetries:   opts.MaxTransactionRetries,
		pushIDs:      pushid.NewGenerator(),
		eventQueue:   eventqueue.New(logger),
		infoData:     snap.Empty,
		nextWriteID:  1,
		transactions: sparse.NewTree[[]*transaction](),
		onDisconnect: sparse.NewSnapshotTree(),
	}
	r.infoSyncTree = synctree.New(infoListens{r: r}, logger)
	r.serverSyncTree = synctree.New(serverListens{r: r}, logger)
	r.updateInfo(connectedKey, false)
	return r
}

// ID identifies this repo in logs
func (r *Repo) ID() string { return r.id }

// ServerTime estimates the server clock from the offset the server reported
func (r *Repo) ServerTime() time.Time {
	return r.now().Add(time.Duration(r.serverOffsetMs.Load()) * time.Millisecond)
}

// DataUpdateCount returns how many data pushes the server has delivered
func (r *Repo) DataUpdateCount() int64 {
	return r.dataUpdates.Load()
}

// InterceptServerData installs fn to rewrite pushed data before it is applied; nil removes it
func (r *Repo) InterceptServerData(fn func(path string, data any) any) {
	r.do("intercept", nil, func() { r.interceptor = fn })
}

// Interrupt pauses the server connection when the server supports it
func (r *Repo) Interrupt() {
	if i, ok := r.server.(Interrupter); ok {
		i.Interrupt(interruptReason)
	}
}

// Resume undoes Interrupt
func (r *Repo) Resume() {
	if i, ok := r.server.(Interrupter); ok {
		i.Resume(interruptReason)
	}
}

// do runs task on the executor. An invariant violation inside task drops every queued
// event and is passed to onErr as ErrInvariant.
func (r *Repo) do(op string, onErr func(error), task func()) {
	r.exec.run(func() {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			err := invariant.Recover(rec)
			r.logger.Error().Err(err).Str("op", op).Msg("dropping batch after invariant violation")
			r.eventQueue.Clear()
			if onErr != nil {
				onErr(fmt.Errorf("%w: %v", ErrInvariant, err))
			}
		}()
		task()
	})
}

func (r *Repo) serverValues() servervalue.Values {
	return servervalue.GenerateWithValues(nil, r.ServerTime())
}

func (r *Repo) nextWrite() int64 {
	id := r.nextWriteID
	r.nextWriteID++
	return id
}

func (r *Repo) treeFor(path dbpath.Path) *synctree.SyncTree {
	if path.Front() == infoKey {
		return r.infoSyncTree
	}
	return r.serverSyncTree
}

func (r *Repo) callOnComplete(onComplete CompletionFunc, status, reason string) {
	if onComplete == nil {
		return
	}
	if status == "ok" {
		onComplete(nil)
		return
	}
	onComplete(newError(status, reason))
}

func validateWritePath(path dbpath.Path) error {
	if err := validation.ValidateWritablePath(path); err != nil {
		return err
	}
	return validation.ValidatePathString(path.String())
}

// Set replaces the data at path
func (r *Repo) Set(path dbpath.Path, value any, onComplete CompletionFunc) error {
	return r.SetWithPriority(path, value, nil, onComplete)
}

// SetWithPriority replaces the data at path and gives it priority
func (r *Repo) SetWithPriority(path dbpath.Path, value, priority any, onComplete CompletionFunc) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	if err := validation.ValidateData(path, value); err != nil {
		return err
	}
	if err := validation.ValidatePriority(priority); err != nil {
		return err
	}
	r.do("set", onComplete, func() {
		r.setWithPriority(path, value, priority, onComplete)
	})
	return nil
}

// SetPriority changes only the priority of the data at path
func (r *Repo) SetPriority(path dbpath.Path, priority any, onComplete CompletionFunc) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	if err := validation.ValidatePriority(priority); err != nil {
		return err
	}
	r.do("set priority", onComplete, func() {
		r.setWithPriority(path.Child(snap.PriorityKey), priority, nil, onComplete)
	})
	return nil
}

// Push stores value under a new time-ordered child of path and returns the child's path
func (r *Repo) Push(path dbpath.Path, value any, onComplete CompletionFunc) (dbpath.Path, error) {
	child := path.Child(r.pushIDs.Next(r.ServerTime()))
	if err := r.Set(child, value, onComplete); err != nil {
		return dbpath.Empty, err
	}
	return child, nil
}

func (r *Repo) setWithPriority(path dbpath.Path, value, priority any, onComplete CompletionFunc) {
	r.logger.Debug().Str("path", path.String()).Msg("set")
	unresolved := snap.NodeFromJSON(value, priority)
	resolved := servervalue.ResolveDeferredValueSnapshot(unresolved, r.serverValues())
	writeID := r.nextWrite()
	r.eventQueue.QueueEvents(r.serverSyncTree.ApplyUserOverwrite(path, resolved, writeID, true))

	r.server.Put(path.String(), unresolved.Val(true), nil, func(status, reason string) {
		r.do("put response", onComplete, func() {
			success := status == "ok"
			if !success {
				r.logger.Warn().Str("path", path.String()).Str("status", status).Str("reason", reason).Msg("set failed")
			}
			acked := r.serverSyncTree.AckUserWrite(writeID, !success)
			r.eventQueue.RaiseEventsForChangedPath(path, acked)
			r.callOnComplete(onComplete, status, reason)
		})
	})

	affected := r.abortTransactions(path)
	r.rerunTransactions(affected)
	r.eventQueue.RaiseEventsForChangedPath(affected, nil)
}

// Update sets each child of path named in children, leaving the others alone.
// Keys may be slash separated paths.
func (r *Repo) Update(path dbpath.Path, children map[string]any, onComplete CompletionFunc) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	if err := validation.ValidateMerge(path, children); err != nil {
		return err
	}
	r.do("update", onComplete, func() {
		r.update(path, children, onComplete)
	})
	return nil
}

func (r *Repo) update(path dbpath.Path, children map[string]any, onComplete CompletionFunc) {
	if len(children) == 0 {
		r.logger.Debug().Str("path", path.String()).Msg("update called with no children")
		r.callOnComplete(onComplete, "ok", "")
		return
	}
	r.logger.Debug().Str("path", path.String()).Int("children", len(children)).Msg("update")

	values := r.serverValues()
	changed := make(map[string]snap.Node, len(children))
	for key, child := range children {
		changed[key] = servervalue.ResolveDeferredValueSnapshot(snap.NodeFromJSON(child), values)
	}
	writeID := r.nextWrite()
	r.eventQueue.QueueEvents(r.serverSyncTree.ApplyUserMerge(path, changed, writeID))

	r.server.Merge(path.String(), children, func(status, reason string) {
		r.do("merge response", onComplete, func() {
			success := status == "ok"
			if !success {
				r.logger.Warn().Str("path", path.String()).Str("status", status).Str("reason", reason).Msg("update failed")
			}
			acked := r.serverSyncTree.AckUserWrite(writeID, !success)
			affected := path
			if len(acked) > 0 {
				affected = r.rerunTransactions(path)
			}
			r.eventQueue.RaiseEventsForChangedPath(affected, acked)
			r.callOnComplete(onComplete, status, reason)
		})
	})

	for _, key := range sortedKeys(children) {
		affected := r.abortTransactions(path.Join(dbpath.New(key)))
		r.rerunTransactions(affected)
	}
	r.eventQueue.RaiseEventsForChangedPath(path, nil)
}

// AddEventCallback attaches reg to query and delivers its initial events
func (r *Repo) AddEventCallback(query view.QuerySpec, reg view.Registration) error {
	if err := validation.ValidateRootPathString(query.Path.String()); err != nil {
		return err
	}
	r.do("add listener", nil, func() {
		events := r.treeFor(query.Path).AddEventRegistration(query, reg)
		r.eventQueue.RaiseEventsAtPath(query.Path, events)
	})
	return nil
}

// RemoveEventCallback detaches reg from query, or every registration of query when reg is
// nil. reg stops receiving events immediately, even those already queued.
func (r *Repo) RemoveEventCallback(query view.QuerySpec, reg view.Registration) {
	if reg != nil {
		reg.Deactivate()
	}
	r.do("remove listener", nil, func() {
		events := r.treeFor(query.Path).RemoveEventRegistration(query, reg, nil)
		r.eventQueue.RaiseEventsAtPath(query.Path, events)
	})
}

// OnDataUpdate applies data pushed by the server. tag is set for data addressed to a
// filtered query.
func (r *Repo) OnDataUpdate(pathString string, data any, isMerge bool, tag *int64) {
	r.do("data update", nil, func() {
		r.dataUpdates.Add(1)
		if r.interceptor != nil {
			data = r.interceptor(pathString, data)
		}
		path := dbpath.New(pathString)

		var events []view.Event
		switch {
		case tag != nil && isMerge:
			events = r.serverSyncTree.ApplyTaggedQueryMerge(path, childrenFromJSON(data), *tag)
		case tag != nil:
			events = r.serverSyncTree.ApplyTaggedQueryOverwrite(path, snap.NodeFromJSON(data), *tag)
		case isMerge:
			events = r.serverSyncTree.ApplyServerMerge(path, childrenFromJSON(data))
		default:
			events = r.serverSyncTree.ApplyServerOverwrite(path, snap.NodeFromJSON(data))
		}

		affected := path
		if len(events) > 0 {
			// every transaction keeps a listener, so any event may mean its input changed
			affected = r.rerunTransactions(path)
		}
		r.eventQueue.RaiseEventsForChangedPath(affected, events)
	})
}

// OnConnectStatus records the connection state under /.info/connected. Losing the
// connection aborts pending transactions; the server runs the on-disconnect operations
// and pushes their results like any other change.
func (r *Repo) OnConnectStatus(connected bool) {
	r.do("connect status", nil, func() {
		r.logger.Debug().Bool("connected", connected).Msg("connection status changed")
		r.updateInfo(connectedKey, connected)
		if connected {
			return
		}
		r.abortAllTransactions(ErrDisconnected)
		r.onDisconnectMu.Lock()
		r.onDisconnect = sparse.NewSnapshotTree()
		r.onDisconnectMu.Unlock()
	})
}

// OnServerInfoUpdate stores server supplied values such as serverTimeOffset under /.info
func (r *Repo) OnServerInfoUpdate(updates map[string]any) {
	r.do("server info", nil, func() {
		for _, key := range sortedKeys(updates) {
			r.updateInfo(key, updates[key])
		}
	})
}

func (r *Repo) updateInfo(key string, value any) {
	path := dbpath.FromSegments(infoKey, key)
	n := snap.NodeFromJSON(value)
	r.infoData = r.infoData.UpdateChild(path, n)
	if key == serverTimeOffsetKey {
		offset, _ := n.Val(false).(float64)
		r.serverOffsetMs.Store(int64(offset))
	}
	r.eventQueue.RaiseEventsForChangedPath(path, r.infoSyncTree.ApplyServerOverwrite(path, n))
}

func childrenFromJSON(data any) map[string]snap.Node {
	obj, _ := data.(map[string]any)
	children := make(map[string]snap.Node, len(obj))
	for key, raw := range obj {
		children[key] = snap.NodeFromJSON(raw)
	}
	return children
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

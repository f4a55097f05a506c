// Package synctree tracks every active query in a tree of sync points, routes user and
// server operations to the views they affect and manages the server listens behind them.
package synctree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/operation"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/writetree"
)

// ListenProvider starts and stops server listens on behalf of the tree.
// onComplete receives the listen status ("ok" or an error code) and returns the events to raise.
type ListenProvider interface {
	StartListening(query view.QuerySpec, tag *int64, hashFn func() string, onComplete func(status string) []view.Event) []view.Event
	StopListening(query view.QuerySpec, tag *int64)
}

// ListenError is delivered to cancel callbacks when the server revokes a listen
type ListenError struct {
	Status string
	Path   dbpath.Path
}

func (e *ListenError) Error() string {
	reason := "the server rejected the listen"
	switch e.Status {
	case "permission_denied":
		reason = "client doesn't have permission to access the desired data"
	case "unavailable":
		reason = "the service is unavailable"
	case "too_big":
		reason = "the data requested exceeds the maximum size that can be accessed with a single request"
	}
	return fmt.Sprintf("%s at %s: %s", e.Status, e.Path, reason)
}

// SyncTree owns the pending writes and the sync points of one data tree
type SyncTree struct {
	syncPoints *sparse.ImmutableTree[*SyncPoint]
	writes     *writetree.WriteTree
	provider   ListenProvider
	logger     zerolog.Logger

	tagToQuery map[int64]string
	queryToTag map[string]int64
	nextTag    int64
}

// New returns an empty tree using provider for server listens
func New(provider ListenProvider, logger zerolog.Logger) *SyncTree {
	return &SyncTree{
		syncPoints: sparse.NewImmutableTree[*SyncPoint](),
		writes:     writetree.New(),
		provider:   provider,
		logger:     logger,
		tagToQuery: make(map[int64]string),
		queryToTag: make(map[string]int64),
		nextTag:    1,
	}
}

// Writes exposes the pending write tree
func (t *SyncTree) Writes() *writetree.WriteTree { return t.writes }

// ApplyUserOverwrite records a local set and returns the optimistic events.
// Hidden writes (visible=false) only take part in transaction computations.
func (t *SyncTree) ApplyUserOverwrite(path dbpath.Path, n snap.Node, writeID int64, visible bool) []view.Event {
	t.writes.AddOverwrite(path, n, writeID, visible)
	if !visible {
		return nil
	}
	return t.applyOperationToSyncPoints(operation.NewOverwrite(operation.User, path, n))
}

// ApplyUserMerge records a local update of several children
func (t *SyncTree) ApplyUserMerge(path dbpath.Path, children map[string]snap.Node, writeID int64) []view.Event {
	t.writes.AddMerge(path, children, writeID)
	return t.applyOperationToSyncPoints(operation.NewMerge(operation.User, path, treeFromChildren(children)))
}

// AckUserWrite removes a write after the server answered; revert undoes its local effect
func (t *SyncTree) AckUserWrite(writeID int64, revert bool) []view.Event {
	write, ok := t.writes.Write(writeID)
	if !ok {
		return nil
	}
	if !t.writes.RemoveWrite(writeID) {
		return nil
	}
	affected := sparse.NewImmutableTree[bool]()
	if write.IsOverwrite() {
		affected = affected.Set(dbpath.Empty, true)
	} else {
		for key := range write.Children {
			affected = affected.Set(dbpath.New(key), true)
		}
	}
	return t.applyOperationToSyncPoints(operation.NewAckUserWrite(write.Path, affected, revert))
}

func (t *SyncTree) ApplyServerOverwrite(path dbpath.Path, n snap.Node) []view.Event {
	return t.applyOperationToSyncPoints(operation.NewOverwrite(operation.Server, path, n))
}

func (t *SyncTree) ApplyServerMerge(path dbpath.Path, children map[string]snap.Node) []view.Event {
	return t.applyOperationToSyncPoints(operation.NewMerge(operation.Server, path, treeFromChildren(children)))
}

func (t *SyncTree) ApplyListenComplete(path dbpath.Path) []view.Event {
	return t.applyOperationToSyncPoints(operation.NewListenComplete(operation.Server, path))
}

// ApplyTaggedQueryOverwrite applies server data addressed to the query with tag.
// Unknown tags are ignored.
func (t *SyncTree) ApplyTaggedQueryOverwrite(path dbpath.Path, n snap.Node, tag int64) []view.Event {
	queryPath, queryID, ok := t.queryForTag(tag)
	if !ok {
		return nil
	}
	rel, ok := dbpath.RelativePath(queryPath, path)
	invariant.Check(ok, "tagged update at %s is outside query path %s", path, queryPath)
	op := operation.NewOverwrite(operation.ForServerTaggedQuery(queryID), rel, n)
	return t.applyTaggedOperation(queryPath, op)
}

func (t *SyncTree) ApplyTaggedQueryMerge(path dbpath.Path, children map[string]snap.Node, tag int64) []view.Event {
	queryPath, queryID, ok := t.queryForTag(tag)
	if !ok {
		return nil
	}
	rel, ok := dbpath.RelativePath(queryPath, path)
	invariant.Check(ok, "tagged merge at %s is outside query path %s", path, queryPath)
	op := operation.NewMerge(operation.ForServerTaggedQuery(queryID), rel, treeFromChildren(children))
	return t.applyTaggedOperation(queryPath, op)
}

func (t *SyncTree) ApplyTaggedListenComplete(path dbpath.Path, tag int64) []view.Event {
	queryPath, queryID, ok := t.queryForTag(tag)
	if !ok {
		return nil
	}
	rel, ok := dbpath.RelativePath(queryPath, path)
	invariant.Check(ok, "tagged listen complete at %s is outside query path %s", path, queryPath)
	op := operation.NewListenComplete(operation.ForServerTaggedQuery(queryID), rel)
	return t.applyTaggedOperation(queryPath, op)
}

// AddEventRegistration attaches reg to query, starting a server listen when no ancestor
// listen already covers it, and returns the initial events for reg
func (t *SyncTree) AddEventRegistration(query view.QuerySpec, reg view.Registration) []view.Event {
	path := query.Path
	var serverCache snap.Node
	foundAncestorDefaultView := false
	t.syncPoints.ForEachOnPath(path, func(at dbpath.Path, sp *SyncPoint) {
		rel, _ := dbpath.RelativePath(at, path)
		if serverCache == nil {
			serverCache = sp.CompleteServerCache(rel)
		}
		foundAncestorDefaultView = foundAncestorDefaultView || sp.HasCompleteView()
	})

	sp, ok := t.syncPoints.Get(path)
	if !ok {
		sp = NewSyncPoint()
		t.syncPoints = t.syncPoints.Set(path, sp)
	}

	serverCacheComplete := serverCache != nil
	if !serverCacheComplete {
		// assemble what the children's complete views already know
		serverCache = snap.Empty
		t.syncPoints.Subtree(path).ForEachChild(func(name string, child *sparse.ImmutableTree[*SyncPoint]) {
			childSP, ok := child.Value()
			if !ok {
				return
			}
			if c := childSP.CompleteServerCache(dbpath.Empty); c != nil {
				serverCache = serverCache.UpdateImmediateChild(name, c)
			}
		})
	}

	viewExists := sp.ViewExistsForQuery(query)
	if !viewExists && !query.LoadsAllData() {
		key := queryKey(query)
		_, tagged := t.queryToTag[key]
		invariant.Check(!tagged, "view does not exist but we have a tag for %s", key)
		tag := t.nextTag
		t.nextTag++
		t.queryToTag[key] = tag
		t.tagToQuery[tag] = key
	}

	events := sp.AddEventRegistration(query, reg, t.writes.ChildWrites(path), serverCache, serverCacheComplete)
	if !viewExists && !foundAncestorDefaultView {
		events = append(events, t.setupListener(query, sp.ViewForQuery(query))...)
	}
	return events
}

// RemoveEventRegistration detaches reg (every registration of the query when nil).
// With cancelErr the removed registrations receive cancel events and no unlisten is sent;
// without it no events are returned.
func (t *SyncTree) RemoveEventRegistration(query view.QuerySpec, reg view.Registration, cancelErr error) []view.Event {
	path := query.Path
	sp, ok := t.syncPoints.Get(path)
	if !ok || !(query.IsDefault() || sp.ViewExistsForQuery(query)) {
		return nil
	}
	removed, events := sp.RemoveEventRegistration(query, reg, cancelErr)
	if sp.IsEmpty() {
		t.syncPoints = t.syncPoints.Remove(path)
	}

	removingDefault := false
	for _, q := range removed {
		if q.LoadsAllData() {
			removingDefault = true
			break
		}
	}
	_, covered := sparse.FindOnPath(t.syncPoints, path, func(_ dbpath.Path, sp *SyncPoint) (bool, bool) {
		return true, sp.HasCompleteView()
	})

	if removingDefault && !covered {
		// listens below this location were shadowed by the default listen; restart them
		subtree := t.syncPoints.Subtree(path)
		if !subtree.IsEmpty() {
			for _, v := range collectDistinctViews(subtree) {
				q := v.Query()
				hashFn, onComplete := t.listenerForView(v)
				t.provider.StartListening(queryForListening(q), t.tagForQuery(q), hashFn, onComplete)
			}
		}
	}

	if !covered && len(removed) > 0 && cancelErr == nil {
		if removingDefault {
			t.provider.StopListening(queryForListening(query), nil)
		} else {
			for _, q := range removed {
				t.provider.StopListening(queryForListening(q), t.tagForQuery(q))
			}
		}
	}
	t.removeTags(removed)
	return events
}

// CalcCompleteEventCache returns the data at path with every pending write applied,
// including hidden ones, except those in exclude. The result is nil when unknown.
func (t *SyncTree) CalcCompleteEventCache(path dbpath.Path, exclude []int64) snap.Node {
	serverCache, _ := sparse.FindOnPath(t.syncPoints, path, func(at dbpath.Path, sp *SyncPoint) (snap.Node, bool) {
		rel, _ := dbpath.RelativePath(at, path)
		c := sp.CompleteServerCache(rel)
		return c, c != nil
	})
	return t.writes.CalcCompleteEventCache(path, serverCache, exclude, true)
}

// ServerCache returns the complete server data at path known by any view, or nil
func (t *SyncTree) ServerCache(path dbpath.Path) snap.Node {
	c, _ := sparse.FindOnPath(t.syncPoints, path, func(at dbpath.Path, sp *SyncPoint) (snap.Node, bool) {
		rel, _ := dbpath.RelativePath(at, path)
		c := sp.CompleteServerCache(rel)
		return c, c != nil
	})
	return c
}

// TagForQuery returns the tag assigned to a filtered query
func (t *SyncTree) TagForQuery(query view.QuerySpec) (int64, bool) {
	tag, ok := t.queryToTag[queryKey(query)]
	return tag, ok
}

func (t *SyncTree) tagForQuery(query view.QuerySpec) *int64 {
	if tag, ok := t.queryToTag[queryKey(query)]; ok {
		return &tag
	}
	return nil
}

func (t *SyncTree) queryForTag(tag int64) (dbpath.Path, string, bool) {
	key, ok := t.tagToQuery[tag]
	if !ok {
		return dbpath.Empty, "", false
	}
	i := strings.Index(key, "$")
	invariant.Check(i >= 0, "bad query key %q", key)
	return dbpath.New(key[:i]), key[i+1:], true
}

func (t *SyncTree) removeTags(queries []view.QuerySpec) {
	for _, q := range queries {
		if q.LoadsAllData() {
			continue
		}
		key := queryKey(q)
		if tag, ok := t.queryToTag[key]; ok {
			delete(t.queryToTag, key)
			delete(t.tagToQuery, tag)
		}
	}
}

func (t *SyncTree) setupListener(query view.QuerySpec, v *view.View) []view.Event {
	tag := t.tagForQuery(query)
	hashFn, onComplete := t.listenerForView(v)
	t.logger.Debug().Str("path", query.Path.String()).Str("query", query.Identifier()).Msg("starting listen")
	events := t.provider.StartListening(queryForListening(query), tag, hashFn, onComplete)

	subtree := t.syncPoints.Subtree(query.Path)
	if tag != nil {
		sp, _ := subtree.Value()
		invariant.Check(sp == nil || !sp.HasCompleteView(), "if we're adding a query, it shouldn't be shadowed")
		return events
	}
	// the new default listen shadows every listen below it
	toStop := sparse.Fold(subtree, func(rel dbpath.Path, sp *SyncPoint, has bool, children map[string][]view.QuerySpec) []view.QuerySpec {
		if !rel.IsEmpty() && has && sp.HasCompleteView() {
			return []view.QuerySpec{sp.CompleteView().Query()}
		}
		var out []view.QuerySpec
		if has {
			for _, qv := range sp.QueryViews() {
				out = append(out, qv.Query())
			}
		}
		for _, name := range sortedNames(children) {
			out = append(out, children[name]...)
		}
		return out
	})
	for _, q := range toStop {
		t.provider.StopListening(queryForListening(q), t.tagForQuery(q))
	}
	return events
}

func (t *SyncTree) listenerForView(v *view.View) (func() string, func(string) []view.Event) {
	query := v.Query()
	tag := t.tagForQuery(query)
	hashFn := func() string {
		return v.ServerCache().Hash()
	}
	onComplete := func(status string) []view.Event {
		if status == "ok" {
			if tag != nil {
				return t.ApplyTaggedListenComplete(query.Path, *tag)
			}
			return t.ApplyListenComplete(query.Path)
		}
		t.logger.Warn().Str("path", query.Path.String()).Str("status", status).Msg("listen revoked")
		return t.RemoveEventRegistration(query, nil, &ListenError{Status: status, Path: query.Path})
	}
	return hashFn, onComplete
}

func (t *SyncTree) applyTaggedOperation(queryPath dbpath.Path, op operation.Operation) []view.Event {
	sp, ok := t.syncPoints.Get(queryPath)
	invariant.Check(ok, "missing sync point for query tag that we're tracking")
	return sp.ApplyOperation(op, t.writes.ChildWrites(queryPath), nil)
}

func (t *SyncTree) applyOperationToSyncPoints(op operation.Operation) []view.Event {
	return applyOperationHelper(op, t.syncPoints, nil, t.writes.ChildWrites(dbpath.Empty))
}

func applyOperationHelper(op operation.Operation, tree *sparse.ImmutableTree[*SyncPoint], serverCache snap.Node, writes *writetree.Ref) []view.Event {
	if op.Path.IsEmpty() {
		return applyOperationDescendantsHelper(op, tree, serverCache, writes)
	}
	sp, hasSP := tree.Value()
	if serverCache == nil && hasSP {
		serverCache = sp.CompleteServerCache(dbpath.Empty)
	}
	var events []view.Event
	name := op.Path.Front()
	if childOp, ok := op.ForChild(name); ok {
		if childTree := tree.Child(name); !childTree.IsEmpty() {
			var childServerCache snap.Node
			if serverCache != nil {
				childServerCache = serverCache.ImmediateChild(name)
			}
			events = append(events, applyOperationHelper(childOp, childTree, childServerCache, writes.Child(name))...)
		}
	}
	if hasSP {
		events = append(events, sp.ApplyOperation(op, writes, serverCache)...)
	}
	return events
}

func applyOperationDescendantsHelper(op operation.Operation, tree *sparse.ImmutableTree[*SyncPoint], serverCache snap.Node, writes *writetree.Ref) []view.Event {
	sp, hasSP := tree.Value()
	if serverCache == nil && hasSP {
		serverCache = sp.CompleteServerCache(dbpath.Empty)
	}
	var events []view.Event
	tree.ForEachChild(func(name string, child *sparse.ImmutableTree[*SyncPoint]) {
		var childServerCache snap.Node
		if serverCache != nil {
			childServerCache = serverCache.ImmediateChild(name)
		}
		if childOp, ok := op.ForChild(name); ok {
			events = append(events, applyOperationDescendantsHelper(childOp, child, childServerCache, writes.Child(name))...)
		}
	})
	if hasSP {
		events = append(events, sp.ApplyOperation(op, writes, serverCache)...)
	}
	return events
}

// collectDistinctViews returns the views that need their own listens once no ancestor
// complete view covers them
func collectDistinctViews(tree *sparse.ImmutableTree[*SyncPoint]) []*view.View {
	return sparse.Fold(tree, func(_ dbpath.Path, sp *SyncPoint, has bool, children map[string][]*view.View) []*view.View {
		if has && sp.HasCompleteView() {
			return []*view.View{sp.CompleteView()}
		}
		var out []*view.View
		if has {
			out = append(out, sp.QueryViews()...)
		}
		for _, name := range sortedNames(children) {
			out = append(out, children[name]...)
		}
		return out
	})
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return dbpath.CompareKeys(names[i], names[j]) < 0 })
	return names
}

// queryForListening maps unfiltered queries onto the default query; the server sends
// the same data for all of them
func queryForListening(q view.QuerySpec) view.QuerySpec {
	if q.LoadsAllData() && !q.IsDefault() {
		return view.DefaultQuery(q.Path)
	}
	return q
}

func queryKey(q view.QuerySpec) string {
	return q.Path.String() + "$" + q.Identifier()
}

func treeFromChildren(children map[string]snap.Node) *sparse.ImmutableTree[snap.Node] {
	tree := sparse.NewImmutableTree[snap.Node]()
	for _, key := range sortedNames(children) {
		tree = tree.Set(dbpath.New(key), children[key])
	}
	return tree
}

package emulator

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/validation"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/wire"
)

var _ repo.Server = (*Session)(nil)

type listen struct {
	path dbpath.Path
	tag  *int64
}

// onDisconnectOp is kept unresolved; server values resolve when it runs
type onDisconnectOp struct {
	path     dbpath.Path
	data     any
	children map[string]any
}

// Session is one client's connection to the database. Pushes and responses for a
// session are delivered in the order the database produced them.
type Session struct {
	id      string
	subject string
	db      *Database
	handler repo.Handler
	logger  zerolog.Logger

	// guarded by db.mu
	listens      map[string]*listen
	onDisconnect []onDisconnectOp
	closed       bool

	outMu    sync.Mutex
	outbox   []func()
	draining bool
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Subject() string { return s.subject }

func listenKey(query view.QuerySpec) string {
	return query.String()
}

func (s *Session) Listen(query view.QuerySpec, hashFn func() string, tag *int64, onComplete func(status string, data any)) {
	hash := ""
	if hashFn != nil {
		hash = hashFn()
	}
	db := s.db
	db.mu.Lock()
	if s.closed {
		db.mu.Unlock()
		return
	}
	if !db.allowed(s.subject, query.Path, false) {
		s.logger.Debug().Str("query", query.String()).Msg("listen denied")
		s.enqueue(func() { onComplete(wire.StatusPermissionDenied, nil) })
		db.mu.Unlock()
		s.drain()
		return
	}
	s.listens[listenKey(query)] = &listen{path: query.Path, tag: tag}
	current := db.root.Child(query.Path)
	if hash == "" || hash != current.Hash() {
		s.enqueuePush(query.Path, current.Val(true), false, tag)
	}
	s.enqueue(func() { onComplete(wire.StatusOK, nil) })
	db.mu.Unlock()
	s.drain()
}

func (s *Session) Unlisten(query view.QuerySpec, _ *int64) {
	s.db.mu.Lock()
	delete(s.listens, listenKey(query))
	s.db.mu.Unlock()
}

func (s *Session) Put(path string, data any, hash *string, onComplete func(status, errorReason string)) {
	p := dbpath.New(path)
	if err := writeErr(p, validation.ValidateData(p, data)); err != nil {
		s.reply(onComplete, wire.StatusInvalid, err.Error())
		return
	}
	db := s.db
	db.mu.Lock()
	switch {
	case s.closed:
		db.mu.Unlock()
		return
	case !db.allowed(s.subject, p, true):
		s.enqueueReply(onComplete, wire.StatusPermissionDenied, "")
		db.mu.Unlock()
		s.drain()
		return
	case hash != nil && db.root.Child(p).Hash() != *hash:
		s.enqueueReply(onComplete, wire.StatusDataStale, "")
		db.mu.Unlock()
		s.drain()
		return
	}
	touched := db.applyLocked(change{path: p, node: db.resolve(snap.NodeFromJSON(data))})
	s.enqueueReply(onComplete, wire.StatusOK, "")
	db.mu.Unlock()
	drainAll(touched)
	s.drain()
}

func (s *Session) Merge(path string, data map[string]any, onComplete func(status, errorReason string)) {
	p := dbpath.New(path)
	if err := writeErr(p, validation.ValidateMerge(p, data)); err != nil {
		s.reply(onComplete, wire.StatusInvalid, err.Error())
		return
	}
	db := s.db
	db.mu.Lock()
	switch {
	case s.closed:
		db.mu.Unlock()
		return
	case !db.allowed(s.subject, p, true):
		s.enqueueReply(onComplete, wire.StatusPermissionDenied, "")
		db.mu.Unlock()
		s.drain()
		return
	}
	var touched []*Session
	if len(data) > 0 {
		touched = db.applyLocked(change{path: p, children: db.resolveChildren(data)})
	}
	s.enqueueReply(onComplete, wire.StatusOK, "")
	db.mu.Unlock()
	drainAll(touched)
	s.drain()
}

func (s *Session) OnDisconnectPut(path string, data any, onComplete func(status, errorReason string)) {
	p := dbpath.New(path)
	if err := writeErr(p, validation.ValidateData(p, data)); err != nil {
		s.reply(onComplete, wire.StatusInvalid, err.Error())
		return
	}
	s.queueOnDisconnect(onDisconnectOp{path: p, data: data}, onComplete)
}

func (s *Session) OnDisconnectMerge(path string, data map[string]any, onComplete func(status, errorReason string)) {
	p := dbpath.New(path)
	if err := writeErr(p, validation.ValidateMerge(p, data)); err != nil {
		s.reply(onComplete, wire.StatusInvalid, err.Error())
		return
	}
	s.queueOnDisconnect(onDisconnectOp{path: p, children: data}, onComplete)
}

func (s *Session) OnDisconnectCancel(path string, onComplete func(status, errorReason string)) {
	p := dbpath.New(path)
	db := s.db
	db.mu.Lock()
	if s.closed {
		db.mu.Unlock()
		return
	}
	kept := s.onDisconnect[:0]
	for _, op := range s.onDisconnect {
		if !p.Contains(op.path) {
			kept = append(kept, op)
		}
	}
	s.onDisconnect = kept
	s.enqueueReply(onComplete, wire.StatusOK, "")
	db.mu.Unlock()
	s.drain()
}

func (s *Session) queueOnDisconnect(op onDisconnectOp, onComplete func(status, errorReason string)) {
	db := s.db
	db.mu.Lock()
	switch {
	case s.closed:
		db.mu.Unlock()
		return
	case !db.allowed(s.subject, op.path, true):
		s.enqueueReply(onComplete, wire.StatusPermissionDenied, "")
	default:
		s.onDisconnect = append(s.onDisconnect, op)
		s.enqueueReply(onComplete, wire.StatusOK, "")
	}
	db.mu.Unlock()
	s.drain()
}

// Close ends the session and runs its on-disconnect operations in the order they
// were registered
func (s *Session) Close() error {
	db := s.db
	db.mu.Lock()
	if s.closed {
		db.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	delete(db.sessions, s.id)
	ops := s.onDisconnect
	s.onDisconnect = nil
	s.listens = map[string]*listen{}

	seen := map[*Session]bool{}
	var touched []*Session
	for _, op := range ops {
		c := change{path: op.path}
		if op.children != nil {
			c.children = db.resolveChildren(op.children)
		} else {
			c.node = db.resolve(snap.NodeFromJSON(op.data))
		}
		for _, t := range db.applyLocked(c) {
			if !seen[t] {
				seen[t] = true
				touched = append(touched, t)
			}
		}
	}
	db.mu.Unlock()
	s.logger.Debug().Int("onDisconnect", len(ops)).Msg("session closed")
	drainAll(touched)
	return nil
}

// notifyLocked queues pushes for every listen affected by c and reports whether any
// were queued
func (s *Session) notifyLocked(c change, root snap.Node) bool {
	queued := false
	for _, key := range sortedKeys(s.listens) {
		l := s.listens[key]
		switch {
		case l.path.Contains(c.path) && c.children != nil:
			merge := make(map[string]any, len(c.children))
			for name := range c.children {
				merge[name] = root.Child(c.path.Join(dbpath.New(name))).Val(true)
			}
			s.enqueuePush(c.path, merge, true, l.tag)
		case l.path.Contains(c.path):
			s.enqueuePush(c.path, root.Child(c.path).Val(true), false, l.tag)
		case c.path.Contains(l.path):
			s.enqueuePush(l.path, root.Child(l.path).Val(true), false, l.tag)
		default:
			continue
		}
		queued = true
	}
	return queued
}

func (s *Session) enqueuePush(path dbpath.Path, data any, isMerge bool, tag *int64) {
	h := s.handler
	p := path.String()
	s.enqueue(func() { h.OnDataUpdate(p, data, isMerge, tag) })
}

func (s *Session) enqueueReply(onComplete func(status, errorReason string), status, reason string) {
	if onComplete == nil {
		return
	}
	s.enqueue(func() { onComplete(status, reason) })
}

func (s *Session) reply(onComplete func(status, errorReason string), status, reason string) {
	s.enqueueReply(onComplete, status, reason)
	s.drain()
}

func (s *Session) enqueue(fn func()) {
	s.outMu.Lock()
	s.outbox = append(s.outbox, fn)
	s.outMu.Unlock()
}

// drain delivers queued callbacks. A drain already running on another goroutine, or
// further up this one's stack, picks up whatever is queued meanwhile.
func (s *Session) drain() {
	s.outMu.Lock()
	if s.draining {
		s.outMu.Unlock()
		return
	}
	s.draining = true
	for len(s.outbox) > 0 {
		fn := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.outMu.Unlock()
		fn()
		s.outMu.Lock()
	}
	s.draining = false
	s.outMu.Unlock()
}

func writeErr(path dbpath.Path, err error) error {
	if err != nil {
		return err
	}
	return validation.ValidateWritablePath(path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package emulator is an in-memory authoritative database speaking the server side of
// the sync protocol. Each connected client gets a Session implementing repo.Server, so
// a repo can run against it in process or through the websocket endpoint.
package emulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/servervalue"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/validation"
)

const saveTimeout = 5 * time.Second

// Rules decides whether subject may read or write at path. A nil Rules allows everything.
type Rules func(subject string, path dbpath.Path, write bool) bool

type Options struct {
	Logger *zerolog.Logger
	Now    func() time.Time
	// Store receives a snapshot after every write when set
	Store Store
	Rules Rules
}

type Database struct {
	logger zerolog.Logger
	now    func() time.Time
	store  Store
	rules  Rules

	mu       sync.Mutex
	root     snap.Node
	sessions map[string]*Session
}

func New(opts Options) *Database {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Database{
		logger:   logger.With().Str("component", "emulator").Logger(),
		now:      opts.Now,
		store:    opts.Store,
		rules:    opts.Rules,
		root:     snap.Empty,
		sessions: make(map[string]*Session),
	}
}

// Restore replaces the data with the store's snapshot
func (db *Database) Restore(ctx context.Context) error {
	if db.store == nil {
		return nil
	}
	data, err := db.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	db.mu.Lock()
	db.root = snap.NodeFromJSON(data)
	db.mu.Unlock()
	db.logger.Info().Msg("database restored from store")
	return nil
}

// Now is the server clock
func (db *Database) Now() time.Time { return db.now() }

// Get returns the data at path
func (db *Database) Get(subject string, path dbpath.Path) (snap.Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.allowed(subject, path, false) {
		return nil, ErrPermissionDenied
	}
	return db.root.Child(path), nil
}

// Set replaces the data at path, notifying every session listening to it
func (db *Database) Set(subject string, path dbpath.Path, data any) error {
	if err := validation.ValidateWritablePath(path); err != nil {
		return err
	}
	if err := validation.ValidateData(path, data); err != nil {
		return err
	}
	db.mu.Lock()
	if !db.allowed(subject, path, true) {
		db.mu.Unlock()
		return ErrPermissionDenied
	}
	touched := db.applyLocked(change{path: path, node: db.resolve(snap.NodeFromJSON(data))})
	db.mu.Unlock()
	drainAll(touched)
	return nil
}

// Update merges children into path
func (db *Database) Update(subject string, path dbpath.Path, children map[string]any) error {
	if err := validation.ValidateWritablePath(path); err != nil {
		return err
	}
	if err := validation.ValidateMerge(path, children); err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}
	db.mu.Lock()
	if !db.allowed(subject, path, true) {
		db.mu.Unlock()
		return ErrPermissionDenied
	}
	touched := db.applyLocked(change{path: path, children: db.resolveChildren(children)})
	db.mu.Unlock()
	drainAll(touched)
	return nil
}

// ConnectOption adjusts a session as it is opened
type ConnectOption func(*Session)

// WithCorrelationID tags every log line of the session with id, so they can be found
// next to the log of the request that opened it
func WithCorrelationID(id string) ConnectOption {
	return func(s *Session) {
		if id != "" {
			s.logger = s.logger.With().Str("correlation_id", id).Logger()
		}
	}
}

// Connect opens a session for subject; pushes are delivered to h
func (db *Database) Connect(subject string, h repo.Handler, opts ...ConnectOption) *Session {
	s := &Session{
		id:      uuid.NewString(),
		subject: subject,
		db:      db,
		handler: h,
		listens: make(map[string]*listen),
	}
	s.logger = db.logger.With().Str("session", s.id).Logger()
	for _, opt := range opts {
		opt(s)
	}
	db.mu.Lock()
	db.sessions[s.id] = s
	db.mu.Unlock()
	s.logger.Debug().Str("subject", subject).Msg("session opened")
	return s
}

// handlerRef lets a session exist before the repo handling its pushes
type handlerRef struct {
	repo.Handler
}

// ConnectRepo opens a session for subject and a repo running on it, already connected
func (db *Database) ConnectRepo(subject string, opts repo.Options) (*repo.Repo, *Session) {
	ref := &handlerRef{}
	s := db.Connect(subject, ref)
	r := repo.New(s, opts)
	ref.Handler = r
	r.OnConnectStatus(true)
	return r, s
}

// SessionCount returns the number of open sessions
func (db *Database) SessionCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.sessions)
}

func (db *Database) allowed(subject string, path dbpath.Path, write bool) bool {
	return db.rules == nil || db.rules(subject, path, write)
}

func (db *Database) serverValues() servervalue.Values {
	return servervalue.GenerateWithValues(nil, db.now())
}

func (db *Database) resolve(n snap.Node) snap.Node {
	return servervalue.ResolveDeferredValueSnapshot(n, db.serverValues())
}

func (db *Database) resolveChildren(children map[string]any) map[string]snap.Node {
	values := db.serverValues()
	out := make(map[string]snap.Node, len(children))
	for key, v := range children {
		out[key] = servervalue.ResolveDeferredValueSnapshot(snap.NodeFromJSON(v), values)
	}
	return out
}

// change is a resolved overwrite (children nil) or merge
type change struct {
	path     dbpath.Path
	node     snap.Node
	children map[string]snap.Node
}

// applyLocked commits c and queues pushes for every listening session. The returned
// sessions must be drained once db.mu is released.
func (db *Database) applyLocked(c change) []*Session {
	if c.children == nil {
		db.root = db.root.UpdateChild(c.path, c.node)
	} else {
		for _, key := range sortedKeys(c.children) {
			db.root = db.root.UpdateChild(c.path.Join(dbpath.New(key)), c.children[key])
		}
	}
	db.persistLocked()

	var touched []*Session
	for _, s := range db.sessions {
		if s.notifyLocked(c, db.root) {
			touched = append(touched, s)
		}
	}
	return touched
}

func (db *Database) persistLocked() {
	if db.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := db.store.Save(ctx, db.root.Val(true)); err != nil {
		db.logger.Error().Err(err).Msg("failed to persist snapshot")
	}
}

func drainAll(sessions []*Session) {
	for _, s := range sessions {
		s.drain()
	}
}

package emulator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/synctree"
	"github.com/erauner12/treesync/internal/validation"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/wire"
)

func newTestDatabase(t *testing.T, opts Options) *Database {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	return New(opts)
}

func connect(t *testing.T, db *Database, subject string) (*repo.Repo, *Session) {
	t.Helper()
	logger := zerolog.Nop()
	return db.ConnectRepo(subject, repo.Options{Logger: &logger})
}

type values struct {
	got []any
}

func watch(t *testing.T, r *repo.Repo, path string) *values {
	t.Helper()
	v := &values{}
	reg := view.NewValueRegistration(func(s view.Snapshot) { v.got = append(v.got, s.Val()) }, nil)
	if err := r.AddEventCallback(view.DefaultQuery(dbpath.New(path)), reg); err != nil {
		t.Fatalf("AddEventCallback(%s) error = %v", path, err)
	}
	return v
}

func TestClientsSeeEachOthersWrites(t *testing.T) {
	db := newTestDatabase(t, Options{})
	alice, _ := connect(t, db, "alice")
	bob, _ := connect(t, db, "bob")
	chat := watch(t, bob, "/chat")

	var acked error = errors.New("not acked")
	if err := alice.Set(dbpath.New("/chat/m1"), "hi", func(err error) { acked = err }); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if acked != nil {
		t.Errorf("Set() completion = %v, want nil", acked)
	}
	want := []any{nil, map[string]any{"m1": "hi"}}
	if diff := cmp.Diff(want, chat.got); diff != "" {
		t.Errorf("values at /chat mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionRetriesAgainstServerData(t *testing.T) {
	db := newTestDatabase(t, Options{})
	if err := db.Set("", dbpath.New("/counter"), 5.0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	r, _ := connect(t, db, "alice")

	var inputs []any
	var committed bool
	var final any
	incr := func(current any) (any, bool) {
		inputs = append(inputs, current)
		n, _ := current.(float64)
		return n + 1, true
	}
	err := r.Transaction(dbpath.New("/counter"), incr, func(err error, ok bool, s view.Snapshot) {
		if err != nil {
			t.Errorf("transaction error = %v", err)
		}
		committed, final = ok, s.Val()
	}, true)
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	if !committed || final != 6.0 {
		t.Errorf("transaction result = %v %v, want committed 6", committed, final)
	}
	// the first run saw no data yet and was rejected as stale
	if diff := cmp.Diff([]any{nil, 5.0}, inputs); diff != "" {
		t.Errorf("update inputs mismatch (-want +got):\n%s", diff)
	}
	n, _ := db.Get("", dbpath.New("/counter"))
	if got := n.Val(false); got != 6.0 {
		t.Errorf("stored counter = %v, want 6", got)
	}
}

func TestStalePutIsRejected(t *testing.T) {
	db := newTestDatabase(t, Options{})
	if err := db.Set("", dbpath.New("/a"), 1.0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s := db.Connect("alice", nil)

	var status string
	stale := "not-the-hash"
	s.Put("/a", 2.0, &stale, func(st, _ string) { status = st })
	if status != wire.StatusDataStale {
		t.Errorf("Put() status = %q, want %q", status, wire.StatusDataStale)
	}
	n, _ := db.Get("", dbpath.New("/a"))
	if got := n.Val(false); got != 1.0 {
		t.Errorf("stored value = %v, want 1", got)
	}

	s.Put("/a/b.c", 2.0, nil, func(st, _ string) { status = st })
	if status != wire.StatusInvalid {
		t.Errorf("Put() with a bad path status = %q, want %q", status, wire.StatusInvalid)
	}
}

func TestOnDisconnectRunsOnClose(t *testing.T) {
	now := time.UnixMilli(42)
	db := newTestDatabase(t, Options{Now: func() time.Time { return now }})
	alice, aliceSession := connect(t, db, "alice")
	bob, _ := connect(t, db, "bob")
	presence := watch(t, bob, "/presence")

	if err := alice.OnDisconnectSet(dbpath.New("/presence/alice"), map[string]any{".sv": "timestamp"}, nil); err != nil {
		t.Fatalf("OnDisconnectSet() error = %v", err)
	}
	if err := alice.OnDisconnectSet(dbpath.New("/presence/cancelled"), true, nil); err != nil {
		t.Fatalf("OnDisconnectSet() error = %v", err)
	}
	if err := alice.OnDisconnectCancel(dbpath.New("/presence/cancelled"), nil); err != nil {
		t.Fatalf("OnDisconnectCancel() error = %v", err)
	}
	if err := aliceSession.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []any{nil, map[string]any{"alice": 42.0}}
	if diff := cmp.Diff(want, presence.got); diff != "" {
		t.Errorf("values at /presence mismatch (-want +got):\n%s", diff)
	}
	if err := aliceSession.Close(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Close() = %v, want ErrSessionClosed", err)
	}
	if got := db.SessionCount(); got != 1 {
		t.Errorf("SessionCount() = %d, want 1", got)
	}
}

func TestRulesCancelListensAndRejectWrites(t *testing.T) {
	rules := func(subject string, path dbpath.Path, write bool) bool {
		return !dbpath.New("/secret").Contains(path)
	}
	db := newTestDatabase(t, Options{Rules: rules})
	r, _ := connect(t, db, "alice")

	var cancelled error
	reg := view.NewValueRegistration(func(view.Snapshot) {}, func(err error) { cancelled = err })
	if err := r.AddEventCallback(view.DefaultQuery(dbpath.New("/secret")), reg); err != nil {
		t.Fatalf("AddEventCallback() error = %v", err)
	}
	var listenErr *synctree.ListenError
	if !errors.As(cancelled, &listenErr) || listenErr.Status != wire.StatusPermissionDenied {
		t.Errorf("cancel error = %v, want permission_denied", cancelled)
	}

	var setErr error
	if err := r.Set(dbpath.New("/secret/x"), 1.0, func(err error) { setErr = err }); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !errors.Is(setErr, &repo.Error{Code: "PERMISSION_DENIED"}) {
		t.Errorf("Set() completion = %v, want PERMISSION_DENIED", setErr)
	}
	if err := db.Set("alice", dbpath.New("/secret/y"), 1.0); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Database.Set() = %v, want ErrPermissionDenied", err)
	}
}

func TestUpdateMergesAndValidates(t *testing.T) {
	db := newTestDatabase(t, Options{})
	r, _ := connect(t, db, "alice")
	user := watch(t, r, "/users/ada")

	if err := db.Set("", dbpath.New("/users/ada"), map[string]any{"name": "Ada", "born": 1815.0}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Update("", dbpath.New("/users/ada"), map[string]any{"name": "Ada Lovelace", "langs/0": "note G"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := db.Update("", dbpath.New("/users/ada"), map[string]any{"a": 1.0, "a/b": 2.0}); !errors.Is(err, validation.ErrAncestorMergePath) {
		t.Errorf("Update() = %v, want ErrAncestorMergePath", err)
	}

	want := []any{
		nil,
		map[string]any{"name": "Ada", "born": 1815.0},
		map[string]any{"name": "Ada Lovelace", "born": 1815.0, "langs": []any{"note G"}},
	}
	if diff := cmp.Diff(want, user.got); diff != "" {
		t.Errorf("values at /users/ada mismatch (-want +got):\n%s", diff)
	}
}

func TestStorePersistsAndRestores(t *testing.T) {
	store := &MemoryStore{}
	db := newTestDatabase(t, Options{Store: store})
	if err := db.Set("", dbpath.New("/a/b"), "x"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if store.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", store.Saves())
	}

	restored := newTestDatabase(t, Options{Store: store})
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	n, err := restored.Get("", dbpath.New("/a"))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(map[string]any{"b": "x"}, n.Val(false)); diff != "" {
		t.Errorf("restored data mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionLogsCarryCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	db := New(Options{Logger: &logger})

	tagged := db.Connect("alice", nil, WithCorrelationID("corr-42"))
	tagged.Close()
	plain := db.Connect("bob", nil, WithCorrelationID(""))
	plain.Close()

	var taggedLines, plainLines int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		switch {
		case strings.Contains(line, tagged.ID()):
			taggedLines++
			if !strings.Contains(line, `"correlation_id":"corr-42"`) {
				t.Errorf("session log line %s has no correlation_id", line)
			}
		case strings.Contains(line, plain.ID()):
			plainLines++
			if strings.Contains(line, "correlation_id") {
				t.Errorf("untagged session log line %s has a correlation_id", line)
			}
		}
	}
	if taggedLines != 2 || plainLines != 2 {
		t.Errorf("session log lines = %d, %d, want 2 opened/closed lines each", taggedLines, plainLines)
	}
}

package repo

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/validation"
	"github.com/erauner12/treesync/internal/view"
)

type call struct {
	path string
	data any
	hash string
	done func(status, reason string)
}

// fakeServer records requests; tests answer them by calling done.
// With echo set, writes are pushed back as data and acknowledged immediately.
type fakeServer struct {
	repo      *Repo
	echo      bool
	listens   []string
	unlistens []string
	puts      []call
	merges    []call
	odPuts    []call
	odMerges  []call
	odCancels []call
}

func (s *fakeServer) Listen(q view.QuerySpec, _ func() string, tag *int64, _ func(string, any)) {
	s.listens = append(s.listens, q.String())
}

func (s *fakeServer) Unlisten(q view.QuerySpec, _ *int64) {
	s.unlistens = append(s.unlistens, q.String())
}

func (s *fakeServer) Put(path string, data any, hash *string, done func(string, string)) {
	c := call{path: path, data: data, done: done}
	if hash != nil {
		c.hash = *hash
	}
	s.puts = append(s.puts, c)
	if s.echo {
		s.repo.OnDataUpdate(path, data, false, nil)
		done("ok", "")
	}
}

func (s *fakeServer) Merge(path string, data map[string]any, done func(string, string)) {
	s.merges = append(s.merges, call{path: path, data: data, done: done})
	if s.echo {
		s.repo.OnDataUpdate(path, data, true, nil)
		done("ok", "")
	}
}

func (s *fakeServer) OnDisconnectPut(path string, data any, done func(string, string)) {
	s.odPuts = append(s.odPuts, call{path: path, data: data, done: done})
}

func (s *fakeServer) OnDisconnectMerge(path string, data map[string]any, done func(string, string)) {
	s.odMerges = append(s.odMerges, call{path: path, data: data, done: done})
}

func (s *fakeServer) OnDisconnectCancel(path string, done func(string, string)) {
	s.odCancels = append(s.odCancels, call{path: path, done: done})
}

func newTestRepo(t *testing.T, opts Options) (*Repo, *fakeServer) {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	s := &fakeServer{}
	r := New(s, opts)
	s.repo = r
	return r, s
}

type valueLog struct {
	vals []any
}

func (l *valueLog) registration() view.Registration {
	return view.NewValueRegistration(func(s view.Snapshot) {
		l.vals = append(l.vals, s.Val())
	}, nil)
}

func listen(t *testing.T, r *Repo, path string) *valueLog {
	t.Helper()
	l := &valueLog{}
	if err := r.AddEventCallback(view.DefaultQuery(dbpath.New(path)), l.registration()); err != nil {
		t.Fatalf("AddEventCallback(%s) error = %v", path, err)
	}
	return l
}

func TestLaterDeeperWriteWins(t *testing.T) {
	r, _ := newTestRepo(t, Options{})
	deep := listen(t, r, "/a/b")

	if err := r.Set(dbpath.New("/a"), map[string]any{"b": map[string]any{"c": 1.0}}, nil); err != nil {
		t.Fatalf("Set(/a) error = %v", err)
	}
	if err := r.Set(dbpath.New("/a/b"), 2.0, nil); err != nil {
		t.Fatalf("Set(/a/b) error = %v", err)
	}

	want := []any{map[string]any{"c": 1.0}, 2.0}
	if diff := cmp.Diff(want, deep.vals); diff != "" {
		t.Errorf("values at /a/b mismatch (-want +got):\n%s", diff)
	}
}

func TestRejectedMergeIsReverted(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	a := listen(t, r, "/a")
	r.OnDataUpdate("/a", nil, false, nil)

	if err := r.Set(dbpath.New("/a/b"), 1.0, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	var got error
	if err := r.Update(dbpath.New("/a"), map[string]any{"c": 2.0}, func(err error) { got = err }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(s.merges) != 1 {
		t.Fatalf("merges sent = %d, want 1", len(s.merges))
	}

	s.merges[0].done("permission_denied", "no access")
	// a second answer for the same write changes nothing
	s.merges[0].done("permission_denied", "no access")

	want := []any{nil, map[string]any{"b": 1.0}, map[string]any{"b": 1.0, "c": 2.0}, map[string]any{"b": 1.0}}
	if diff := cmp.Diff(want, a.vals); diff != "" {
		t.Errorf("values at /a mismatch (-want +got):\n%s", diff)
	}
	var rerr *Error
	if !errors.As(got, &rerr) {
		t.Fatalf("completion error = %v, want *Error", got)
	}
	if rerr.Code != "PERMISSION_DENIED" || rerr.Message != "PERMISSION_DENIED: no access" {
		t.Errorf("completion error = %+v, want PERMISSION_DENIED: no access", rerr)
	}
}

func TestLocalEventsBeforeAck(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	s.echo = true
	var log []string
	reg := view.NewValueRegistration(func(s view.Snapshot) {
		log = append(log, fmt.Sprintf("value:%v", s.Val()))
	}, nil)
	if err := r.AddEventCallback(view.DefaultQuery(dbpath.New("/x")), reg); err != nil {
		t.Fatalf("AddEventCallback() error = %v", err)
	}
	r.OnDataUpdate("/x", nil, false, nil)

	err := r.Set(dbpath.New("/x"), 1.0, func(err error) {
		log = append(log, fmt.Sprintf("complete:%v", err))
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	want := []string{"value:<nil>", "value:1", "complete:<nil>"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestPriorityOrdering(t *testing.T) {
	r, _ := newTestRepo(t, Options{})
	var keys []string
	reg := view.NewValueRegistration(func(s view.Snapshot) {
		s.ForEach(func(child view.Snapshot) bool {
			keys = append(keys, child.Key())
			return false
		})
	}, nil)
	if err := r.AddEventCallback(view.DefaultQuery(dbpath.New("/items")), reg); err != nil {
		t.Fatalf("AddEventCallback() error = %v", err)
	}

	r.OnDataUpdate("/items", map[string]any{
		"w": map[string]any{".value": "w", ".priority": 10.0},
		"x": map[string]any{".value": "x", ".priority": "a"},
		"y": "y",
		"z": map[string]any{".value": "z", ".priority": 5.0},
	}, false, nil)

	if diff := cmp.Diff([]string{"y", "z", "w", "x"}, keys); diff != "" {
		t.Errorf("child order mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationErrorsLeaveStateUntouched(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"info is read-only", func() error { return r.Set(dbpath.New("/.info/connected"), true, nil) }, validation.ErrReadOnlyPath},
		{"bad path", func() error { return r.Set(dbpath.New("/a.b"), 1.0, nil) }, validation.ErrInvalidPath},
		{"nan", func() error { return r.Set(dbpath.New("/a"), math.NaN(), nil) }, validation.ErrInvalidData},
		{"bad priority", func() error { return r.SetPriority(dbpath.New("/a"), true, nil) }, validation.ErrInvalidPriority},
		{"ancestor merge", func() error {
			return r.Update(dbpath.New("/a"), map[string]any{"b": 1.0, "b/c": 2.0}, nil)
		}, validation.ErrAncestorMergePath},
		{"transaction under info", func() error {
			return r.Transaction(dbpath.New("/.info/x"), func(any) (any, bool) { return nil, true }, nil, true)
		}, validation.ErrReadOnlyPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(s.puts)+len(s.merges) != 0 {
		t.Errorf("sent %d puts and %d merges, want none", len(s.puts), len(s.merges))
	}
}

func TestServerTimeAndTimestampPlaceholder(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	r, s := newTestRepo(t, Options{Now: func() time.Time { return now }})
	r.OnServerInfoUpdate(map[string]any{"serverTimeOffset": 1500.0})

	if got, want := r.ServerTime(), now.Add(1500*time.Millisecond); !got.Equal(want) {
		t.Errorf("ServerTime() = %v, want %v", got, want)
	}

	at := listen(t, r, "/t")
	if err := r.Set(dbpath.New("/t"), map[string]any{".sv": "timestamp"}, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if diff := cmp.Diff([]any{1700000001500.0}, at.vals); diff != "" {
		t.Errorf("values at /t mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{".sv": "timestamp"}, s.puts[0].data); diff != "" {
		t.Errorf("sent data mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoConnected(t *testing.T) {
	r, _ := newTestRepo(t, Options{})
	connected := listen(t, r, "/.info/connected")
	r.OnConnectStatus(true)
	r.OnConnectStatus(false)

	if diff := cmp.Diff([]any{false, true, false}, connected.vals); diff != "" {
		t.Errorf("values at /.info/connected mismatch (-want +got):\n%s", diff)
	}
}

func TestOnDisconnectBookkeeping(t *testing.T) {
	now := time.UnixMilli(1000)
	r, s := newTestRepo(t, Options{Now: func() time.Time { return now }})

	if err := r.OnDisconnectSet(dbpath.New("/presence/me"), map[string]any{".sv": "timestamp"}, nil); err != nil {
		t.Fatalf("OnDisconnectSet() error = %v", err)
	}
	if err := r.OnDisconnectUpdate(dbpath.New("/status"), map[string]any{"online": false}, nil); err != nil {
		t.Fatalf("OnDisconnectUpdate() error = %v", err)
	}
	s.odPuts[0].done("ok", "")
	s.odMerges[0].done("ok", "")

	pending := func() map[string]any {
		got := map[string]any{}
		r.PendingOnDisconnect().ForEachTree(dbpath.Empty, func(p dbpath.Path, n snap.Node) {
			got[p.String()] = n.Val(false)
		})
		return got
	}
	want := map[string]any{"/presence/me": 1000.0, "/status/online": false}
	if diff := cmp.Diff(want, pending()); diff != "" {
		t.Errorf("PendingOnDisconnect() mismatch (-want +got):\n%s", diff)
	}

	if err := r.OnDisconnectCancel(dbpath.New("/presence"), nil); err != nil {
		t.Fatalf("OnDisconnectCancel() error = %v", err)
	}
	s.odCancels[0].done("ok", "")
	if diff := cmp.Diff(map[string]any{"/status/online": false}, pending()); diff != "" {
		t.Errorf("PendingOnDisconnect() after cancel mismatch (-want +got):\n%s", diff)
	}

	r.OnConnectStatus(false)
	if got := pending(); len(got) != 0 {
		t.Errorf("PendingOnDisconnect() after disconnect = %v, want empty", got)
	}
}

func TestFailedOnDisconnectIsNotRemembered(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	var got error
	if err := r.OnDisconnectSet(dbpath.New("/a"), 1.0, func(err error) { got = err }); err != nil {
		t.Fatalf("OnDisconnectSet() error = %v", err)
	}
	s.odPuts[0].done("permission_denied", "")

	if !r.PendingOnDisconnect().IsEmpty() {
		t.Errorf("PendingOnDisconnect() is not empty after a rejected request")
	}
	if !errors.Is(got, &Error{Code: "PERMISSION_DENIED"}) {
		t.Errorf("completion error = %v, want PERMISSION_DENIED", got)
	}
}

func TestPush(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	first, err := r.Push(dbpath.New("/list"), "a", nil)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	second, err := r.Push(dbpath.New("/list"), "b", nil)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if !dbpath.New("/list").Contains(first) || first.Len() != 2 {
		t.Errorf("Push() = %s, want a child of /list", first)
	}
	if first.Back() >= second.Back() {
		t.Errorf("Push() keys %s, %s are not increasing", first.Back(), second.Back())
	}
	if s.puts[0].path != first.String() {
		t.Errorf("put path = %s, want %s", s.puts[0].path, first)
	}
}

func TestRemoveEventCallbackStopsEvents(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	q := view.DefaultQuery(dbpath.New("/a"))
	l := &valueLog{}
	reg := l.registration()
	if err := r.AddEventCallback(q, reg); err != nil {
		t.Fatalf("AddEventCallback() error = %v", err)
	}
	r.OnDataUpdate("/a", 1.0, false, nil)
	r.RemoveEventCallback(q, reg)
	r.OnDataUpdate("/a", 2.0, false, nil)

	if diff := cmp.Diff([]any{1.0}, l.vals); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/a:default"}, s.unlistens); diff != "" {
		t.Errorf("unlistens mismatch (-want +got):\n%s", diff)
	}
}

func TestInvariantViolationDropsBatch(t *testing.T) {
	r, _ := newTestRepo(t, Options{})
	q := view.QuerySpec{Path: dbpath.New("/items"), Params: view.DefaultParams.LimitToFirst(1)}
	l := &valueLog{}
	if err := r.AddEventCallback(q, l.registration()); err != nil {
		t.Fatalf("AddEventCallback() error = %v", err)
	}
	tag := int64(1)

	// tagged data outside the tagged query's location
	r.OnDataUpdate("/elsewhere", 1.0, false, &tag)
	r.OnDataUpdate("/items", map[string]any{"a": 1.0}, false, &tag)

	if diff := cmp.Diff([]any{map[string]any{"a": 1.0}}, l.vals); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if got := r.DataUpdateCount(); got != 2 {
		t.Errorf("DataUpdateCount() = %d, want 2", got)
	}
}

func TestInterceptServerData(t *testing.T) {
	r, _ := newTestRepo(t, Options{})
	l := listen(t, r, "/a")
	r.InterceptServerData(func(path string, data any) any {
		return "intercepted"
	})
	r.OnDataUpdate("/a", "original", false, nil)

	if diff := cmp.Diff([]any{"intercepted"}, l.vals); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

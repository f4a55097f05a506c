package repo

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/view"
)

type txResult struct {
	called    int
	err       error
	committed bool
	val       any
}

func (res *txResult) complete(err error, committed bool, s view.Snapshot) {
	res.called++
	res.err = err
	res.committed = committed
	res.val = s.Val()
}

func increment(inputs *[]any) TransactionFunc {
	return func(current any) (any, bool) {
		*inputs = append(*inputs, current)
		n, _ := current.(float64)
		return n + 1, true
	}
}

func TestTransactionRerunsOnStaleData(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	counter := listen(t, r, "/counter")
	r.OnDataUpdate("/counter", 5.0, false, nil)

	var inputs []any
	res := &txResult{}
	if err := r.Transaction(dbpath.New("/counter"), increment(&inputs), res.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if len(s.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(s.puts))
	}
	if got, want := s.puts[0].hash, snap.NodeFromJSON(5.0).Hash(); got != want {
		t.Errorf("first put hash = %q, want hash of 5 %q", got, want)
	}

	// another writer got there first
	r.OnDataUpdate("/counter", 10.0, false, nil)
	s.puts[0].done("datastale", "")

	if len(s.puts) != 2 {
		t.Fatalf("puts after datastale = %d, want 2", len(s.puts))
	}
	if diff := cmp.Diff(11.0, s.puts[1].data); diff != "" {
		t.Errorf("resent data mismatch (-want +got):\n%s", diff)
	}
	if got, want := s.puts[1].hash, snap.NodeFromJSON(10.0).Hash(); got != want {
		t.Errorf("resent hash = %q, want hash of 10 %q", got, want)
	}
	if res.called != 0 {
		t.Fatalf("onComplete called before the server accepted the transaction")
	}

	r.OnDataUpdate("/counter", 11.0, false, nil)
	s.puts[1].done("ok", "")

	if res.called != 1 || res.err != nil || !res.committed {
		t.Fatalf("onComplete = %+v, want one committed call", res)
	}
	if diff := cmp.Diff(11.0, res.val); diff != "" {
		t.Errorf("committed value mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{5.0, 10.0}, inputs); diff != "" {
		t.Errorf("update inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{5.0, 6.0, 11.0}, counter.vals); diff != "" {
		t.Errorf("values at /counter mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionAbortedBySet(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	a := listen(t, r, "/a")
	r.OnDataUpdate("/a", 1.0, false, nil)

	var inputs []any
	sent, waiting := &txResult{}, &txResult{}
	if err := r.Transaction(dbpath.New("/a"), increment(&inputs), sent.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	// queued behind the sent one
	if err := r.Transaction(dbpath.New("/a"), increment(&inputs), waiting.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if len(s.puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(s.puts))
	}

	if err := r.Set(dbpath.New("/a"), 100.0, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if waiting.called != 1 || !errors.Is(waiting.err, ErrOverriddenBySet) || waiting.committed {
		t.Errorf("unsent transaction onComplete = %+v, want aborted with %v", waiting, ErrOverriddenBySet)
	}
	if sent.called != 0 {
		t.Fatalf("sent transaction completed before the server answered")
	}

	s.puts[0].done("datastale", "")
	if sent.called != 1 || !errors.Is(sent.err, ErrOverriddenBySet) || sent.committed {
		t.Errorf("sent transaction onComplete = %+v, want aborted with %v", sent, ErrOverriddenBySet)
	}
	if got := a.vals[len(a.vals)-1]; got != 100.0 {
		t.Errorf("last value at /a = %v, want 100", got)
	}
}

func TestTransactionAbortedByDisconnect(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	listen(t, r, "/a")
	r.OnDataUpdate("/a", 1.0, false, nil)

	var inputs []any
	res := &txResult{}
	if err := r.Transaction(dbpath.New("/a"), increment(&inputs), res.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	r.OnConnectStatus(false)
	if res.called != 0 {
		t.Fatalf("sent transaction completed before the server answered")
	}
	s.puts[0].done("datastale", "")

	if res.called != 1 || !errors.Is(res.err, ErrDisconnected) {
		t.Errorf("onComplete = %+v, want aborted with %v", res, ErrDisconnected)
	}
	if len(s.puts) != 1 {
		t.Errorf("puts = %d, want 1", len(s.puts))
	}
}

func TestTransactionMaxRetries(t *testing.T) {
	r, s := newTestRepo(t, Options{MaxTransactionRetries: 2})
	listen(t, r, "/a")
	r.OnDataUpdate("/a", 1.0, false, nil)

	var inputs []any
	res := &txResult{}
	if err := r.Transaction(dbpath.New("/a"), increment(&inputs), res.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	s.puts[0].done("datastale", "")
	if len(s.puts) != 2 {
		t.Fatalf("puts = %d, want 2", len(s.puts))
	}
	s.puts[1].done("datastale", "")

	if res.called != 1 || !errors.Is(res.err, ErrMaxRetry) || res.committed {
		t.Errorf("onComplete = %+v, want aborted with %v", res, ErrMaxRetry)
	}
	if len(s.puts) != 2 {
		t.Errorf("puts = %d, want no resend after giving up", len(s.puts))
	}
}

func TestTransactionUpdateDeclines(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	listen(t, r, "/a")
	r.OnDataUpdate("/a", 5.0, false, nil)

	res := &txResult{}
	decline := func(any) (any, bool) { return nil, false }
	if err := r.Transaction(dbpath.New("/a"), decline, res.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	if res.called != 1 || res.err != nil || res.committed {
		t.Errorf("onComplete = %+v, want one uncommitted call without error", res)
	}
	if diff := cmp.Diff(5.0, res.val); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if len(s.puts) != 0 {
		t.Errorf("puts = %d, want 0", len(s.puts))
	}
}

func TestTransactionServerError(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	a := listen(t, r, "/a")
	r.OnDataUpdate("/a", 1.0, false, nil)

	var inputs []any
	res := &txResult{}
	if err := r.Transaction(dbpath.New("/a"), increment(&inputs), res.complete, true); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	s.puts[0].done("permission_denied", "")

	if res.called != 1 || !errors.Is(res.err, &Error{Code: "PERMISSION_DENIED"}) {
		t.Errorf("onComplete = %+v, want PERMISSION_DENIED", res)
	}
	if diff := cmp.Diff([]any{1.0, 2.0, 1.0}, a.vals); diff != "" {
		t.Errorf("values at /a mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionWithoutLocalEvents(t *testing.T) {
	r, s := newTestRepo(t, Options{})
	a := listen(t, r, "/a")
	r.OnDataUpdate("/a", 1.0, false, nil)

	var inputs []any
	res := &txResult{}
	if err := r.Transaction(dbpath.New("/a"), increment(&inputs), res.complete, false); err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if diff := cmp.Diff([]any{1.0}, a.vals); diff != "" {
		t.Errorf("values before ack mismatch (-want +got):\n%s", diff)
	}

	r.OnDataUpdate("/a", 2.0, false, nil)
	s.puts[0].done("ok", "")

	if diff := cmp.Diff([]any{1.0, 2.0}, a.vals); diff != "" {
		t.Errorf("values after ack mismatch (-want +got):\n%s", diff)
	}
	if !res.committed {
		t.Errorf("onComplete = %+v, want committed", res)
	}
}

func TestTransactionAbortedWhileAwaitingAnswer(t *testing.T) {
	tests := []struct {
		name    string
		steps   func(t *testing.T, r *Repo, s *fakeServer)
		wantVal any
	}{
		{
			name: "set then disconnect",
			steps: func(t *testing.T, r *Repo, s *fakeServer) {
				if err := r.Set(dbpath.New("/a"), 100.0, nil); err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				r.OnConnectStatus(false)
				s.puts[0].done("disconnect", "")
				r.OnDataUpdate("/a", 100.0, false, nil)
				s.puts[1].done("ok", "")
			},
			wantVal: 100.0,
		},
		{
			name: "disconnected twice",
			steps: func(t *testing.T, r *Repo, s *fakeServer) {
				r.OnConnectStatus(false)
				r.OnConnectStatus(true)
				r.OnConnectStatus(false)
				s.puts[0].done("disconnect", "")
			},
			wantVal: 1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := newTestRepo(t, Options{})
			a := listen(t, r, "/a")
			r.OnDataUpdate("/a", 1.0, false, nil)

			var inputs []any
			res := &txResult{}
			if err := r.Transaction(dbpath.New("/a"), increment(&inputs), res.complete, true); err != nil {
				t.Fatalf("Transaction() error = %v", err)
			}
			tt.steps(t, r, s)

			if res.called != 1 || !errors.Is(res.err, ErrDisconnected) || res.committed {
				t.Errorf("onComplete = %+v, want one aborted call with %v", res, ErrDisconnected)
			}
			if got := r.serverSyncTree.Writes().Len(); got != 0 {
				t.Errorf("pending writes = %d, want 0", got)
			}
			if got := a.vals[len(a.vals)-1]; got != tt.wantVal {
				t.Errorf("last value at /a = %v, want %v", got, tt.wantVal)
			}
		})
	}
}

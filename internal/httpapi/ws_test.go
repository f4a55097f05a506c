package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/erauner12/treesync/internal/auth"
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/emulator"
	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/transport"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/wire"
)

const (
	testSecret  = "test-secret"
	waitTimeout = 5 * time.Second
)

func newTestServer(t *testing.T, opts emulator.Options) (*httptest.Server, *emulator.Database) {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	db := emulator.New(opts)
	srv := &Server{DB: db}
	ts := httptest.NewServer(srv.Routes(auth.JWTCfg{HS256Secret: testSecret}))
	t.Cleanup(ts.Close)
	return ts, db
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type client struct {
	repo *repo.Repo
	conn *transport.Conn
}

func dialClient(t *testing.T, ts *httptest.Server, subject string) client {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, subject, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	logger := zerolog.Nop()
	conn := transport.New(transport.Options{
		URL:    wsURL(ts),
		Header: http.Header{"Authorization": {"Bearer " + tok}},
		Logger: &logger,
	})
	r := repo.New(conn, repo.Options{Logger: &logger})
	conn.Start(context.Background(), r)
	t.Cleanup(func() { conn.Close() })
	return client{repo: r, conn: conn}
}

func watchValues(t *testing.T, r *repo.Repo, path string) <-chan any {
	t.Helper()
	ch := make(chan any, 256)
	reg := view.NewValueRegistration(func(s view.Snapshot) { ch <- s.Val() }, nil)
	if err := r.AddEventCallback(view.DefaultQuery(dbpath.New(path)), reg); err != nil {
		t.Fatalf("AddEventCallback(%s) error = %v", path, err)
	}
	return ch
}

// waitFor reads values until one equals want
func waitFor(t *testing.T, ch <-chan any, want any) {
	t.Helper()
	timeout := time.After(waitTimeout)
	var last any
	for {
		select {
		case got := <-ch:
			if cmp.Equal(want, got) {
				return
			}
			last = got
		case <-timeout:
			t.Fatalf("timed out waiting for %v, last value %v", want, last)
		}
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for completion")
		return nil
	}
}

func TestWebsocketClientsSync(t *testing.T) {
	ts, _ := newTestServer(t, emulator.Options{})
	alice := dialClient(t, ts, "alice")
	bob := dialClient(t, ts, "bob")
	chat := watchValues(t, bob.repo, "/chat")

	done := make(chan error, 1)
	if err := alice.repo.Set(dbpath.New("/chat/m1"), "hi", func(err error) { done <- err }); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := waitErr(t, done); err != nil {
		t.Errorf("Set() completion = %v, want nil", err)
	}
	waitFor(t, chat, map[string]any{"m1": "hi"})

	if err := alice.repo.Update(dbpath.New("/chat"), map[string]any{"m2": "there"}, nil); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	waitFor(t, chat, map[string]any{"m1": "hi", "m2": "there"})
}

func TestWebsocketTransaction(t *testing.T) {
	ts, db := newTestServer(t, emulator.Options{})
	if err := db.Set("", dbpath.New("/counter"), 5.0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	alice := dialClient(t, ts, "alice")

	type result struct {
		err       error
		committed bool
		val       any
	}
	done := make(chan result, 1)
	incr := func(current any) (any, bool) {
		n, _ := current.(float64)
		return n + 1, true
	}
	err := alice.repo.Transaction(dbpath.New("/counter"), incr, func(err error, committed bool, s view.Snapshot) {
		done <- result{err: err, committed: committed, val: s.Val()}
	}, true)
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil || !res.committed || res.val != 6.0 {
			t.Errorf("transaction result = %+v, want committed 6", res)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("transaction did not complete")
	}
	n, _ := db.Get("", dbpath.New("/counter"))
	if got := n.Val(false); got != 6.0 {
		t.Errorf("stored counter = %v, want 6", got)
	}
}

func TestWebsocketOnDisconnect(t *testing.T) {
	ts, db := newTestServer(t, emulator.Options{})
	alice := dialClient(t, ts, "alice")

	done := make(chan error, 1)
	if err := alice.repo.OnDisconnectSet(dbpath.New("/presence/alice"), "offline", func(err error) { done <- err }); err != nil {
		t.Fatalf("OnDisconnectSet() error = %v", err)
	}
	if err := waitErr(t, done); err != nil {
		t.Fatalf("OnDisconnectSet() completion = %v", err)
	}
	alice.conn.Close()

	deadline := time.Now().Add(waitTimeout)
	for {
		n, _ := db.Get("", dbpath.New("/presence/alice"))
		if n.Val(false) == "offline" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("on-disconnect write never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketInterruptReplaysListens(t *testing.T) {
	ts, db := newTestServer(t, emulator.Options{})
	if err := db.Set("", dbpath.New("/x"), 1.0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	alice := dialClient(t, ts, "alice")
	connected := watchValues(t, alice.repo, "/.info/connected")
	x := watchValues(t, alice.repo, "/x")
	waitFor(t, connected, true)
	waitFor(t, x, 1.0)

	alice.repo.Interrupt()
	waitFor(t, connected, false)
	if err := db.Set("", dbpath.New("/x"), 2.0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	alice.repo.Resume()
	waitFor(t, connected, true)
	waitFor(t, x, 2.0)
}

func TestWebsocketRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t, emulator.Options{})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatalf("Dial() without a token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Dial() response = %v, want 401", resp)
	}
}

func TestWebsocketPermissionDenied(t *testing.T) {
	rules := func(subject string, path dbpath.Path, write bool) bool {
		return !dbpath.New("/admin").Contains(path)
	}
	ts, _ := newTestServer(t, emulator.Options{Rules: rules})
	alice := dialClient(t, ts, "alice")

	cancelled := make(chan error, 1)
	reg := view.NewValueRegistration(func(view.Snapshot) {}, func(err error) { cancelled <- err })
	if err := alice.repo.AddEventCallback(view.DefaultQuery(dbpath.New("/admin")), reg); err != nil {
		t.Fatalf("AddEventCallback() error = %v", err)
	}
	if err := waitErr(t, cancelled); err == nil {
		t.Errorf("cancel error = nil, want permission_denied")
	}

	done := make(chan error, 1)
	if err := alice.repo.Set(dbpath.New("/admin/x"), 1.0, func(err error) { done <- err }); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := waitErr(t, done); err == nil {
		t.Errorf("Set() completion = nil, want PERMISSION_DENIED")
	}
}

// readResponses reads frames until every id in want has been answered and returns the
// statuses by id. Pushes are skipped.
func readResponses(t *testing.T, conn *websocket.Conn, ids ...int64) map[int64]string {
	t.Helper()
	got := map[int64]string{}
	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	for len(got) < len(ids) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v, have responses %v", err, got)
		}
		f, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", data, err)
		}
		m, err := f.Message()
		if err != nil || !m.IsResponse() {
			continue
		}
		resp, err := m.Response()
		if err != nil {
			t.Fatalf("Response() error = %v", err)
		}
		got[m.ID] = resp.Status
	}
	return got
}

func TestWebsocketWritesShareRateLimit(t *testing.T) {
	logger := zerolog.Nop()
	db := emulator.New(emulator.Options{Logger: &logger})
	srv := &Server{DB: db, RateLimitConfig: RateLimitInfo{WindowSeconds: 60, MaxRequests: 1, Burst: 2}}
	ts := httptest.NewServer(srv.Routes(auth.JWTCfg{HS256Secret: testSecret}))
	t.Cleanup(ts.Close)

	tok, err := auth.IssueToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	header := http.Header{"Authorization": {"Bearer " + tok}, "X-Correlation-Id": {"corr-ws"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "corr-ws" {
		t.Errorf("handshake X-Correlation-ID = %q, want corr-ws", got)
	}

	frames := []struct {
		id     int64
		action string
		body   wire.RequestBody
	}{
		{1, wire.ActionPut, wire.RequestBody{Path: "/a", Data: 1.0}},
		{2, wire.ActionMerge, wire.RequestBody{Path: "/m", Data: map[string]any{"b": 2.0}}},
		{3, wire.ActionPut, wire.RequestBody{Path: "/a", Data: 3.0}},
		{4, wire.ActionOnDisconnectPut, wire.RequestBody{Path: "/gone", Data: true}},
		{5, wire.ActionListen, wire.RequestBody{Path: "/a"}},
	}
	for _, f := range frames {
		b, err := wire.NewRequest(f.id, f.action, f.body)
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	want := map[int64]string{
		1: wire.StatusOK,
		2: wire.StatusOK,
		3: wire.StatusTooManyRequests,
		4: wire.StatusTooManyRequests,
		5: wire.StatusOK,
	}
	if diff := cmp.Diff(want, readResponses(t, conn, 1, 2, 3, 4, 5)); diff != "" {
		t.Errorf("response statuses mismatch (-want +got):\n%s", diff)
	}
	n, _ := db.Get("", dbpath.New("/a"))
	if got := n.Val(false); got != 1.0 {
		t.Errorf("stored /a = %v, want 1", got)
	}

	// REST writes draw from the same budget
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/db/c", strings.NewReader("1"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rest, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	rest.Body.Close()
	if rest.StatusCode != http.StatusTooManyRequests {
		t.Errorf("PUT status = %d, want 429", rest.StatusCode)
	}
}

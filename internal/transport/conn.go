// Package transport connects a repo to a remote server over a websocket.
//
// A Conn keeps one connection open, redialing with exponential backoff when it drops.
// Requests made while offline are queued and sent once connected. After a reconnect
// every active listen is sent again without a hash and unanswered writes are resent,
// except conditional puts which fail with "disconnect" so transactions can rerun.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var (
	_ repo.Server      = (*Conn)(nil)
	_ repo.Interrupter = (*Conn)(nil)
)

// ErrUnauthorized is returned by Start's dial loop when the server rejects the credentials
var ErrUnauthorized = errors.New("server rejected credentials")

type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws
	URL    string
	Header http.Header
	Logger *zerolog.Logger
	Dialer *websocket.Dialer
	Now    func() time.Time
	// NewBackOff builds the redial policy. Defaults to exponential backoff that never gives up.
	NewBackOff func() backoff.BackOff
}

type request struct {
	action     string
	body       wire.RequestBody
	onComplete func(status string, data any)
	// conditional puts are failed rather than resent after a disconnect
	failOnDisconnect bool
}

type listenState struct {
	query      view.QuerySpec
	tag        *int64
	onComplete func(status string, data any)
}

type Conn struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	logger     zerolog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	mu         sync.Mutex
	handler    repo.Handler
	ws         *websocket.Conn
	nextID     int64
	inflight   map[int64]*request
	queued     []*request
	listens    map[string]*listenState
	interrupts map[string]bool
	cancel     context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

func New(opts Options) *Conn {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0))
		}
	}
	return &Conn{
		url:        opts.URL,
		header:     opts.Header,
		dialer:     opts.Dialer,
		logger:     logger.With().Str("component", "transport").Logger(),
		now:        opts.Now,
		newBackOff: opts.NewBackOff,
		inflight:   make(map[int64]*request),
		listens:    make(map[string]*listenState),
		interrupts: make(map[string]bool),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start begins connecting in the background. Pushes and connection status changes
// are delivered to h.
func (c *Conn) Start(ctx context.Context, h repo.Handler) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.handler = h
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Close stops the connection and waits for the background loop to exit
func (c *Conn) Close() error {
	c.mu.Lock()
	cancel, ws := c.cancel, c.ws
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if ws != nil {
		ws.Close()
	}
	<-c.done
	return nil
}

// Connected reports whether a connection is currently established
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	b := c.newBackOff()
	for {
		if err := c.waitResumed(ctx); err != nil {
			return
		}
		var ws *websocket.Conn
		var hs wire.Handshake
		dial := func() error {
			var err error
			ws, hs, err = c.dial(ctx)
			return err
		}
		notify := func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Dur("retryIn", next).Msg("connect failed")
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("giving up on connection")
			}
			return
		}
		b.Reset()

		c.mu.Lock()
		interrupted := len(c.interrupts) > 0
		c.mu.Unlock()
		if interrupted {
			ws.Close()
			continue
		}

		c.onConnected(ws, hs)
		c.readLoop(ctx, ws)
		c.onDisconnected()
	}
}

func (c *Conn) waitResumed(ctx context.Context) error {
	for {
		c.mu.Lock()
		n := len(c.interrupts)
		c.mu.Unlock()
		if n == 0 {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, wire.Handshake, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, wire.Handshake{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
		}
		if ctx.Err() != nil {
			return nil, wire.Handshake{}, backoff.Permanent(ctx.Err())
		}
		return nil, wire.Handshake{}, fmt.Errorf("dial %s: %w", c.url, err)
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hs, err := readHandshake(ws)
	if err != nil {
		ws.Close()
		return nil, wire.Handshake{}, err
	}
	ws.SetReadDeadline(time.Time{})
	return ws, hs, nil
}

func readHandshake(ws *websocket.Conn) (wire.Handshake, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return wire.Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		return wire.Handshake{}, err
	}
	ctl, err := f.Control()
	if err != nil {
		return wire.Handshake{}, err
	}
	return ctl.Handshake()
}

// onConnected replays listens and queued requests on the new connection before
// reporting it to the handler
func (c *Conn) onConnected(ws *websocket.Conn, hs wire.Handshake) {
	offset := float64(hs.Timestamp - c.now().UnixMilli())
	c.logger.Info().Str("session", hs.SessionID).Float64("serverTimeOffset", offset).Msg("connected")

	c.mu.Lock()
	h := c.handler
	c.ws = ws
	for _, key := range sortedKeys(c.listens) {
		c.sendLocked(c.listenRequest(key, c.listens[key], nil))
	}
	queued := c.queued
	c.queued = nil
	for _, req := range queued {
		c.sendLocked(req)
	}
	c.mu.Unlock()

	h.OnServerInfoUpdate(map[string]any{"serverTimeOffset": offset})
	h.OnConnectStatus(true)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}
	if f.Type == wire.FrameControl {
		c.logger.Debug().RawJSON("frame", data).Msg("ignoring control frame")
		return
	}
	m, err := f.Message()
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable message")
		return
	}

	if m.IsResponse() {
		resp, err := m.Response()
		if err != nil {
			c.logger.Warn().Err(err).Int64("id", m.ID).Msg("dropping undecodable response")
			return
		}
		c.mu.Lock()
		req := c.inflight[m.ID]
		delete(c.inflight, m.ID)
		c.mu.Unlock()
		if req == nil {
			c.logger.Warn().Int64("id", m.ID).Msg("response to unknown request")
			return
		}
		if req.onComplete != nil {
			req.onComplete(resp.Status, resp.Data)
		}
		return
	}

	push, err := m.Push()
	if err != nil {
		c.logger.Warn().Err(err).Str("action", m.Action).Msg("dropping undecodable push")
		return
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	switch m.Action {
	case wire.PushData:
		h.OnDataUpdate(push.Path, push.Data, false, push.Tag)
	case wire.PushMerge:
		merge, ok := push.Data.(map[string]any)
		if !ok {
			c.logger.Warn().Str("path", push.Path).Msg("merge push without an object")
			return
		}
		h.OnDataUpdate(push.Path, merge, true, push.Tag)
	default:
		c.logger.Warn().Str("action", m.Action).Msg("unknown push action")
	}
}

// onDisconnected requeues unanswered requests in the order they were sent. Listens are
// dropped because they are replayed from c.listens.
func (c *Conn) onDisconnected() {
	c.mu.Lock()
	h := c.handler
	c.ws = nil
	ids := make([]int64, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var resend, failed []*request
	for _, id := range ids {
		req := c.inflight[id]
		switch {
		case req.action == wire.ActionListen || req.action == wire.ActionUnlisten:
		case req.failOnDisconnect:
			failed = append(failed, req)
		default:
			resend = append(resend, req)
		}
	}
	c.inflight = make(map[int64]*request)
	c.queued = append(resend, c.queued...)
	c.mu.Unlock()

	h.OnConnectStatus(false)
	for _, req := range failed {
		if req.onComplete != nil {
			req.onComplete(wire.StatusDisconnect, nil)
		}
	}
}

// sendLocked writes req on the current connection, or queues it while offline. A
// failed write closes the connection so the read loop notices and requeues.
func (c *Conn) sendLocked(req *request) {
	if c.ws == nil {
		c.queued = append(c.queued, req)
		return
	}
	c.nextID++
	id := c.nextID
	frame, err := wire.NewRequest(id, req.action, req.body)
	if err != nil {
		c.logger.Error().Err(err).Str("action", req.action).Str("path", req.body.Path).Msg("dropping unencodable request")
		return
	}
	c.inflight[id] = req
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("write failed")
		c.ws.Close()
	}
}

func (c *Conn) send(req *request) {
	c.mu.Lock()
	c.sendLocked(req)
	c.mu.Unlock()
}

func (c *Conn) listenRequest(key string, l *listenState, hash *string) *request {
	body := wire.RequestBody{Path: l.query.Path.String(), Hash: hash, Tag: l.tag}
	if !l.query.Params.IsDefault() {
		body.Query = l.query.Params.Wire()
	}
	return &request{
		action: wire.ActionListen,
		body:   body,
		onComplete: func(status string, data any) {
			if status != wire.StatusOK {
				c.mu.Lock()
				if c.listens[key] == l {
					delete(c.listens, key)
				}
				c.mu.Unlock()
			}
			l.onComplete(status, data)
		},
	}
}

func (c *Conn) Listen(query view.QuerySpec, hashFn func() string, tag *int64, onComplete func(status string, data any)) {
	var hash *string
	if hashFn != nil {
		if h := hashFn(); h != "" {
			hash = &h
		}
	}
	key := query.String()
	l := &listenState{query: query, tag: tag, onComplete: onComplete}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listens[key] = l
	if c.ws != nil {
		c.sendLocked(c.listenRequest(key, l, hash))
	}
}

func (c *Conn) Unlisten(query view.QuerySpec, tag *int64) {
	body := wire.RequestBody{Path: query.Path.String(), Tag: tag}
	if !query.Params.IsDefault() {
		body.Query = query.Params.Wire()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listens, query.String())
	if c.ws != nil {
		c.sendLocked(&request{action: wire.ActionUnlisten, body: body})
	}
}

func (c *Conn) Put(path string, data any, hash *string, onComplete func(status, errorReason string)) {
	c.send(&request{
		action:           wire.ActionPut,
		body:             wire.RequestBody{Path: path, Data: data, Hash: hash},
		onComplete:       writeCallback(onComplete),
		failOnDisconnect: hash != nil,
	})
}

func (c *Conn) Merge(path string, data map[string]any, onComplete func(status, errorReason string)) {
	c.send(&request{action: wire.ActionMerge, body: wire.RequestBody{Path: path, Data: data}, onComplete: writeCallback(onComplete)})
}

func (c *Conn) OnDisconnectPut(path string, data any, onComplete func(status, errorReason string)) {
	c.send(&request{action: wire.ActionOnDisconnectPut, body: wire.RequestBody{Path: path, Data: data}, onComplete: writeCallback(onComplete)})
}

func (c *Conn) OnDisconnectMerge(path string, data map[string]any, onComplete func(status, errorReason string)) {
	c.send(&request{action: wire.ActionOnDisconnectMerge, body: wire.RequestBody{Path: path, Data: data}, onComplete: writeCallback(onComplete)})
}

func (c *Conn) OnDisconnectCancel(path string, onComplete func(status, errorReason string)) {
	c.send(&request{action: wire.ActionOnDisconnectCancel, body: wire.RequestBody{Path: path}, onComplete: writeCallback(onComplete)})
}

// Interrupt drops the connection and keeps it down until every reason is resumed
func (c *Conn) Interrupt(reason string) {
	c.mu.Lock()
	c.interrupts[reason] = true
	ws := c.ws
	c.mu.Unlock()
	c.logger.Debug().Str("reason", reason).Msg("interrupted")
	if ws != nil {
		ws.Close()
	}
}

func (c *Conn) Resume(reason string) {
	c.mu.Lock()
	delete(c.interrupts, reason)
	n := len(c.interrupts)
	c.mu.Unlock()
	if n == 0 {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func writeCallback(onComplete func(status, errorReason string)) func(string, any) {
	if onComplete == nil {
		return nil
	}
	return func(status string, data any) {
		reason, _ := data.(string)
		onComplete(status, reason)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/treesync/internal/auth"
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/emulator"
	"github.com/erauner12/treesync/internal/repo"
	"github.com/erauner12/treesync/internal/view"
	"github.com/erauner12/treesync/internal/wire"
)

const wsWriteTimeout = 10 * time.Second

// wsPeer is the client end of an emulator session. Pushes from the session are
// written to the websocket as they are delivered.
type wsPeer struct {
	conn    *websocket.Conn
	logger  zerolog.Logger
	subject string
	limiter *RateLimiter

	mu sync.Mutex
}

var _ repo.Handler = (*wsPeer)(nil)

func (p *wsPeer) write(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.logger.Debug().Err(err).Msg("websocket write failed")
	}
}

func (p *wsPeer) respond(id int64, status string, data any) {
	frame, err := wire.NewResponse(id, wire.ResponseBody{Status: status, Data: data})
	if err != nil {
		p.logger.Error().Err(err).Int64("id", id).Msg("failed to encode response")
		return
	}
	p.write(frame)
}

// ack adapts a write completion to a response frame
func (p *wsPeer) ack(id int64) func(status, errorReason string) {
	return func(status, errorReason string) {
		var data any
		if errorReason != "" {
			data = errorReason
		}
		p.respond(id, status, data)
	}
}

// admitWrite charges a write frame to the peer's subject. Over budget, the frame is
// answered with too_many_requests and must not run.
func (p *wsPeer) admitWrite(id int64, action, path string) bool {
	a := p.limiter.Admit(p.subject)
	if a.Allowed {
		return true
	}
	retry := a.retryAfter(p.limiter.now())
	p.logger.Warn().Str("action", action).Str("path", path).Int("retryAfter", retry).Msg("write rate limit exceeded")
	p.respond(id, wire.StatusTooManyRequests, "retry after "+strconv.Itoa(retry)+"s")
	return false
}

func (p *wsPeer) OnDataUpdate(path string, data any, isMerge bool, tag *int64) {
	action := wire.PushData
	if isMerge {
		action = wire.PushMerge
	}
	frame, err := wire.NewPush(action, wire.PushBody{Path: path, Data: data, Tag: tag})
	if err != nil {
		p.logger.Error().Err(err).Str("path", path).Msg("failed to encode push")
		return
	}
	p.write(frame)
}

func (p *wsPeer) OnConnectStatus(bool)              {}
func (p *wsPeer) OnServerInfoUpdate(map[string]any) {}

// ServeWebsocket handles GET /ws. The connection is bound to a new emulator session
// for the authenticated subject; closing it runs the session's on-disconnect writes.
// Session logs carry the request's correlation ID and write frames share the
// subject's REST write budget.
func (s *Server) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := auth.Subject(ctx)
	conn, err := s.Upgrader.Upgrade(w, r, upgradeHeader(ctx))
	if err != nil {
		// Upgrade has already replied
		log.Ctx(ctx).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	peer := &wsPeer{conn: conn, subject: subject, limiter: s.writeLimiter()}
	session := s.DB.Connect(subject, peer, emulator.WithCorrelationID(GetCorrelationID(ctx)))
	peer.logger = log.Ctx(ctx).With().Str("session", session.ID()).Str("sub", subject).Logger()
	defer session.Close()

	hs, err := wire.NewHandshake(wire.Handshake{Timestamp: s.DB.Now().UnixMilli(), SessionID: session.ID()})
	if err != nil {
		peer.logger.Error().Err(err).Msg("failed to encode handshake")
		return
	}
	peer.write(hs)
	peer.logger.Info().Msg("websocket session started")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				peer.logger.Warn().Err(err).Msg("websocket closed")
			}
			break
		}
		handleFrame(peer, session, data)
	}
	peer.logger.Info().Msg("websocket session ended")
}

func isWrite(action string) bool {
	switch action {
	case wire.ActionPut, wire.ActionMerge, wire.ActionOnDisconnectPut, wire.ActionOnDisconnectMerge:
		return true
	}
	return false
}

// handleFrame runs one client request against the session. Malformed requests that
// still carry an id are answered with "invalid".
func handleFrame(peer *wsPeer, session *emulator.Session, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		peer.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}
	m, err := f.Message()
	if err != nil {
		peer.logger.Warn().Err(err).Msg("dropping non-data frame")
		return
	}
	body, err := m.Request()
	if err != nil {
		peer.respond(m.ID, wire.StatusInvalid, err.Error())
		return
	}

	if isWrite(m.Action) && !peer.admitWrite(m.ID, m.Action, body.Path) {
		return
	}

	switch m.Action {
	case wire.ActionListen, wire.ActionUnlisten:
		query := view.QuerySpec{Path: dbpath.New(body.Path), Params: view.ParamsFromWire(body.Query)}
		if m.Action == wire.ActionUnlisten {
			session.Unlisten(query, body.Tag)
			return
		}
		hash := func() string {
			if body.Hash == nil {
				return ""
			}
			return *body.Hash
		}
		session.Listen(query, hash, body.Tag, func(status string, data any) { peer.respond(m.ID, status, data) })
	case wire.ActionPut:
		session.Put(body.Path, body.Data, body.Hash, peer.ack(m.ID))
	case wire.ActionOnDisconnectPut:
		session.OnDisconnectPut(body.Path, body.Data, peer.ack(m.ID))
	case wire.ActionMerge, wire.ActionOnDisconnectMerge:
		children, ok := body.Data.(map[string]any)
		if !ok && body.Data != nil {
			peer.respond(m.ID, wire.StatusInvalid, "merge data must be an object")
			return
		}
		if m.Action == wire.ActionMerge {
			session.Merge(body.Path, children, peer.ack(m.ID))
		} else {
			session.OnDisconnectMerge(body.Path, children, peer.ack(m.ID))
		}
	case wire.ActionOnDisconnectCancel:
		session.OnDisconnectCancel(body.Path, peer.ack(m.ID))
	default:
		peer.respond(m.ID, wire.StatusInvalid, "unknown action "+m.Action)
	}
}

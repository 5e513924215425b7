package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/sqlite"
	"github.com/mesh-intelligence/almanac/internal/wire"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

const writeWait = 10 * time.Second

// liveConn serves the live queries multiplexed on one websocket.
type liveConn struct {
	conn *websocket.Conn
	svc  *sqlite.OwnerService
	log  logrus.FieldLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	queries map[string]types.LiveQuery
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, types.ErrUnauthorized)
		return
	}
	svc, err := s.backend.ForOwner(id.Subject)
	if err != nil {
		writeError(w, types.ErrUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	lc := &liveConn{
		conn:    conn,
		svc:     svc,
		log:     s.log.WithField("owner", id.Subject),
		queries: make(map[string]types.LiveQuery),
	}
	lc.log.Debug("live connection opened")
	lc.serve(r)
}

// serve reads client messages until the connection fails, then stops every
// live query opened on it.
func (lc *liveConn) serve(r *http.Request) {
	defer lc.close()

	for {
		var msg wire.Message
		if err := lc.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				lc.log.WithError(err).Debug("live connection read failed")
			}
			return
		}
		switch msg.Type {
		case wire.TypeSubscribe:
			lc.subscribe(r, msg)
		case wire.TypeUnsubscribe:
			lc.unsubscribe(msg.Ref)
		default:
			lc.send(wire.Message{Type: wire.TypeError, Ref: msg.Ref, Error: &wire.ErrorBody{
				Code:    wire.CodeBadRequest,
				Message: "unknown message type " + msg.Type,
			}})
		}
	}
}

func (lc *liveConn) subscribe(r *http.Request, msg wire.Message) {
	ref := msg.Ref
	if ref == "" {
		lc.send(wire.Message{Type: wire.TypeError, Error: &wire.ErrorBody{
			Code: wire.CodeBadRequest, Message: "subscribe requires a ref",
		}})
		return
	}
	lc.mu.Lock()
	_, dup := lc.queries[ref]
	lc.mu.Unlock()
	if dup {
		lc.send(wire.Message{Type: wire.TypeError, Ref: ref, Kind: msg.Kind, Error: &wire.ErrorBody{
			Code: wire.CodeBadRequest, Message: "ref already subscribed",
		}})
		return
	}

	kind, err := types.ParseKind(string(msg.Kind))
	if err != nil {
		lc.sendError(ref, msg.Kind, err)
		return
	}

	handler := types.HandlerFuncs{
		Snapshot: func(records []types.Record) {
			lc.send(wire.Message{Type: wire.TypeSnapshot, Ref: ref, Kind: kind, Records: records})
		},
		Error: func(err error) {
			lc.forget(ref)
			lc.sendError(ref, kind, err)
		},
	}
	q, err := lc.svc.Subscribe(r.Context(), kind, handler)
	if err != nil {
		lc.sendError(ref, kind, err)
		return
	}

	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		_ = q.Stop()
		return
	}
	lc.queries[ref] = q
	lc.mu.Unlock()
	lc.log.WithFields(logrus.Fields{"ref": ref, "kind": kind}).Debug("live query subscribed")
}

func (lc *liveConn) unsubscribe(ref string) {
	if q := lc.forget(ref); q != nil {
		_ = q.Stop()
		lc.log.WithField("ref", ref).Debug("live query unsubscribed")
	}
}

func (lc *liveConn) forget(ref string) types.LiveQuery {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	q := lc.queries[ref]
	delete(lc.queries, ref)
	return q
}

func (lc *liveConn) sendError(ref string, kind types.Kind, err error) {
	_, body := wire.FromError(err)
	if body.Kind == "" {
		body.Kind = kind
	}
	lc.send(wire.Message{Type: wire.TypeError, Ref: ref, Kind: kind, Error: &body})
}

// send writes one message. Writes from live query goroutines are
// serialized here.
func (lc *liveConn) send(msg wire.Message) {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()
	_ = lc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := lc.conn.WriteJSON(msg); err != nil {
		lc.log.WithError(err).Debug("live connection write failed")
		// Unblock the reader so serve returns and cleans up.
		_ = lc.conn.Close()
	}
}

func (lc *liveConn) close() {
	lc.mu.Lock()
	lc.closed = true
	queries := lc.queries
	lc.queries = make(map[string]types.LiveQuery)
	lc.mu.Unlock()

	for _, q := range queries {
		_ = q.Stop()
	}
	_ = lc.conn.Close()
	lc.log.WithField("queries", len(queries)).Debug("live connection closed")
}

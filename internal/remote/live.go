package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/wire"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

const writeWait = 10 * time.Second

// liveMux multiplexes live queries over one websocket. Pushes for every
// query are delivered from the connection's read goroutine, so each
// query's snapshots arrive in order and never concurrently.
type liveMux struct {
	c *Client

	mu      sync.Mutex
	closed  bool
	conn    *wsConn
	queries map[string]*remoteQuery
}

// wsConn is one dialed connection and its goroutines.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

type remoteQuery struct {
	mux     *liveMux
	ref     string
	kind    types.Kind
	handler types.SnapshotHandler
	conn    *wsConn
	once    sync.Once
}

func newLiveMux(c *Client) *liveMux {
	return &liveMux{c: c, queries: make(map[string]*remoteQuery)}
}

func (m *liveMux) subscribe(ctx context.Context, kind types.Kind, handler types.SnapshotHandler) (types.LiveQuery, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}

	q := &remoteQuery{
		mux:     m,
		ref:     ulid.Make().String(),
		kind:    kind,
		handler: handler,
		conn:    conn,
	}
	m.mu.Lock()
	if m.closed || m.conn != conn {
		m.mu.Unlock()
		return nil, errConnectionLost
	}
	m.queries[q.ref] = q
	m.mu.Unlock()

	if err := conn.write(wire.Message{Type: wire.TypeSubscribe, Ref: q.ref, Kind: kind}); err != nil {
		m.forget(q.ref)
		m.drop(conn, err)
		return nil, fmt.Errorf("sending subscribe: %w", err)
	}
	m.c.log.WithFields(logrus.Fields{"ref": q.ref, "kind": kind}).Debug("live query subscribed")
	return q, nil
}

// connect returns the open connection, dialing one if needed.
func (m *liveMux) connect(ctx context.Context) (*wsConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("remote client is closed")
	}
	if m.conn != nil {
		return m.conn, nil
	}

	u := *m.c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/live"
	header := http.Header{"Authorization": {"Bearer " + m.c.token}}

	conn, resp, err := m.c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, types.ErrUnauthorized
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	wc := &wsConn{conn: conn, done: make(chan struct{})}
	m.conn = wc

	pongWait := 2 * m.c.ping
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go m.readLoop(wc, pongWait)
	go m.keepalive(wc)
	m.c.log.WithField("url", u.String()).Debug("live connection opened")
	return wc, nil
}

func (m *liveMux) readLoop(wc *wsConn, pongWait time.Duration) {
	for {
		var msg wire.Message
		if err := wc.conn.ReadJSON(&msg); err != nil {
			m.drop(wc, err)
			return
		}
		_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))

		m.mu.Lock()
		q := m.queries[msg.Ref]
		m.mu.Unlock()
		if q == nil {
			continue
		}

		switch msg.Type {
		case wire.TypeSnapshot:
			q.handler.OnSnapshot(hydrateAll(q.kind, msg.Records))
		case wire.TypeError:
			m.forget(q.ref)
			var err error = &wire.RemoteError{Code: wire.CodeInternal, Message: "live query failed"}
			if msg.Error != nil {
				err = msg.Error.Err()
			}
			q.handler.OnError(&types.SubscriptionError{Kind: q.kind, Err: err})
		}
	}
}

func (m *liveMux) keepalive(wc *wsConn) {
	ticker := time.NewTicker(m.c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-wc.done:
			return
		case <-ticker.C:
			wc.writeMu.Lock()
			err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			wc.writeMu.Unlock()
			if err != nil {
				m.drop(wc, err)
				return
			}
		}
	}
}

// drop tears down wc and fails every live query that was using it. The
// next Subscribe dials a new connection.
func (m *liveMux) drop(wc *wsConn, cause error) {
	first := false
	wc.once.Do(func() {
		first = true
		close(wc.done)
		_ = wc.conn.Close()
	})
	if !first {
		return
	}

	m.mu.Lock()
	if m.conn == wc {
		m.conn = nil
	}
	closed := m.closed
	var failed []*remoteQuery
	for ref, q := range m.queries {
		if q.conn == wc {
			failed = append(failed, q)
			delete(m.queries, ref)
		}
	}
	m.mu.Unlock()

	if closed {
		return
	}
	m.c.log.WithError(cause).WithField("queries", len(failed)).Warn("live connection lost")
	for _, q := range failed {
		q.handler.OnError(&types.SubscriptionError{
			Kind: q.kind,
			Err:  fmt.Errorf("%w: %v", errConnectionLost, cause),
		})
	}
}

func (m *liveMux) forget(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queries[ref]
	delete(m.queries, ref)
	return ok
}

func (m *liveMux) close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	wc := m.conn
	m.conn = nil
	m.queries = make(map[string]*remoteQuery)
	m.mu.Unlock()

	if wc == nil {
		return nil
	}
	wc.writeMu.Lock()
	_ = wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	wc.writeMu.Unlock()
	m.drop(wc, nil)
	return nil
}

func (wc *wsConn) write(msg wire.Message) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.conn.WriteJSON(msg)
}

// Stop unsubscribes the live query. It is safe to call more than once.
func (q *remoteQuery) Stop() error {
	q.once.Do(func() {
		if !q.mux.forget(q.ref) {
			return
		}
		select {
		case <-q.conn.done:
			return
		default:
		}
		if err := q.conn.write(wire.Message{Type: wire.TypeUnsubscribe, Ref: q.ref}); err != nil {
			q.mux.c.log.WithError(err).Debug("sending unsubscribe failed")
		}
	})
	return nil
}

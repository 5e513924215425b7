package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/almanac/internal/auth"
	"github.com/mesh-intelligence/almanac/internal/sqlite"
	"github.com/mesh-intelligence/almanac/internal/wire"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

var testSecret = []byte("server-test-secret")

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	b := sqlite.NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { _ = b.Detach() })

	s, err := New(b, testSecret, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, subject, time.Hour)
	require.NoError(t, err)
	return token
}

func do(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) wire.ErrorBody {
	t.Helper()
	var body wire.ErrorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestNew_Requires(t *testing.T) {
	_, err := New(nil, testSecret)
	assert.Error(t, err)
	_, err = New(sqlite.NewBackend(), nil)
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok"`)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"bad token", "garbage"},
		{"foreign secret", func() string {
			tok, err := auth.IssueToken([]byte("other"), "alice", time.Hour)
			require.NoError(t, err)
			return tok
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, ts.URL+"/v1/records/task", tt.token, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, wire.CodeUnauthorized, decodeError(t, body).Code)
		})
	}
}

func TestRecordsLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := tokenFor(t, "alice")
	base := ts.URL + "/v1/records/Task"

	resp, body := do(t, http.MethodPost, base, token, map[string]any{"title": "Buy milk", "priority": "HIGH"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created types.Record
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.Owner)
	assert.Equal(t, "TODO", created.Fields["status"])

	resp, body = do(t, http.MethodGet, base, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []types.Record
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp, body = do(t, http.MethodPatch, base+"/"+created.ID, token, map[string]any{"priority": nil, "status": "IN_PROGRESS"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated types.Record
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "IN_PROGRESS", updated.Fields["status"])
	assert.NotContains(t, updated.Fields, "priority")

	resp, _ = do(t, http.MethodDelete, base+"/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodGet, base+"/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, wire.CodeNotFound, decodeError(t, body).Code)
}

func TestRecordsErrors(t *testing.T) {
	ts := newTestServer(t)
	token := tokenFor(t, "alice")

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/records/Task", token, map[string]any{"priority": "LOW"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, wire.CodeValidation, e.Code)
	assert.Equal(t, "title", e.Field)

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/records/Invoice", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, wire.CodeUnknownKind, decodeError(t, body).Code)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/records/Task", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestOwnerIsolation(t *testing.T) {
	ts := newTestServer(t)
	alice := tokenFor(t, "alice")
	bob := tokenFor(t, "bob")

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/records/Note", alice, map[string]any{"content": "secret"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var note types.Record
	require.NoError(t, json.Unmarshal(body, &note))

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/records/Note/"+note.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/records/Note/"+note.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/records/Note", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, WithRateLimit(0.001, 1))
	alice := tokenFor(t, "alice")

	resp, _ := do(t, http.MethodGet, ts.URL+"/v1/records/Task", alice, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := do(t, http.MethodGet, ts.URL+"/v1/records/Task", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, wire.CodeRateLimited, decodeError(t, body).Code)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/records/Task", tokenFor(t, "bob"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "limits are per subject")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodGet, ts.URL+"/healthz", "", nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "almanac_http_requests_total")
}

func dialLive(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wire.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestLive_SubscribeAndPush(t *testing.T) {
	ts := newTestServer(t)
	token := tokenFor(t, "alice")
	conn := dialLive(t, ts, token)

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeSubscribe, Ref: "r1", Kind: types.KindTask}))
	msg := readMessage(t, conn)
	assert.Equal(t, wire.TypeSnapshot, msg.Type)
	assert.Equal(t, "r1", msg.Ref)
	assert.Empty(t, msg.Records)

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/records/Task", token, map[string]any{"title": "Buy milk"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg = readMessage(t, conn)
	assert.Equal(t, wire.TypeSnapshot, msg.Type)
	require.Len(t, msg.Records, 1)
	assert.Equal(t, "Buy milk", msg.Records[0].Fields["title"])

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeUnsubscribe, Ref: "r1"}))
	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeSubscribe, Ref: "r2", Kind: "Invoice"}))
	msg = readMessage(t, conn)
	assert.Equal(t, wire.TypeError, msg.Type)
	assert.Equal(t, "r2", msg.Ref)
	require.NotNil(t, msg.Error)
	assert.Equal(t, wire.CodeUnknownKind, msg.Error.Code)
}

func TestLive_TokenQueryParameter(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live?access_token=" + tokenFor(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.Message{Type: wire.TypeSubscribe, Ref: "1", Kind: types.KindHabit}))
	assert.Equal(t, wire.TypeSnapshot, readMessage(t, conn).Type)
}

func TestLive_Unauthorized(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

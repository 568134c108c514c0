package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/video-chat/internal/protocol"
)

type testClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (c *testClient) send(t *testing.T, msg string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(msg)))
}

func (c *testClient) read(t *testing.T) map[string]any {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		require.NoError(t, err)
		if op != ws.OpText {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
}

type fixture struct {
	srv  *Server
	http *httptest.Server

	mu           sync.Mutex
	received     []any
	disconnected []string
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	f := &fixture{}
	d := NewMessageDispatcher()
	d.Register(protocol.TypeLeaveQueue, func(conn *Connection, msg interface{}) {
		f.mu.Lock()
		f.received = append(f.received, msg)
		f.mu.Unlock()
		Send(conn, protocol.TypeLeft, protocol.LeftMsg{})
	})

	srv, err := NewServer(cfg, nil, d.Dispatch)
	require.NoError(t, err)
	srv.SetOnDisconnect(func(id string) {
		f.mu.Lock()
		f.disconnected = append(f.disconnected, id)
		f.mu.Unlock()
	})
	srv.SetHealth(func() map[string]int { return map[string]int{"queued": 3, "sessions": 1} })
	srv.startedAt = time.Now()
	go srv.startEventLoop()

	f.srv = srv
	f.http = httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		f.http.Close()
		_ = srv.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) dial(t *testing.T) (*testClient, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{conn: conn, rw: conn}
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	hello := c.read(t)
	require.Equal(t, protocol.TypeSessionCreated, hello["type"])
	id, _ := hello["participant_id"].(string)
	require.NotEmpty(t, id)
	return c, id
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Hour, Timeout: time.Hour}
	return cfg
}

func TestServer_SessionCreatedAndPing(t *testing.T) {
	f := newFixture(t, testConfig())
	c, _ := f.dial(t)

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])
}

func TestServer_DispatchesRegisteredHandler(t *testing.T) {
	f := newFixture(t, testConfig())
	c, _ := f.dial(t)

	c.send(t, `{"type":"leave_queue"}`)
	assert.Equal(t, protocol.TypeLeft, c.read(t)["type"])

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.received, 1)
	assert.IsType(t, protocol.LeaveQueueMsg{}, f.received[0])
}

func TestServer_ErrorResponses(t *testing.T) {
	f := newFixture(t, testConfig())
	c, _ := f.dial(t)

	cases := []struct {
		name string
		msg  string
		code string
	}{
		{"malformed json", `{nope`, protocol.CodeParseError},
		{"unknown type", `{"type":"teleport"}`, protocol.CodeUnsupportedType},
		{"known but unhandled", `{"type":"skip"}`, protocol.CodeUnsupportedType},
		{"invalid payload", `{"type":"webrtc:offer","session_id":"nope","sdp":"v=0"}`, protocol.CodeInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c.send(t, tc.msg)
			resp := c.read(t)
			assert.Equal(t, protocol.TypeError, resp["type"])
			assert.Equal(t, tc.code, resp["code"])
		})
	}
}

func TestServer_RateLimitsMessages(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRate = 0.001
	cfg.MessageBurst = 1
	f := newFixture(t, cfg)
	c, _ := f.dial(t)

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])

	c.send(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypeRateLimited, c.read(t)["type"])
}

func TestServer_DisconnectCallback(t *testing.T) {
	f := newFixture(t, testConfig())
	c, id := f.dial(t)
	require.Equal(t, 1, f.srv.Connections().Count())

	_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.disconnected) == 1 && f.disconnected[0] == id
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.srv.Connections().Count())

	err := f.srv.SendMessage(id, []byte(`{}`))
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, testConfig())
	f.dial(t)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["connections"])
	assert.EqualValues(t, 3, body["queued"])
	assert.EqualValues(t, 1, body["sessions"])
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, testConfig())

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "whisper_connections_total")
}

package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/events"
	"github.com/xkilldash9x/autoreg/internal/orchestrator"
)

// -- Mock Implementations for Testing --

type fakeController struct {
	mu   sync.Mutex
	cmds []orchestrator.Command
	err  error
}

func (f *fakeController) Dispatch(cmd orchestrator.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeController) Snapshot() schemas.RunSnapshot {
	return schemas.RunSnapshot{
		RunID: "run-1",
		Mode:  schemas.ModeRunning,
		Stats: schemas.Stats{Total: 2, Processed: 1, Success: 1, Pending: 1},
	}
}

func (f *fakeController) received() []orchestrator.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Command(nil), f.cmds...)
}

// -- Helpers --

const testSecret = "s3cret-for-tests"

func newTestServer(t *testing.T, secret string) (*Server, *fakeController, *events.Bus) {
	t.Helper()
	ctrl := &fakeController{}
	bus := events.NewBus(zaptest.NewLogger(t), 64)
	t.Cleanup(bus.Shutdown)
	s, err := NewServer(config.ControlConfig{ListenAddr: "127.0.0.1:0", AuthSecret: secret}, ctrl, bus, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, ctrl, bus
}

func do(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) CommandResponse {
	t.Helper()
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

// -- Test Cases --

func TestNewServer_NilDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, 1)
	defer bus.Shutdown()

	_, err := NewServer(config.ControlConfig{}, nil, bus, logger)
	assert.Error(t, err)
	_, err = NewServer(config.ControlConfig{}, &fakeController{}, nil, logger)
	assert.Error(t, err)
	_, err = NewServer(config.ControlConfig{}, &fakeController{}, bus, nil)
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	s, _, _ := newTestServer(t, testSecret)
	rec := do(s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is never authenticated")
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleCommand(t *testing.T) {
	t.Run("startRun is accepted and dispatched", func(t *testing.T) {
		s, ctrl, _ := newTestServer(t, "")
		rec := do(s, http.MethodPost, "/api/v1/command",
			`{"command":"startRun","params":{"events":[{"title":"Meetup","url":"https://x/meetup"}]}}`, "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		resp := decode(t, rec)
		assert.Equal(t, "accepted", resp.Status)
		assert.Equal(t, map[string]interface{}{"command": "startRun"}, resp.Data)

		cmds := ctrl.received()
		require.Len(t, cmds, 1)
		start, ok := cmds[0].(orchestrator.StartRun)
		require.True(t, ok)
		assert.Equal(t, "https://x/meetup", start.Events[0].URL)
	})

	t.Run("parameterless commands", func(t *testing.T) {
		s, ctrl, _ := newTestServer(t, "")
		for _, name := range []string{"pause", "resume", "stop"} {
			rec := do(s, http.MethodPost, "/api/v1/command", `{"command":"`+name+`"}`, "")
			assert.Equal(t, http.StatusAccepted, rec.Code, name)
		}
		assert.Equal(t, []orchestrator.Command{orchestrator.Pause{}, orchestrator.Resume{}, orchestrator.Stop{}}, ctrl.received())
	})

	t.Run("rejections", func(t *testing.T) {
		s, ctrl, _ := newTestServer(t, "")

		rec := do(s, http.MethodPost, "/api/v1/command", `{not json`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode(t, rec).Error, "Invalid request body")

		rec = do(s, http.MethodPost, "/api/v1/command", `{"command":"reboot"}`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode(t, rec).Error, "unknown command")

		rec = do(s, http.MethodPost, "/api/v1/command", `{"command":"startRun"}`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, ctrl.received())
	})

	t.Run("orchestrator unavailable", func(t *testing.T) {
		s, ctrl, _ := newTestServer(t, "")
		ctrl.err = orchestrator.ErrBusy
		rec := do(s, http.MethodPost, "/api/v1/command", `{"command":"pause"}`, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		ctrl.err = errors.New("boom")
		rec = do(s, http.MethodPost, "/api/v1/command", `{"command":"pause"}`, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestHandleState(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(s, http.MethodGet, "/api/v1/state", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string               `json:"status"`
		Data   schemas.RunSnapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "run-1", resp.Data.RunID)
	assert.Equal(t, schemas.ModeRunning, resp.Data.Mode)
	assert.True(t, resp.Data.Stats.Consistent())
}

func TestAuthMiddleware(t *testing.T) {
	s, ctrl, _ := newTestServer(t, testSecret)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong secret", signToken(t, jwt.SigningMethodHS256, "other-secret"), http.StatusUnauthorized},
		{"wrong algorithm", signToken(t, jwt.SigningMethodHS384, testSecret), http.StatusUnauthorized},
		{"garbage", "not.a.jwt", http.StatusUnauthorized},
		{"valid", signToken(t, jwt.SigningMethodHS256, testSecret), http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/api/v1/command", `{"command":"stop"}`, tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Len(t, ctrl.received(), 1)

	rec := do(s, http.MethodGet, "/api/v1/state?access_token="+signToken(t, jwt.SigningMethodHS256, testSecret), "", "")
	assert.Equal(t, http.StatusOK, rec.Code, "query token is accepted")
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, testSecret)
	rec := do(s, http.MethodOptions, "/api/v1/command", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// -- WebSocket --

type wsEnvelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Data      struct {
		Type    events.Type            `json:"type"`
		Payload map[string]interface{} `json:"payload"`
		Command string                 `json:"command"`
		Error   string                 `json:"error"`
	} `json:"data"`
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/events" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

// readUntil skips messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg wsEnvelope
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestEventStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// Server goroutines may log after the test returns, so no zaptest here.
	ctrl := &fakeController{}
	bus := events.NewBus(zap.NewNop(), 64)
	s, err := NewServer(config.ControlConfig{}, ctrl, bus, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := dialEvents(t, ts, "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	t.Run("bus events are streamed", func(t *testing.T) {
		bus.Log(events.LevelInfo, "Run started with 2 events")
		msg := readUntil(t, conn, MsgTypeEvent)
		assert.Equal(t, events.TypeLog, msg.Data.Type)
		assert.Equal(t, "Run started with 2 events", msg.Data.Payload["text"])
	})

	t.Run("commands are dispatched and acknowledged", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "Command", "request_id": "req-1", "data": map[string]string{"command": "pause"},
		}))
		msg := readUntil(t, conn, MsgTypeCommandAck)
		assert.Equal(t, "req-1", msg.RequestID)
		assert.Equal(t, "pause", msg.Data.Command)
		assert.Equal(t, []orchestrator.Command{orchestrator.Pause{}}, ctrl.received())
	})

	t.Run("bad messages get an error", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "Command", "request_id": "req-2", "data": map[string]string{"command": "reboot"}}))
		msg := readUntil(t, conn, MsgTypeSystemError)
		assert.Equal(t, "req-2", msg.RequestID)
		assert.Contains(t, msg.Data.Error, "unknown command")

		require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "UserPrompt", "request_id": "req-3"}))
		msg = readUntil(t, conn, MsgTypeSystemError)
		assert.Equal(t, "req-3", msg.RequestID)
	})

	t.Run("bus shutdown closes the stream", func(t *testing.T) {
		bus.Shutdown()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var err error
		for err == nil {
			var msg wsEnvelope
			err = conn.ReadJSON(&msg)
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	})
}

func TestEventStream_RequiresToken(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), 8)
	defer bus.Shutdown()
	s, err := NewServer(config.ControlConfig{AuthSecret: testSecret}, &fakeController{}, bus, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, resp, err := dialEvents(t, ts, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dialEvents(t, ts, "?access_token="+signToken(t, jwt.SigningMethodHS256, testSecret))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeListener_ShutsDownOnCancel(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeListener(ctx, ln) }()

	client := &http.Client{Timeout: 2 * time.Second}
	defer client.CloseIdleConnections()
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

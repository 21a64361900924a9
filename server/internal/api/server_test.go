package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/config"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/orchestrator"
	"chickmaster/server/internal/script"
	"chickmaster/server/internal/session"
	"chickmaster/server/internal/timeline"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	chars := catalog.New()
	scripts := script.New(chars, nil, nil)
	registry := session.NewRegistry(cfg, orchestrator.Deps{
		Scripts:    scripts,
		Characters: chars,
		Timeline:   timeline.NewInMemoryStore(0),
		Rand:       func() float64 { return 0 },
	})
	srv := httptest.NewServer(NewServer(&cfg, registry, scripts, chars, nil).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = registry.Close()
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestDialogueLifecycle(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/surfaces/default"

	resp, body := doJSON(t, http.MethodPost, base+"/dialogue/start", map[string]any{"key": "welcome"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isActive"])

	resp, _ = doJSON(t, http.MethodPost, base+"/dialogue/finish-line", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, base+"/frame", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["dialog_visible"])
	assert.Equal(t, false, body["typing"])

	resp, _ = doJSON(t, http.MethodPost, base+"/dialogue/continue", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, base+"/dialogue/skip", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool {
		_, body := doJSON(t, http.MethodGet, base+"/dialogue/status", nil)
		return body["isActive"] == false
	}, 3*time.Second, 20*time.Millisecond)

	resp, body = doJSON(t, http.MethodGet, base+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	assert.GreaterOrEqual(t, len(events), 3)

	resp, body = doJSON(t, http.MethodGet, base+"/history?after=1000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["events"])
}

func TestRetriedCommandRunsOnce(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/surfaces/default"

	post := func(path, eventID string, body any) int {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(eventIDHeader, eventID)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, post("/dialogue/start", "start-1", map[string]any{"key": "welcome"}))
	require.Equal(t, http.StatusOK, post("/dialogue/start", "start-1", map[string]any{"key": "welcome"}))
	require.Equal(t, http.StatusOK, post("/dialogue/continue", "next-1", nil))
	require.Equal(t, http.StatusOK, post("/dialogue/continue", "next-1", nil))

	_, body := doJSON(t, http.MethodGet, base+"/dialogue/status", nil)
	status := body["status"].(map[string]any)
	assert.EqualValues(t, 1, status["sessions_played"])
	assert.EqualValues(t, 1, status["line_index"])
	assert.EqualValues(t, 2, status["lines_shown"])
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/surfaces/default"

	resp, body := doJSON(t, http.MethodPost, base+"/dialogue/start", map[string]any{"key": "unknown_key"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = doJSON(t, http.MethodPost, base+"/dialogue/start", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, base+"/dialogue/continue", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "STATE_ERROR", body["code"])

	resp, _ = doJSON(t, http.MethodGet, base+"/history?after=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/surfaces/bad%20id/frame", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base+"/snapshots", "[1,2]")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotsFireTriggers(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/surfaces/default"

	var firedAt []int
	for i, m := range []int{50000, 50000, 20000, 20000, 40000, 10000} {
		resp, body := doJSON(t, http.MethodPost, base+"/snapshots", map[string]any{"game_state": map[string]any{"money": m}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if len(body["fired"].([]any)) > 0 {
			firedAt = append(firedAt, i)
		}
	}
	assert.Equal(t, []int{2, 5}, firedAt)
}

func TestRegisterScriptAndCharacter(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/surfaces/default"

	resp, _ := doJSON(t, http.MethodPut, base+"/characters/chef", map[string]any{
		"name": "Chef", "avatar": "chef_small.png", "images": map[string]string{"default": "chef.png"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, base+"/scripts/chef_intro", map[string]any{
		"lines": []map[string]string{{"speaker": "chef", "position": "right", "text": "hello"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/scripts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["keys"], "chef_intro")

	resp, _ = doJSON(t, http.MethodPost, base+"/dialogue/start", map[string]any{"key": "chef_intro"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, frame := doJSON(t, http.MethodGet, base+"/frame", nil)
	slots := frame["slots"].([]any)
	right := slots[model.SlotRight].(map[string]any)
	assert.Equal(t, "chef.png", right["image"])

	resp, _ = doJSON(t, http.MethodPut, base+"/scripts/broken", map[string]any{"lines": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActionsAndScene(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/surfaces/default"

	resp, body := doJSON(t, http.MethodPost, base+"/actions", map[string]any{"action_type": "price_change"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["scheduled"])

	resp, _ = doJSON(t, http.MethodPost, base+"/actions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, base+"/scene", map[string]any{"location": "치킨집", "time_info": "Day 2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Day 2", body["time_info"])

	resp, _ = doJSON(t, http.MethodPost, base+"/triggers/reset", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/surfaces/default/dialogue/start", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestStreamPushesFramesAndAcceptsControls(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/surfaces/default/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MessageFrame })
	require.NotNil(t, first.Frame)
	assert.False(t, first.Frame.DialogVisible)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageStart, Key: "welcome"}))
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MessageFrame && m.Frame.DialogVisible })

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageSkip}))
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MessageFrame && !m.Frame.DialogVisible })

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "dance", EventID: "e1"}))
	errMsg := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MessageError })
	assert.Equal(t, "e1", errMsg.EventID)
	assert.Equal(t, "VALIDATION_ERROR", errMsg.Code)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessagePing}))
	pong := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MessagePong })
	require.NotNil(t, pong.Status)
	assert.Equal(t, "default", pong.Status.SurfaceID)
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/recall/internal/brain"
	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/controller"
	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/session"
)

type testEnv struct {
	ts       *httptest.Server
	srv      *Server
	sessions *session.Manager
	store    *conversation.InMemoryStore
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	if cfg.DefaultUserID == "" {
		cfg.DefaultUserID = "anonymous"
	}
	sessions := session.NewManager(2 * time.Minute)
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	store := conversation.NewInMemoryStore()
	svc := controller.NewService(controller.Deps{
		Store:     store,
		Generator: brain.NewMockAdapter(),
		Sessions:  sessions,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	}, controller.Options{})

	srv := New(cfg, sessions, svc, metrics, zerolog.Nop(), Info{Store: "memory", Generator: "mock", Embedder: "hash"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, srv: srv, sessions: sessions, store: store}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial %s error = %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// readUntilComplete collects streamed content up to the complete event.
func readUntilComplete(t *testing.T, conn *websocket.Conn) (string, int) {
	t.Helper()
	var text strings.Builder
	for {
		ev := readEvent(t, conn)
		switch ev["type"] {
		case "stream":
			text.WriteString(ev["content"].(string))
		case "complete":
			return text.String(), int(ev["messageCount"].(float64))
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
}

func TestChatOverWebSocket(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := dial(t, env.wsURL("/v1/chat/ws?user_id=u1"))

	connected := readEvent(t, conn)
	if connected["type"] != "connected" {
		t.Fatalf("first event type = %v, want connected", connected["type"])
	}
	if connected["userId"] != "u1" {
		t.Fatalf("userId = %v, want u1", connected["userId"])
	}
	if sid, _ := connected["sessionId"].(string); sid == "" {
		t.Fatalf("missing sessionId in %+v", connected)
	}

	for i, msg := range []string{"hi", "how are you"} {
		if err := conn.WriteJSON(map[string]string{"type": "chat", "content": msg}); err != nil {
			t.Fatalf("write chat: %v", err)
		}
		text, count := readUntilComplete(t, conn)
		if want := "I heard you: " + msg; text != want {
			t.Fatalf("streamed = %q, want %q", text, want)
		}
		if count != i+1 {
			t.Fatalf("messageCount = %d, want %d", count, i+1)
		}
	}
}

func TestChatWebSocketUserFromPathAndDefault(t *testing.T) {
	env := newTestEnv(t, config.Config{DefaultUserID: "guest"})

	byPath := dial(t, env.wsURL("/v1/chat/ws/u2?style=concise&topics=jazz,cooking"))
	if got := readEvent(t, byPath)["userId"]; got != "u2" {
		t.Fatalf("path userId = %v, want u2", got)
	}

	byCamel := dial(t, env.wsURL("/v1/chat/ws?userId=u3"))
	if got := readEvent(t, byCamel)["userId"]; got != "u3" {
		t.Fatalf("query userId = %v, want u3", got)
	}

	anonymous := dial(t, env.wsURL("/v1/chat/ws"))
	if got := readEvent(t, anonymous)["userId"]; got != "guest" {
		t.Fatalf("default userId = %v, want guest", got)
	}
}

func TestChatWebSocketMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := dial(t, env.wsURL("/v1/chat/ws?user_id=u1"))
	readEvent(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "error" {
		t.Fatalf("event = %+v, want error", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "chat", "content": "still here"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	if _, count := readUntilComplete(t, conn); count != 1 {
		t.Fatalf("messageCount = %d, want 1", count)
	}
}

func TestInvalidStyleRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	res, err := http.Get(env.ts.URL + "/v1/chat/ws?user_id=u1&style=shouty")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCrossOriginWebSocketRejected(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(env.wsURL("/v1/chat/ws"), header)
	if err == nil {
		t.Fatalf("expected cross-origin dial to fail")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", res)
	}

	open := newTestEnv(t, config.Config{AllowAnyOrigin: true})
	conn, _, err := websocket.DefaultDialer.Dial(open.wsURL("/v1/chat/ws"), header)
	if err != nil {
		t.Fatalf("dial with AllowAnyOrigin error = %v", err)
	}
	_ = conn.Close()
}

func TestListAndEndSession(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := dial(t, env.wsURL("/v1/chat/ws?user_id=u1"))
	sessionID := readEvent(t, conn)["sessionId"].(string)

	res, err := http.Get(env.ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("list sessions error = %v", err)
	}
	var listed struct {
		Sessions []session.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	res.Body.Close()
	if listed.Count != 1 || listed.Sessions[0].ID != sessionID {
		t.Fatalf("listed = %+v, want session %s", listed, sessionID)
	}

	body := bytes.NewReader([]byte(`{"reason":"maintenance"}`))
	endRes, err := http.Post(env.ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", body)
	if err != nil {
		t.Fatalf("end session error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	// The server closes the socket once the conversation ends.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	again, err := http.Post(env.ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("second end error = %v", err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second end status = %d, want %d", again.StatusCode, http.StatusNotFound)
	}
}

func TestHealthReadyAndDraining(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}

	env.srv.SetDraining(true)
	res, err := http.Get(env.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining /readyz status = %d, want 503", res.StatusCode)
	}

	_, wsRes, err := websocket.DefaultDialer.Dial(env.wsURL("/v1/chat/ws"), nil)
	if err == nil || wsRes == nil || wsRes.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining dial err = %v, want 503", err)
	}
}

func TestMetricsAndPerfEndpoints(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := dial(t, env.wsURL("/v1/chat/ws?user_id=u1"))
	readEvent(t, conn)
	if err := conn.WriteJSON(map[string]string{"type": "chat", "content": "hi"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	readUntilComplete(t, conn)

	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	raw, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(raw), "test_httpapi_pipeline_stage_ms") {
		t.Fatalf("metrics output missing stage histogram")
	}

	perfRes, err := http.Get(env.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer perfRes.Body.Close()
	var snap observability.StageSnapshot
	if err := json.NewDecoder(perfRes.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageTurnTotal && st.Samples > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("perf snapshot missing %s samples: %+v", observability.StageTurnTotal, snap.Stages)
	}

	resetRes, err := http.Post(env.ts.URL+"/v1/perf/latency/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/perf/latency/reset error = %v", err)
	}
	defer resetRes.Body.Close()
	if resetRes.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", resetRes.StatusCode)
	}
	var cleared observability.StageSnapshot
	if err := json.NewDecoder(resetRes.Body).Decode(&cleared); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if len(cleared.Stages) != 0 {
		t.Fatalf("stages after reset = %+v, want none", cleared.Stages)
	}
}

func TestConcurrentConnectionsAreIndependent(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	var wg sync.WaitGroup
	errs := make(chan string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("/v1/chat/ws?user_id=shared"), nil)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			var ev map[string]any
			if err := conn.ReadJSON(&ev); err != nil {
				errs <- err.Error()
				return
			}
			for n := 1; n <= 2; n++ {
				if err := conn.WriteJSON(map[string]string{"type": "chat", "content": "ping"}); err != nil {
					errs <- err.Error()
					return
				}
				for {
					if err := conn.ReadJSON(&ev); err != nil {
						errs <- err.Error()
						return
					}
					if ev["type"] == "complete" {
						if int(ev["messageCount"].(float64)) != n {
							errs <- "messageCount crossed sessions"
						}
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("connection failed: %s", e)
	}
}

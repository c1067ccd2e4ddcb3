package wsserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/orchestrator"
	"github.com/stat7verse/backbone/internal/telemetry"
)

func testConfig() config.Config {
	return config.Config{
		TickPeriodMS:          5,
		ControlTickDivisor:    2,
		BufferMax:             100,
		PerSubscriberQueueMax: 16,
		ShutdownGraceMS:       50,
		ConnectionGraceMS:     0,
		MaxConnections:        10,
		MaxFrameBytes:         65536,
	}
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string, deadline time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message waiting for %s: %v", eventType, err)
		}
		var env map[string]any
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if et, _ := env["event_type"].(string); et == eventType {
			return env
		}
	}
}

func TestRegisterPublishAndControlTickOverWS(t *testing.T) {
	cfg := testConfig()
	logger := telemetry.Nop
	metrics := telemetry.NewMetrics()

	hub := NewHub(cfg, logger)
	orch := orchestrator.New(cfg, logger, metrics, hub, nil)
	srv := NewServer(cfg, logger, metrics, orch, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	go orch.Run(ctx)

	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	register := map[string]any{"action": "register_game", "game_id": "tavern", "realm_id": "Golden Dragon"}
	b, _ := json.Marshal(register)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write register: %v", err)
	}
	readUntil(t, conn, "game_registered", 2*time.Second)

	publish := map[string]any{
		"action":         "publish_event",
		"source_game_id": "tavern",
		"event_type":     "announce",
		"data":           map[string]any{"msg": "open"},
	}
	b, _ = json.Marshal(publish)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write publish: %v", err)
	}
	readUntil(t, conn, "cross_game_event", 2*time.Second)
	readUntil(t, conn, "control_tick_complete", 2*time.Second)
}

func TestReplayOnConnectDeliversBufferedEnvelopes(t *testing.T) {
	cfg := testConfig()
	logger := telemetry.Nop
	metrics := telemetry.NewMetrics()

	hub := NewHub(cfg, logger)
	orch := orchestrator.New(cfg, logger, metrics, hub, nil)
	srv := NewServer(cfg, logger, metrics, orch, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	go orch.Run(ctx)

	reply := make(chan orchestrator.Response, 1)
	_ = orch.Submit(ctx, orchestrator.Request{
		Kind:     orchestrator.CmdRegisterGame,
		Register: orchestrator.RegisterGameInput{GameID: "tavern", RealmID: "Golden Dragon"},
		Reply:    reply,
	})
	<-reply

	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	readUntil(t, conn, "game_registered", 2*time.Second)
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tasktide/collab/internal/realtime"
)

func startRealtimeServer(t *testing.T) (*realtime.Core, *httptest.Server) {
	t.Helper()
	core := newTestCore(t)
	handler := newTestHandler(t, core, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go core.Run(ctx)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return core, server
}

func dialWebsocket(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	socket, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	t.Cleanup(func() { socket.Close() })
	return socket
}

func sendFrame(t *testing.T, socket *websocket.Conn, frame string) {
	t.Helper()
	if err := socket.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
}

func readFrame(t *testing.T, socket *websocket.Conn) map[string]any {
	t.Helper()
	socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := socket.ReadMessage()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unexpected frame decode error: %v", err)
	}
	return frame
}

func joinWorkspace(t *testing.T, socket *websocket.Conn, token, workspaceID string) {
	t.Helper()
	sendFrame(t, socket, fmt.Sprintf(`{"type":"auth","token":%q}`, token))
	sendFrame(t, socket, fmt.Sprintf(`{"type":"join","workspaceId":%q}`, workspaceID))
}

func TestWebsocketHeartbeatRoundTrip(t *testing.T) {
	_, server := startRealtimeServer(t)
	socket := dialWebsocket(t, server)

	joinWorkspace(t, socket, "token-a", "ws-1")
	sendFrame(t, socket, `{"type":"heartbeat"}`)

	frame := readFrame(t, socket)
	if frame["type"] != "heartbeat_ack" {
		t.Fatalf("expected heartbeat_ack, got %v", frame)
	}
}

func TestWebsocketRejectsUnauthenticatedTraffic(t *testing.T) {
	_, server := startRealtimeServer(t)
	socket := dialWebsocket(t, server)

	sendFrame(t, socket, `{"type":"heartbeat"}`)
	frame := readFrame(t, socket)
	if frame["type"] != "error" {
		t.Fatalf("expected error notice, got %v", frame)
	}

	// The server tears the transport down after the protocol violation.
	socket.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := socket.ReadMessage(); err == nil {
		t.Fatal("expected closed transport after protocol violation")
	}
}

func TestWebsocketMutationFansOutToPeers(t *testing.T) {
	_, server := startRealtimeServer(t)
	actor := dialWebsocket(t, server)
	peer := dialWebsocket(t, server)

	joinWorkspace(t, actor, "token-a", "ws-1")
	joinWorkspace(t, peer, "token-b", "ws-1")

	// The peer may first observe the actor's presence transition; skip
	// non-domain frames until the mutation broadcast arrives.
	sendFrame(t, actor, `{"type":"mutate","entityId":"task-1","baseVersion":0,"eventType":"task:updated","payload":{"title":"ship it"}}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("expected task:updated at peer before deadline")
		}
		frame := readFrame(t, peer)
		if frame["type"] == "presence:update" {
			continue
		}
		if frame["type"] != "task:updated" {
			t.Fatalf("unexpected frame at peer: %v", frame)
		}
		if frame["sequence"] == nil || frame["actorId"] != "user-a" {
			t.Fatalf("unexpected broadcast envelope: %v", frame)
		}
		break
	}
}

func TestWebsocketConflictReachesOnlyLosingActor(t *testing.T) {
	_, server := startRealtimeServer(t)
	winner := dialWebsocket(t, server)
	loser := dialWebsocket(t, server)

	joinWorkspace(t, winner, "token-a", "ws-1")
	joinWorkspace(t, loser, "token-b", "ws-1")

	sendFrame(t, winner, `{"type":"mutate","entityId":"task-1","baseVersion":0,"payload":{"title":"mine"}}`)
	sendFrame(t, loser, `{"type":"mutate","entityId":"task-1","baseVersion":0,"payload":{"title":"theirs"}}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("expected conflict:detected at loser before deadline")
		}
		frame := readFrame(t, loser)
		switch frame["type"] {
		case "presence:update", "task:updated":
			continue
		case "conflict:detected":
			if frame["currentVersion"] != float64(1) {
				t.Fatalf("unexpected conflict frame: %v", frame)
			}
			return
		default:
			t.Fatalf("unexpected frame at loser: %v", frame)
		}
	}
}

func TestWebsocketResyncReplaysHistory(t *testing.T) {
	core, server := startRealtimeServer(t)
	socket := dialWebsocket(t, server)
	joinWorkspace(t, socket, "token-a", "ws-1")

	for i := 0; i < 3; i++ {
		if _, err := core.PublishEvent("ws-1", realtime.EventTaskCreated, nil, "", "user-z"); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}

	sendFrame(t, socket, `{"type":"resync","sinceSequence":0}`)

	seen := map[float64]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected full replay, saw %v", seen)
		}
		frame := readFrame(t, socket)
		if frame["type"] != "task:created" {
			continue
		}
		if sequence, ok := frame["sequence"].(float64); ok {
			seen[sequence] = true
		}
	}
	for want := float64(1); want <= 3; want++ {
		if !seen[want] {
			t.Fatalf("missing sequence %v in replay, saw %v", want, seen)
		}
	}
}

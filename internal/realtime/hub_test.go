package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestHub(history *History) *Hub {
	return NewHub(HubConfig{History: history})
}

func testConn(id, userID string) *Connection {
	return newConnection(id, userID, 16, time.Now())
}

func drainFrames(conn *Connection) []wireEvent {
	var frames []wireEvent
	for {
		select {
		case raw := <-conn.Outbound():
			var frame wireEvent
			if err := json.Unmarshal(raw, &frame); err == nil {
				frames = append(frames, frame)
			}
		default:
			return frames
		}
	}
}

func TestBroadcastDeliversToRoomExceptOriginator(t *testing.T) {
	hub := newTestHub(nil)
	origin := testConn("conn-a", "user-a")
	other := testConn("conn-b", "user-b")
	hub.Join("ws-1", origin)
	hub.Join("ws-1", other)

	event, err := hub.Broadcast("ws-1", EventTaskCreated, json.RawMessage(`{"taskId":"t-1"}`), "conn-a", "user-a")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}
	if event.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", event.Sequence)
	}

	if frames := drainFrames(origin); len(frames) != 0 {
		t.Fatalf("originator must not receive its own event, got %d frames", len(frames))
	}
	frames := drainFrames(other)
	if len(frames) != 1 {
		t.Fatalf("expected one delivered frame, got %d", len(frames))
	}
	if frames[0].Type != string(EventTaskCreated) || frames[0].Sequence != 1 {
		t.Fatalf("unexpected frame: %+v", frames[0])
	}
	if frames[0].ActorID != "user-a" {
		t.Fatalf("expected actor user-a, got %s", frames[0].ActorID)
	}
	if _, err := time.Parse(time.RFC3339Nano, frames[0].Timestamp); err != nil {
		t.Fatalf("expected ISO-8601 timestamp, got %q", frames[0].Timestamp)
	}
}

func TestBroadcastIsolatedByWorkspace(t *testing.T) {
	hub := newTestHub(nil)
	inRoom := testConn("conn-a", "user-a")
	elsewhere := testConn("conn-b", "user-b")
	hub.Join("ws-1", inRoom)
	hub.Join("ws-2", elsewhere)

	if _, err := hub.Broadcast("ws-1", EventTaskUpdated, nil, "", "user-c"); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	if frames := drainFrames(elsewhere); len(frames) != 0 {
		t.Fatalf("connection in ws-2 must not observe ws-1 events, got %d", len(frames))
	}
	if frames := drainFrames(inRoom); len(frames) != 1 {
		t.Fatalf("expected delivery in ws-1, got %d", len(frames))
	}
}

func TestRoomDestroyedOnLastLeave(t *testing.T) {
	hub := newTestHub(nil)
	conn := testConn("conn-a", "user-a")
	hub.Join("ws-1", conn)
	if size := hub.RoomSize("ws-1"); size != 1 {
		t.Fatalf("expected room size 1, got %d", size)
	}

	hub.Leave("ws-1", conn)
	if size := hub.RoomSize("ws-1"); size != 0 {
		t.Fatalf("expected destroyed room, got size %d", size)
	}

	// Broadcast after the last member left is delivered to nobody.
	if _, err := hub.Broadcast("ws-1", EventTaskUpdated, nil, "", "user-a"); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}
	if frames := drainFrames(conn); len(frames) != 0 {
		t.Fatalf("expected no delivery after leave, got %d", len(frames))
	}
}

func TestSequenceSurvivesRoomDestruction(t *testing.T) {
	hub := newTestHub(nil)
	conn := testConn("conn-a", "user-a")
	hub.Join("ws-1", conn)

	first, err := hub.Broadcast("ws-1", EventTaskCreated, nil, "", "user-b")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}
	hub.Leave("ws-1", conn)

	// Sequenced while no room is live, then again after recreation.
	second, err := hub.Broadcast("ws-1", EventTaskUpdated, nil, "", "user-b")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}
	rejoined := testConn("conn-b", "user-a")
	hub.Join("ws-1", rejoined)
	third, err := hub.Broadcast("ws-1", EventTaskCompleted, nil, "", "user-b")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	if first.Sequence != 1 || second.Sequence != 2 || third.Sequence != 3 {
		t.Fatalf("expected gapless sequences 1,2,3 got %d,%d,%d", first.Sequence, second.Sequence, third.Sequence)
	}
}

func TestBroadcastRecordsHistoryWithoutRoom(t *testing.T) {
	history := NewHistory(10, time.Hour, nil)
	hub := newTestHub(history)

	if _, err := hub.Broadcast("ws-1", EventTaskCreated, nil, "", "user-a"); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}
	missed, err := history.Since("ws-1", 0)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(missed) != 1 || missed[0].Sequence != 1 {
		t.Fatalf("expected recorded event seq 1, got %+v", missed)
	}
}

func TestMembersCollapsesDuplicateUsers(t *testing.T) {
	hub := newTestHub(nil)
	hub.Join("ws-1", testConn("tab-1", "user-a"))
	hub.Join("ws-1", testConn("tab-2", "user-a"))
	hub.Join("ws-1", testConn("conn-3", "user-b"))

	members := hub.Members("ws-1")
	if len(members) != 2 || members[0] != "user-a" || members[1] != "user-b" {
		t.Fatalf("unexpected members: %v", members)
	}
}

func TestFailedDeliveryMarksSuspectAndContinues(t *testing.T) {
	hub := newTestHub(nil)
	// Buffer of one fills after a single undrained event.
	slow := newConnection("slow", "user-a", 1, time.Now())
	healthy := testConn("healthy", "user-b")
	hub.Join("ws-1", slow)
	hub.Join("ws-1", healthy)

	for i := 0; i < 2; i++ {
		if _, err := hub.Broadcast("ws-1", EventTaskUpdated, nil, "", "user-c"); err != nil {
			t.Fatalf("unexpected broadcast error: %v", err)
		}
	}

	if frames := drainFrames(healthy); len(frames) != 2 {
		t.Fatalf("slow consumer must not block others, got %d frames", len(frames))
	}
	if !slow.deadAt(time.Now().Add(time.Second), time.Hour) {
		t.Fatal("expected slow connection flagged for liveness re-check")
	}
}

func TestJoinLeavePublishMembershipChanges(t *testing.T) {
	hub := newTestHub(nil)
	conn := testConn("conn-a", "user-a")
	hub.Join("ws-1", conn)
	hub.Leave("ws-1", conn)

	joined := <-hub.Notifications()
	if !joined.Joined || joined.UserID != "user-a" || joined.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected join change: %+v", joined)
	}
	left := <-hub.Notifications()
	if left.Joined || left.ConnectionID != "conn-a" {
		t.Fatalf("unexpected leave change: %+v", left)
	}
}

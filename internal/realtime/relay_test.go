package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestRelayBroadcasterPostsEmitRequests(t *testing.T) {
	var mu sync.Mutex
	var got []EmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/realtime/emit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(RelayHeader) != "secret" {
			t.Errorf("missing relay token header")
		}
		var req EmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode emit request: %v", err)
		}
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	relay := NewRelayBroadcaster(server.URL, "secret")
	relay.ToRoom(RoomKey{Type: "task", ID: "t1"}, "message:new", map[string]string{"id": "m1"}, "u1")
	relay.ToUser("u2", "notification:new", map[string]string{"id": "n1"})
	relay.ToAll("progress:task:updated", map[string]float64{"progress": 50})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 emits, got %d", len(got))
	}
	if got[0].Kind != "room" || got[0].RoomType != "task" || got[0].RoomID != "t1" || got[0].ExcludeUserID != "u1" {
		t.Fatalf("unexpected room emit: %+v", got[0])
	}
	if got[1].Kind != "user" || got[1].UserID != "u2" || got[1].Event != "notification:new" {
		t.Fatalf("unexpected user emit: %+v", got[1])
	}
	if got[2].Kind != "all" || got[2].Event != "progress:task:updated" {
		t.Fatalf("unexpected all emit: %+v", got[2])
	}
}

// Relayed requests replay onto this node's registry exactly like a local
// emission: room delivery honors membership and the exclusion.
func TestEmitReplaysThroughLocalRegistry(t *testing.T) {
	registry := NewRegistry()
	local := NewLocalBroadcaster(registry)

	member := testConn("u1")
	excluded := testConn("u2")
	registry.Attach(member)
	registry.Attach(excluded)
	room := RoomKey{Type: "study", ID: "s1"}
	registry.Join(room, member)
	registry.Join(room, excluded)

	err := Emit(local, EmitRequest{
		Kind:          "room",
		RoomType:      "study",
		RoomID:        "s1",
		ExcludeUserID: "u2",
		Event:         "message:new",
		Data:          json.RawMessage(`{"id":"m1"}`),
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := len(drain(member)); got != 1 {
		t.Fatalf("member should receive the replayed event, got %d frames", got)
	}
	if got := len(drain(excluded)); got != 0 {
		t.Fatalf("excluded user must not receive the replayed event, got %d frames", got)
	}

	if err := Emit(local, EmitRequest{Kind: "teleport", Event: "x"}); err == nil {
		t.Fatalf("unknown kind should error")
	}
}

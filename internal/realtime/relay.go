package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// RelayHeader authenticates emit requests between nodes.
const RelayHeader = "X-Labhub-Relay-Token"

// EmitRequest is the relay wire format. A secondary process posts these to
// the authoritative node, which replays them through its local registry.
type EmitRequest struct {
	Kind          string          `json:"kind"` // "room", "user", or "all"
	RoomType      string          `json:"roomType,omitempty"`
	RoomID        string          `json:"roomId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
}

// RelayBroadcaster forwards emissions to the process that owns the
// connection registry. This is an explicit degraded mode for a second
// process, not a peer-to-peer fan-out: the primary stays the single point
// of coordination, and events are lost if it is unreachable.
type RelayBroadcaster struct {
	primaryURL string
	token      string
	client     *http.Client
}

func NewRelayBroadcaster(primaryURL, token string) *RelayBroadcaster {
	return &RelayBroadcaster{
		primaryURL: primaryURL,
		token:      token,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (b *RelayBroadcaster) ToRoom(room RoomKey, event string, data any, excludeUserID string) {
	b.post(EmitRequest{Kind: "room", RoomType: room.Type, RoomID: room.ID, ExcludeUserID: excludeUserID, Event: event}, data)
}

func (b *RelayBroadcaster) ToUser(userID string, event string, data any) {
	b.post(EmitRequest{Kind: "user", UserID: userID, Event: event}, data)
}

func (b *RelayBroadcaster) ToAll(event string, data any) {
	b.post(EmitRequest{Kind: "all", Event: event}, data)
}

func (b *RelayBroadcaster) post(req EmitRequest, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("relay marshal %s: %v", req.Event, err)
		return
	}
	req.Data = raw

	body, err := json.Marshal(req)
	if err != nil {
		log.Printf("relay marshal %s: %v", req.Event, err)
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, b.primaryURL+"/api/internal/realtime/emit", bytes.NewReader(body))
	if err != nil {
		log.Printf("relay request %s: %v", req.Event, err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RelayHeader, b.token)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		log.Printf("relay emit %s: %v", req.Event, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("relay emit %s: %v", req.Event, fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Emit replays a relayed request through the local broadcaster. Used by
// the authoritative node's receive endpoint.
func Emit(b Broadcaster, req EmitRequest) error {
	switch req.Kind {
	case "room":
		b.ToRoom(RoomKey{Type: req.RoomType, ID: req.RoomID}, req.Event, req.Data, req.ExcludeUserID)
	case "user":
		b.ToUser(req.UserID, req.Event, req.Data)
	case "all":
		b.ToAll(req.Event, req.Data)
	default:
		return fmt.Errorf("unknown emit kind %q", req.Kind)
	}
	return nil
}

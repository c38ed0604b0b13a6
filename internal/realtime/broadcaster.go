package realtime

import (
	"encoding/json"
	"log"
)

// Envelope is the wire shape of every server-to-client event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Broadcaster is the single emission surface injected into every component
// that produces realtime events. One implementation writes to the local
// registry; the other relays to the authoritative process over HTTP when
// this process does not hold the connection table.
type Broadcaster interface {
	// ToRoom delivers the event to the room's current members, skipping
	// excludeUserID when non-empty.
	ToRoom(room RoomKey, event string, data any, excludeUserID string)
	// ToUser delivers the event to every connection of one user,
	// independent of room membership.
	ToUser(userID string, event string, data any)
	// ToAll delivers the event to every connection.
	ToAll(event string, data any)
}

// LocalBroadcaster emits through the in-process registry.
type LocalBroadcaster struct {
	registry *Registry
}

func NewLocalBroadcaster(registry *Registry) *LocalBroadcaster {
	return &LocalBroadcaster{registry: registry}
}

func (b *LocalBroadcaster) ToRoom(room RoomKey, event string, data any, excludeUserID string) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("broadcast marshal %s: %v", event, err)
		return
	}
	b.registry.Broadcast(room, payload, excludeUserID)
}

func (b *LocalBroadcaster) ToUser(userID string, event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("broadcast marshal %s: %v", event, err)
		return
	}
	b.registry.NotifyUser(userID, payload)
}

func (b *LocalBroadcaster) ToAll(event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("broadcast marshal %s: %v", event, err)
		return
	}
	b.registry.BroadcastAll(payload)
}

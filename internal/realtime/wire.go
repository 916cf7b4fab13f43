package realtime

import (
	"strconv"

	"github.com/activebrainatlas/statelink/internal/session"
)

// Wire message kinds shared by the websocket channel client and the
// relay server.
const (
	KindHello          = "hello"
	KindDocument       = "document"
	KindPresence       = "presence"
	KindPresenceSet    = "presence_set"
	KindPresenceRemove = "presence_remove"
)

// WireMessage is the JSON frame exchanged over the relay websocket.
// Presence maps are keyed by decimal user id, since JSON object keys
// are strings.
type WireMessage struct {
	Kind     string                   `json:"kind"`
	Record   *session.Record          `json:"record,omitempty"`
	Presence map[string]PresenceEntry `json:"presence,omitempty"`
	UserID   int64                    `json:"user_id,omitempty"`
	Entry    *PresenceEntry           `json:"entry,omitempty"`
}

func EncodePresenceMap(entries map[int64]PresenceEntry) map[string]PresenceEntry {
	encoded := make(map[string]PresenceEntry, len(entries))
	for userID, entry := range entries {
		encoded[strconv.FormatInt(userID, 10)] = entry
	}
	return encoded
}

func DecodePresenceMap(encoded map[string]PresenceEntry) map[int64]PresenceEntry {
	entries := make(map[int64]PresenceEntry, len(encoded))
	for key, entry := range encoded {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		entries[userID] = entry
	}
	return entries
}

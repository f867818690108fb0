package sse

import "github.com/c0deZ3R0/docsync/cursor"

// Event names on the stream.
//
// A resync event is sent when a client connects and whenever the server had
// to drop notifications for a slow client. The client answers it with a
// pull, which covers whatever it missed.
const (
	EventChange = "change"
	EventResync = "resync"
)

// notificationPayload is the data of a change event.
type notificationPayload struct {
	Checkpoint  *cursor.WireCursor `json:"checkpoint,omitempty"`
	DocumentIDs []string           `json:"documentIds,omitempty"`
}

package httptransport

import (
	"github.com/c0deZ3R0/docsync/cursor"
	"github.com/c0deZ3R0/docsync/synckit"
)

// PushRequest is the body of POST /push.
type PushRequest struct {
	Rows []synckit.WriteRow `json:"rows"`
}

// PushResponse lists the rejected rows. It is empty when every row was
// accepted.
type PushResponse struct {
	Errors []synckit.WriteError `json:"errors"`
}

// PullResponse is the body returned by GET /pull.
type PullResponse struct {
	Documents  []synckit.DocumentState `json:"documents"`
	Checkpoint *cursor.WireCursor      `json:"checkpoint,omitempty"`
}

// Query parameters of GET /pull. The checkpoint is the JSON form of a
// cursor.WireCursor; absent means from the beginning.
const (
	paramCheckpoint = "checkpoint"
	paramLimit      = "limit"
)

package websocket

import (
	"encoding/json"

	"github.com/c0deZ3R0/docsync/cursor"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Methods a client may call.
const (
	MethodPull   = "pull"
	MethodPush   = "push"
	MethodStream = "stream"
)

// Notifications sent by the server on a streaming connection.
const (
	NotifyChange = "change"
	NotifyResync = "resync"
)

// Message is the envelope of every frame. Requests carry Method and Params,
// responses echo the request ID with Result or Error, and notifications have
// a Method but no ID. A request without ID gets no response.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type pullParams struct {
	Checkpoint *cursor.WireCursor `json:"checkpoint,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

type pullResult struct {
	Documents  []synckit.DocumentState `json:"documents"`
	Checkpoint *cursor.WireCursor      `json:"checkpoint,omitempty"`
}

type pushParams struct {
	Rows []synckit.WriteRow `json:"rows"`
}

type pushResult struct {
	Errors []synckit.WriteError `json:"errors"`
}

type changeParams struct {
	Checkpoint  *cursor.WireCursor `json:"checkpoint,omitempty"`
	DocumentIDs []string           `json:"documentIds,omitempty"`
}

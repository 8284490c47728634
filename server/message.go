package server

import (
	"encoding/json"

	"github.com/alimasry/otsync/backend"
	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/store"
)

// Message actions exchanged over WebSocket.
const (
	MsgHandshake        = "hs"
	MsgFetch            = "f"
	MsgSubscribe        = "s"
	MsgUnsubscribe      = "us"
	MsgOp               = "op"
	MsgQueryFetch       = "qf"
	MsgQuerySubscribe   = "qs"
	MsgQueryUnsubscribe = "qu"
	MsgQuery            = "q"
)

// ClientMessage is a request from client to server. RID is echoed on the
// reply so the client can match them up.
type ClientMessage struct {
	Action string          `json:"a"`
	RID    int             `json:"rid,omitempty"`
	C      string          `json:"c,omitempty"`
	D      string          `json:"d,omitempty"`
	V      *int            `json:"v,omitempty"`
	Op     json.RawMessage `json:"op,omitempty"`
	Query  *store.Query    `json:"q,omitempty"`
	QID    int             `json:"qid,omitempty"`
}

// ServerMessage is a reply or a push from server to client.
type ServerMessage struct {
	Action    string            `json:"a"`
	RID       int               `json:"rid,omitempty"`
	ID        string            `json:"id,omitempty"`
	C         string            `json:"c,omitempty"`
	D         string            `json:"d,omitempty"`
	V         *int              `json:"v,omitempty"`
	Snapshot  *store.Snapshot   `json:"data,omitempty"`
	Snapshots []*store.Snapshot `json:"results,omitempty"`
	Ops       []*store.Op       `json:"ops,omitempty"`
	Op        *store.Op         `json:"op,omitempty"`
	QID       int               `json:"qid,omitempty"`
	Diff      []backend.Diff    `json:"diff,omitempty"`
	Extra     any               `json:"extra,omitempty"`
	Error     *ErrorBody        `json:"error,omitempty"`
}

// ErrorBody is the wire form of an error.
type ErrorBody struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func errorBody(err error) *ErrorBody {
	if e, ok := errs.As(err); ok {
		return &ErrorBody{Code: e.Code, Message: e.Message}
	}
	return &ErrorBody{Code: errs.Internal, Message: err.Error()}
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

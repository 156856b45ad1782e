// Package protocol defines the JSON messages exchanged between a remote
// store client and the relay server over one websocket.
package protocol

import "encoding/json"

// Message types.
const (
	TypeWelcome  = "welcome"
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

type Op string

const (
	OpGet          Op = "get"
	OpSet          Op = "set"
	OpUpdate       Op = "update"
	OpPush         Op = "push"
	OpCAS          Op = "cas"
	OpSubscribe    Op = "subscribe"
	OpUnsubscribe  Op = "unsubscribe"
	OpOnDisconnect Op = "on_disconnect"
	OpPing         Op = "ping"
)

// Subscription kinds.
const (
	KindValue      = "value"
	KindChildAdded = "child_added"
)

// Disconnect actions.
const (
	ActionRemove = "remove"
	ActionUpdate = "update"
	ActionCancel = "cancel"
)

// Error codes carried in responses.
const (
	CodeBadRequest  = "bad_request"
	CodeInvalidPath = "invalid_path"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

// Message is the single envelope; fields are used according to Type and Op.
// Set with an empty Value removes the path. A cas with an empty Expected
// expects the path to be absent.
type Message struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`
	Op   Op     `json:"op,omitempty"`
	Path string `json:"path,omitempty"`

	Value    json.RawMessage            `json:"value,omitempty"`
	Expected json.RawMessage            `json:"expected,omitempty"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`

	Kind   string `json:"kind,omitempty"`
	Action string `json:"action,omitempty"`
	SubID  uint64 `json:"sub_id,omitempty"`

	// Response.
	OK        bool   `json:"ok,omitempty"`
	Committed bool   `json:"committed,omitempty"`
	Key       string `json:"key,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`

	// Welcome.
	ConnID     string `json:"conn_id,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"`
}

func Response(req Message) Message {
	return Message{Type: TypeResponse, ID: req.ID, Op: req.Op, OK: true}
}

func ErrorResponse(req Message, code string, err error) Message {
	return Message{Type: TypeResponse, ID: req.ID, Op: req.Op, Code: code, Error: err.Error()}
}

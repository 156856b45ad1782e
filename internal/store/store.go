// Package store defines the real-time data store the PTT core coordinates
// through: path-addressable JSON records, single-record transactions,
// change subscriptions and per-connection disconnect hooks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrAbortTransaction = errors.New("store: transaction aborted")
	ErrTooManyRetries   = errors.New("store: transaction retries exhausted")
	ErrNotConnected     = errors.New("store: not connected")
	ErrInvalidPath      = errors.New("store: invalid path")
	ErrNotFound         = errors.New("store: no value at path")
	ErrClosed           = errors.New("store: closed")
)

// MaxTransactionRetries bounds the optimistic compare-and-set loop.
const MaxTransactionRetries = 25

// ServerTimestamp is replaced by the server's clock (unix millis) when
// written as a field value.
var ServerTimestamp = map[string]string{".sv": "timestamp"}

// Snapshot is the value observed at a path. Value is nil when absent.
type Snapshot struct {
	Path  string
	Key   string
	Value json.RawMessage
}

func NewSnapshot(path string, value json.RawMessage) Snapshot {
	if string(value) == "null" {
		value = nil
	}
	return Snapshot{Path: path, Key: Key(path), Value: value}
}

func (s Snapshot) Exists() bool { return len(s.Value) > 0 }

func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return ErrNotFound
	}
	return json.Unmarshal(s.Value, v)
}

// TxFunc computes the next value from the current raw value (nil when
// absent). Returning a nil value deletes the record; returning
// ErrAbortTransaction leaves it untouched.
type TxFunc func(current json.RawMessage) (any, error)

type TxResult struct {
	Committed bool
	Snapshot  Snapshot
}

type Subscription interface {
	Unsubscribe()
}

// DisconnectOp manages the server-side action tied to this connection
// for one path.
type DisconnectOp interface {
	Remove(ctx context.Context) error
	Update(ctx context.Context, fields map[string]any) error
	Cancel(ctx context.Context) error
}

type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, v any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Push(ctx context.Context, path string, v any) (string, error)
	Transaction(ctx context.Context, path string, fn TxFunc) (TxResult, error)

	SubscribeValue(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)
	SubscribeChildAdded(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error)

	OnDisconnect(path string) DisconnectOp
	// OnConnectionChange reports the current connection state immediately
	// and then every transition.
	OnConnectionChange(fn func(connected bool)) Subscription
	ServerNow() time.Time
}

// Encode turns a Go value into the raw form stored in the tree.
// nil, json null and empty raw messages all mean "absent".
func Encode(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(x) == 0 || string(x) == "null" {
			return nil, nil
		}
		return x, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func EncodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := Encode(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return out, nil
}

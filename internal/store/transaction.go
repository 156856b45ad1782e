package store

import (
	"context"
	"encoding/json"
	"errors"
)

// GetFunc reads the current raw value of the transaction's path.
type GetFunc func(ctx context.Context) (json.RawMessage, error)

// CASFunc writes next if the value still equals expected and returns the
// committed value.
type CASFunc func(ctx context.Context, expected, next json.RawMessage) (bool, json.RawMessage, error)

// RunTransaction is the optimistic read-modify-write loop shared by every
// Store implementation.
func RunTransaction(ctx context.Context, path string, fn TxFunc, get GetFunc, cas CASFunc) (TxResult, error) {
	for attempt := 0; attempt < MaxTransactionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return TxResult{}, err
		}
		cur, err := get(ctx)
		if err != nil {
			return TxResult{}, err
		}
		v, err := fn(cur)
		if errors.Is(err, ErrAbortTransaction) {
			return TxResult{Snapshot: NewSnapshot(path, cur)}, nil
		}
		if err != nil {
			return TxResult{}, err
		}
		next, err := Encode(v)
		if err != nil {
			return TxResult{}, err
		}
		ok, stored, err := cas(ctx, cur, next)
		if err != nil {
			return TxResult{}, err
		}
		if ok {
			return TxResult{Committed: true, Snapshot: NewSnapshot(path, stored)}, nil
		}
	}
	return TxResult{}, ErrTooManyRetries
}

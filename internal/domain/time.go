package domain

import "time"

// Millis converts t to the store's timestamp unit.
func Millis(t time.Time) int64 { return t.UnixMilli() }

func FromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// ToMs converts a time to Unix milliseconds.
func ToMs(t time.Time) int64 { return t.UnixMilli() }

// FromMs converts Unix milliseconds back to a time.
func FromMs(ms int64) time.Time { return time.UnixMilli(ms) }

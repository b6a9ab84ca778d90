package core

import "time"

func timeAfterMS(ms int) <-chan time.Time {
	return time.After(time.Duration(ms) * time.Millisecond)
}

// NowMillis returns the current time as milliseconds since epoch, the unit
// VectorRecord.CreatedAt is stored in.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

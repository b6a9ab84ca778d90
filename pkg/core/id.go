package core

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID mints a ULID: a lexically sortable identifier for a new vector
// record. Sortability keeps keyset scans in insertion order.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

package core

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string used for all entity identities.
func NewID() string {
	return uuid.NewString()
}

// NowMS returns the current wall clock as epoch milliseconds.
func NowMS() int64 {
	return time.Now().UTC().UnixMilli()
}

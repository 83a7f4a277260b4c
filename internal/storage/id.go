package storage

import (
	"time"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// now is truncated to milliseconds so every driver round-trips it exactly.
func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

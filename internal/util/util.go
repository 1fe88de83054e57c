package util

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, and Make is monotonic within a process, so ids minted for
// one webhook batch keep their arrival order.
func NewEventID() string {
	return "evt_" + ulid.Make().String()
}

func NewMessageLogID() string {
	return "log_" + ulid.Make().String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

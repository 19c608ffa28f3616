package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID returns a random identifier suitable for a boot/instance tag
// (e.g. the Kernel's boot ID stamped into every log line for a given run).
func GenerateID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// Fallback if the entropy source is unavailable; timestamp-based IDs
		// aren't unique across restarts but keep logging usable.
		return fmt.Sprintf("boot-%x", time.Now().UnixNano())
	}
	return id.String()
}

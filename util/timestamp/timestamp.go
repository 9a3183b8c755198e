// Package timestamp provides utilities for handling timestamps
package timestamp

import (
	"os"
	"strconv"
	"time"
)

// GetTime returns the current time in UTC, honoring SOURCE_DATE_EPOCH if set.
// SOURCE_DATE_EPOCH is a Unix timestamp used for reproducible builds, so two
// runs of mkfs over the same input can produce identical images.
// If SOURCE_DATE_EPOCH is not set or invalid, it returns time.Now().UTC().
func GetTime() time.Time {
	if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		if ts, err := strconv.ParseInt(epoch, 10, 64); err == nil {
			return time.Unix(ts, 0).UTC()
		}
	}

	return time.Now().UTC()
}

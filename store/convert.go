package store

import (
	"fmt"
	"math"
)

// int64ToUint32 converts a stored INTEGER back to a message index, checking
// range.
//
// CWE-190: Integer Overflow or Wraparound
func int64ToUint32(val int64) (uint32, error) {
	if val < 0 || val > math.MaxUint32 {
		return 0, fmt.Errorf("stored value out of uint32 range: %d", val)
	}
	return uint32(val), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

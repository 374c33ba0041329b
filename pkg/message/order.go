package message

import (
	"fmt"
	"time"
)

// TimestampLayout is the high-precision timestamp format used for every
// messageTimestamp and dateExpires on the wire (spec §3, §5).
const TimestampLayout = time.RFC3339Nano

// ParseTimestamp parses a wire timestamp, rejecting anything not in
// TimestampLayout so ordering comparisons never silently mix formats.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("message: invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Now returns the current time formatted as a wire timestamp, UTC.
func Now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// Newer reports whether (aTimestamp, aCid) is ordered strictly after
// (bTimestamp, bCid) under the spec §4.3 tiebreak: "(messageTimestamp
// ASC, MCID ASC)" — ties on timestamp are broken by the lexicographically
// smaller MCID winning, so Newer(a, b) is true only when a's timestamp
// is later, or timestamps tie and a's MCID sorts before b's.
func Newer(aTimestamp, aCid, bTimestamp, bCid string) (bool, error) {
	at, err := ParseTimestamp(aTimestamp)
	if err != nil {
		return false, err
	}
	bt, err := ParseTimestamp(bTimestamp)
	if err != nil {
		return false, err
	}
	if !at.Equal(bt) {
		return at.After(bt), nil
	}
	// Tie: the SMALLER MCID wins (spec §4.3 "Tiebreaks"), so a is newer
	// than b only if a's MCID is lexicographically smaller.
	return aCid < bCid, nil
}

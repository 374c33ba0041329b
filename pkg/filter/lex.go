package filter

import (
	"fmt"
	"strconv"
)

// maxSafeInteger is JavaScript's Number.MAX_SAFE_INTEGER (2^53 - 1), the
// bound the wire spec's numeric indexes are defined against (spec §4.2).
const maxSafeInteger int64 = 9_007_199_254_740_991

// numericWidth is the digit width of maxSafeInteger, used to zero-pad
// every lexicographically-encoded number to the same length so that
// ordinary string comparison reproduces numeric ordering.
var numericWidth = len(strconv.FormatInt(maxSafeInteger, 10))

// EncodeNumber lexicographically encodes n so that string comparison of
// the result matches numeric comparison of n (spec §4.2): non-negative
// numbers are zero-padded decimal strings; negative numbers are encoded
// as "!" followed by the zero-padded value of (n + maxSafeInteger), so
// that any negative sorts below any non-negative (the encoded digit
// range 0-9 is always lexicographically greater than "!").
func EncodeNumber(n float64) string {
	if n >= 0 {
		return fmt.Sprintf("%0*d", numericWidth, int64(n))
	}
	shifted := int64(n) + maxSafeInteger
	return "!" + fmt.Sprintf("%0*d", numericWidth, shifted)
}

// EncodeString delimits s with quotes so that control characters sort
// consistently with the rest of the encoded key space (spec §4.2).
func EncodeString(s string) string {
	return `"` + s + `"`
}

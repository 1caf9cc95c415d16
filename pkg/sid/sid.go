// Package sid derives short, interface-name-safe identifier prefixes
// from allocator served counts. Linux interface names are length-limited,
// so topology-unique names are built from a fixed two-character prefix
// rather than the full test name.
package sid

import (
	"errors"
	"fmt"
)

// alphabet matches lowercase letters, uppercase letters, then digits.
const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Width is the fixed prefix width in characters.
const Width = 2

// Max is the number of distinct prefixes PrefixFor can produce.
const Max = len(alphabet) * len(alphabet)

// ErrOverflow is returned when a served count exceeds the representable
// range. The prefix is deliberately not widened: interface-name length
// is the binding constraint.
var ErrOverflow = errors.New("sid: served count exceeds representable range")

// PrefixFor maps a non-negative served count to a two-character prefix.
// The mapping is deterministic and injective over [0, Max).
func PrefixFor(servedCount int) (string, error) {
	if servedCount < 0 {
		return "", fmt.Errorf("sid: negative served count %d", servedCount)
	}
	if servedCount >= Max {
		return "", fmt.Errorf("%w: %d >= %d", ErrOverflow, servedCount, Max)
	}
	hi := servedCount / len(alphabet)
	lo := servedCount % len(alphabet)
	return string([]byte{alphabet[hi], alphabet[lo]}), nil
}

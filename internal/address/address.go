// ABOUTME: Canonical conversation addressing for two-party chats
// ABOUTME: Derives the symmetric, order-independent conversation identifier

package address

import (
	"errors"
	"strings"
)

// Separator joins the two identity ids in a canonical conversation id.
// Provider-issued uids are alphanumeric and never contain it.
const Separator = "_"

// ErrInvalidIdentity is returned when either identity id is empty.
var ErrInvalidIdentity = errors.New("invalid identity id")

// CanonicalID derives the conversation id for a pair of identities.
// It is symmetric: CanonicalID(a, b) == CanonicalID(b, a). The two ids are
// sorted lexicographically and joined with Separator, so every ordered pair
// maps to exactly one address.
func CanonicalID(a, b string) (string, error) {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return "", ErrInvalidIdentity
	}
	if a > b {
		a, b = b, a
	}
	return a + Separator + b, nil
}

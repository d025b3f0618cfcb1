// Package identity provides user-key validation for history ownership.
//
// Histories are keyed by a caller-supplied identifier rather than an
// authenticated account; the key must therefore be shaped strictly before
// it reaches the store or the filesystem-adjacent layers.
package identity

import (
	"regexp"
	"strings"
)

// GuestUser is the fallback identity for scan requests that omit a user.
const GuestUser = "guest"

var userKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// Normalize trims a caller-supplied user key and reports whether it is a
// valid history key. An empty result means the key was rejected.
func Normalize(user string) (string, bool) {
	user = strings.TrimSpace(user)
	if user == "" || !userKeyPattern.MatchString(user) {
		return "", false
	}
	return user, true
}

// NormalizeOrGuest is Normalize with the guest fallback used by the scan
// surfaces, where an anonymous one-off scan is acceptable.
func NormalizeOrGuest(user string) string {
	if normalized, ok := Normalize(user); ok {
		return normalized
	}
	return GuestUser
}

// Package address normalizes and compares email addresses used for routing
// and sender allow-listing.
package address

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidAddress is returned when an address does not have exactly one
// "@" separator with a non-empty local part and domain.
var ErrInvalidAddress = errors.New("invalid address")

// Normalize returns the canonical comparison form of addr: surrounding
// whitespace removed, Unicode NFC composed and lower-cased.
func Normalize(addr string) (string, error) {
	n := strings.ToLower(norm.NFC.String(strings.TrimSpace(addr)))

	if strings.Count(n, "@") != 1 {
		return "", errors.Wrapf(ErrInvalidAddress, "%q: want exactly one @", addr)
	}
	local, domain, _ := strings.Cut(n, "@")
	if local == "" || domain == "" {
		return "", errors.Wrapf(ErrInvalidAddress, "%q: empty local part or domain", addr)
	}

	return n, nil
}

// Equal reports whether a and b are the same address after normalization.
// Invalid addresses never compare equal.
func Equal(a, b string) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}

package identifier

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidIdentifier indicates a scan payload that cannot be mapped
// to a subject id. Never retried; surfaced to the operator immediately.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// DefaultPrefix is the badge-printing convention used by the central
// system when encoding subject ids into QR codes.
const DefaultPrefix = "STUDENT_ID_"

// Resolver normalizes raw decoded scan strings into subject ids.
// It has no side effects.
type Resolver struct {
	prefixes []string
}

// NewResolver accepts the badge prefixes to strip. With no prefixes the
// default convention is used.
func NewResolver(prefixes ...string) *Resolver {
	if len(prefixes) == 0 {
		prefixes = []string{DefaultPrefix}
	}
	return &Resolver{prefixes: prefixes}
}

// Resolve maps a raw decoded string to a subject id. A recognized
// prefix is stripped; otherwise the whole trimmed string is treated as
// the id, provided it carries at least one digit.
func (r *Resolver) Resolve(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidIdentifier
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(s, p) {
			id := strings.TrimSpace(strings.TrimPrefix(s, p))
			if id == "" {
				return "", ErrInvalidIdentifier
			}
			return id, nil
		}
	}
	if !containsDigit(s) {
		return "", ErrInvalidIdentifier
	}
	return s, nil
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

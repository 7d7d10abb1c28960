// Package uuid wraps github.com/google/uuid with a string-backed identifier type.
package uuid

import (
	"github.com/google/uuid"
)

// UUID is a string-backed identifier used for aggregate, event and dead-letter IDs
type UUID string

// New returns a random (v4) identifier.
func New() UUID {
	return UUID(uuid.New().String())
}

// NewOrdered returns a time-ordered (v7) identifier. Falls back to v4 if the
// entropy source fails.
func NewOrdered() UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return New()
	}
	return UUID(id.String())
}

// FromName returns a name-based (v5) identifier. The same namespace and name
// always map to the same identifier.
func FromName(namespace, name string) UUID {
	return UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+name)).String())
}

// Parse validates s and returns it as a UUID
func Parse(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return UUID(id.String()), nil
}

// MustParse parses s or panics
func MustParse(s string) UUID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical textual form
func (u UUID) String() string {
	return string(u)
}

// IsZero reports whether the identifier is unset
func (u UUID) IsZero() bool {
	return u == ""
}

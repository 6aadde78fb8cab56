// Package domain provides the value types shared by every Reggie package.
package domain

import "github.com/google/uuid"

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// EntityID is a typed identifier. Envelope ids, event ids and synthesized ids
// for the HTTP and console transports all use it.
type EntityID string

// NewID generates a random UUIDv4 identifier.
func NewID() EntityID {
	return EntityID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id EntityID) String() string { return string(id) }

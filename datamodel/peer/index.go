package peer

import (
	"errors"
	"reflect"
	"time"
)

var ErrNotFound = errors.New("peer not in index")

// Metadata is the liveness history kept for a peer identity.
type Metadata struct {
	Peer         Identity  `cbor:"1,keyasint,omitempty"` // Peer identity
	Status       Status    `cbor:"2,keyasint,omitempty"` // Status at the last recorded event
	LastVerified time.Time `cbor:"3,keyasint,omitempty"` // Last successful verification we know of
	LastEvent    time.Time `cbor:"4,keyasint,omitempty"` // Time of the last recorded event
	Disconnects  uint64    `cbor:"5,keyasint,omitempty"` // Number of disconnect events seen
	StaleReports uint64    `cbor:"6,keyasint,omitempty"` // Number of staleness warnings seen
}

// PeerIndex defines the interface for storing liveness history about peers.
type PeerIndex interface {
	// Get retrieves the metadata for a peer identity.
	// It returns ErrNotFound if the identity is unknown.
	Get(Identity) (*Metadata, error)

	// Put stores or replaces the metadata for md.Peer.
	Put(*Metadata) (*Metadata, error)

	// Enumerate returns the metadata of every known peer.
	Enumerate() ([]*Metadata, error)
}

func IsMetadataEqual(a *Metadata, b *Metadata) bool {
	return reflect.DeepEqual(a, b)
}

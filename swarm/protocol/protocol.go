package protocol

import (
	"peerwatch/datamodel/peer"
	"time"
)

// Event names follow the "Service.Method" form so they can be routed by mpubsub unchanged.
const (
	EventPeerDisconnected = "Liveness.PeerDisconnected"
	EventPeerStale        = "Liveness.PeerStale"
)

type PeerDisconnectedMessage struct {
	EventID string        `cbor:"1,keyasint,omitempty" json:"event_id"` // Unique per published event
	Peer    peer.Identity `cbor:"2,keyasint,omitempty" json:"peer"`     // Evicted peer
	Time    time.Time     `cbor:"3,keyasint,omitempty" json:"time"`     // When the failed probe completed
}

type PeerStaleMessage struct {
	EventID      string        `cbor:"1,keyasint,omitempty" json:"event_id"`
	Peer         peer.Identity `cbor:"2,keyasint,omitempty" json:"peer"`
	LastVerified time.Time     `cbor:"3,keyasint,omitempty" json:"last_verified"` // Last successful verification
	Elapsed      time.Duration `cbor:"4,keyasint,omitempty" json:"elapsed"`       // Time since LastVerified when detected
	Time         time.Time     `cbor:"5,keyasint,omitempty" json:"time"`
}

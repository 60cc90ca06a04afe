// Package journal keeps a persistent history of liveness events.
// The same Liveness handlers serve events from the local monitor bus and from the multicast pubsub.
package journal

import (
	"errors"
	"peerwatch/datamodel/peer"
	"peerwatch/swarm/events"
	"peerwatch/swarm/protocol"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Liveness records disconnect and staleness events into a PeerIndex.
// PeerDisconnected and PeerStale can be registered directly as mpubsub handlers.
type Liveness struct {
	index peer.PeerIndex
	mu    sync.Mutex // serializes read-modify-write of index records
}

func New(index peer.PeerIndex) *Liveness {
	return &Liveness{index: index}
}

// Handle adapts the journal to an events.Handler.
func (l *Liveness) Handle(event string, payload any) {
	switch msg := payload.(type) {
	case *protocol.PeerDisconnectedMessage:
		l.PeerDisconnected(msg)
	case *protocol.PeerStaleMessage:
		l.PeerStale(msg)
	default:
		log.Debugf("journal: ignoring %s (%T)", event, payload)
	}
}

// Attach subscribes the journal to both liveness events on bus.
func (l *Liveness) Attach(bus *events.Bus) (detach func()) {
	u1 := bus.Subscribe(protocol.EventPeerDisconnected, l.Handle)
	u2 := bus.Subscribe(protocol.EventPeerStale, l.Handle)
	return func() {
		u1()
		u2()
	}
}

func (l *Liveness) PeerDisconnected(msg *protocol.PeerDisconnectedMessage) {
	log.Infof("PeerDisconnected: peer: %s, event: %s, at: %v", msg.Peer.String(), msg.EventID, msg.Time)

	err := l.update(msg.Peer, func(md *peer.Metadata) {
		md.Status = peer.StatusDisconnected
		md.LastEvent = msg.Time
		md.Disconnects++
	})
	if err != nil {
		log.Errorf("Failed to record disconnect of %s: %v", msg.Peer.String(), err)
	}
}

func (l *Liveness) PeerStale(msg *protocol.PeerStaleMessage) {
	log.Infof("PeerStale: peer: %s, last verified: %v (%v ago)", msg.Peer.String(), msg.LastVerified, msg.Elapsed)

	err := l.update(msg.Peer, func(md *peer.Metadata) {
		if msg.LastVerified.After(md.LastVerified) {
			md.LastVerified = msg.LastVerified
		}
		md.LastEvent = msg.Time
		md.StaleReports++
	})
	if err != nil {
		log.Errorf("Failed to record staleness of %s: %v", msg.Peer.String(), err)
	}
}

func (l *Liveness) update(id peer.Identity, mutate func(*peer.Metadata)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	md, err := l.index.Get(id)
	if errors.Is(err, peer.ErrNotFound) {
		md, err = &peer.Metadata{Peer: id}, nil
	}
	if err != nil {
		return err
	}

	mutate(md)

	_, err = l.index.Put(md)
	return err
}

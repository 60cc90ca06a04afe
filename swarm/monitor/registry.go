package monitor

import (
	"peerwatch/datamodel/peer"
	"sort"
	"time"
)

// registry is the set of tracked peers plus the per-address time of the last
// successful verification. It is not safe for concurrent use: Monitor.mu guards
// it together with the loop handles, and no method performs I/O.
type registry struct {
	peers        map[peer.Identity]*peer.Peer
	lastVerified map[string]time.Time // keyed by address; entries of removed peers are left behind
}

type staleEntry struct {
	peer         peer.Identity
	lastVerified time.Time
	elapsed      time.Duration
}

func newRegistry() *registry {
	return &registry{
		peers:        make(map[peer.Identity]*peer.Peer),
		lastVerified: make(map[string]time.Time),
	}
}

// add inserts p unless a peer with the same identity is already tracked.
// first reports whether the registry was empty before the insert.
func (r *registry) add(p *peer.Peer, now time.Time) (added bool, first bool) {
	if _, ok := r.peers[p.Identity]; ok {
		return false, false
	}

	first = len(r.peers) == 0
	r.peers[p.Identity] = p
	r.lastVerified[p.Address] = now

	return true, first
}

// contains reports whether this exact peer (not just its identity) is tracked.
func (r *registry) contains(p *peer.Peer) bool {
	cur, ok := r.peers[p.Identity]
	return ok && cur == p
}

func (r *registry) remove(p *peer.Peer) (removed bool, empty bool) {
	if !r.contains(p) {
		return false, len(r.peers) == 0
	}
	delete(r.peers, p.Identity)
	return true, len(r.peers) == 0
}

func (r *registry) removeAllWithAddress(address string) (removed []*peer.Peer, empty bool) {
	for id, p := range r.peers {
		if id.Address == address {
			removed = append(removed, p)
			delete(r.peers, id)
		}
	}
	sortPeers(removed)
	return removed, len(r.peers) == 0
}

func (r *registry) snapshot() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sortPeers(out)
	return out
}

func (r *registry) drainAll() []*peer.Peer {
	out := r.snapshot()
	clear(r.peers)
	return out
}

// verified records a successful probe of p. Results for peers that are no longer tracked are dropped.
func (r *registry) verified(p *peer.Peer, now time.Time) bool {
	if !r.contains(p) {
		return false
	}
	r.lastVerified[p.Address] = now
	return true
}

// stale lists tracked peers whose address has not been verified for longer than threshold.
func (r *registry) stale(now time.Time, threshold time.Duration) []staleEntry {
	var out []staleEntry
	for id := range r.peers {
		last, ok := r.lastVerified[id.Address]
		if !ok {
			continue
		}
		if elapsed := now.Sub(last); elapsed > threshold {
			out = append(out, staleEntry{peer: id, lastVerified: last, elapsed: elapsed})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peer.String() < out[j].peer.String() })
	return out
}

func (r *registry) len() int {
	return len(r.peers)
}

func sortPeers(peers []*peer.Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Identity.String() < peers[j].Identity.String() })
}

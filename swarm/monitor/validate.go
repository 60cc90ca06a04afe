package monitor

import (
	"context"
	"fmt"
	"peerwatch/datamodel/peer"
	"peerwatch/swarm/protocol"
	"peerwatch/telemetry"
	"time"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

// validatePeers is run via the scheduler every CheckInterval.
// It never blocks on a probe: every due peer is checked on its own goroutine.
func (m *Monitor) validatePeers(ctx context.Context) error {
	now := m.now()

	m.mu.Lock()
	peers := m.reg.snapshot()
	m.mu.Unlock()

	due := 0
	for _, p := range peers {
		if now.Before(p.LastValidated().Add(m.cfg.CheckInterval.Duration)) {
			continue
		}
		due++
		// Due-ness counts from the dispatch, so a probe queued behind the semaphore
		// or still hung from an earlier tick does not shift the peer's schedule.
		p.SetLastValidated(now)
		m.dispatch(ctx, p)
	}

	if due > 0 {
		log.Debugf("Monitor: probing %d of %d peer(s)", due, len(peers))
	}

	return nil
}

// dispatch probes p in the background. A peer whose previous probe is still running is not probed twice.
// Flights are keyed by the peer itself, so a peer re-registered under the same identity gets its own probe.
func (m *Monitor) dispatch(ctx context.Context, p *peer.Peer) {
	m.probes.Add(1)
	go func() {
		defer m.probes.Done()

		m.inflight.Do(fmt.Sprintf("%p", p), func() (interface{}, error) {
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer m.sem.Release(1)

			m.probe(ctx, p)
			return nil, nil
		})
	}()
}

func (m *Monitor) probe(ctx context.Context, p *peer.Peer) {
	telemetry.ProbesInFlight.Inc()
	start := time.Now()
	err := m.prober.Probe(ctx, p.Address, p.Port, m.cfg.ConnectTimeout.Duration)
	telemetry.ProbeDuration.Observe(time.Since(start).Seconds())
	telemetry.ProbesInFlight.Dec()

	if err != nil && ctx.Err() != nil {
		// The loop was cancelled under the probe; that says nothing about the peer.
		telemetry.ProbesTotal.WithLabelValues("aborted").Inc()
		log.Debugf("Monitor: probe of %s aborted: %v", p.Identity.String(), ctx.Err())
		return
	}

	if err != nil {
		telemetry.ProbesTotal.WithLabelValues("failure").Inc()
		m.evict(p, err)
		return
	}

	telemetry.ProbesTotal.WithLabelValues("success").Inc()

	m.mu.Lock()
	tracked := m.reg.verified(p, m.now())
	m.mu.Unlock()

	if !tracked {
		log.Debugf("Monitor: %s answered after it was untracked", p.Identity.String())
	}
}

// evict removes p after a failed probe and announces the disconnect.
// Nothing happens if p was untracked while the probe ran.
func (m *Monitor) evict(p *peer.Peer, cause error) {
	m.mu.Lock()
	removed, empty := m.reg.remove(p)
	if removed {
		p.SetStatus(peer.StatusDisconnected)
		if empty {
			m.stopLoopsLocked()
		}
	}
	n := m.reg.len()
	m.mu.Unlock()

	if !removed {
		log.Debugf("Monitor: probe of untracked peer %s failed (%v), ignoring", p.Identity.String(), cause)
		return
	}

	log.WithFields(log.Fields{
		"peer":  p.Identity.String(),
		"peers": n,
	}).Warnf("Monitor: peer unreachable, evicting: %v", cause)

	telemetry.TrackedPeers.Set(float64(n))
	telemetry.EvictionsTotal.Inc()

	m.release(p)

	msg := &protocol.PeerDisconnectedMessage{
		EventID: uuid.NewString(),
		Peer:    p.Identity,
		Time:    m.now(),
	}
	if err := m.bus.Publish(protocol.EventPeerDisconnected, msg); err != nil {
		log.Errorf("Monitor: failed to publish disconnect of %s: %v", p.Identity.String(), err)
	}
}

package monitor

import (
	"context"
	"peerwatch/swarm/protocol"
	"peerwatch/telemetry"
	"time"

	"github.com/google/uuid"

	log "github.com/sirupsen/logrus"
)

// checkStaleness is run via the scheduler every CheckInterval/2. It only reports:
// a peer whose probes hang or are starved keeps a fresh LastValidated, but its
// last successful verification keeps getting older.
func (m *Monitor) checkStaleness(ctx context.Context) error {
	now := m.now()

	m.mu.Lock()
	stale := m.reg.stale(now, m.cfg.ActivityThreshold.Duration)
	m.mu.Unlock()

	for _, s := range stale {
		log.WithFields(log.Fields{
			"peer":          s.peer.String(),
			"last_verified": s.lastVerified,
			"threshold":     m.cfg.ActivityThreshold.Duration,
		}).Warnf("Monitor: no successful check of %s for %v", s.peer.String(), s.elapsed.Round(time.Millisecond))

		telemetry.StaleWarningsTotal.Inc()

		if !m.cfg.PublishStaleWarnings {
			continue
		}

		msg := &protocol.PeerStaleMessage{
			EventID:      uuid.NewString(),
			Peer:         s.peer,
			LastVerified: s.lastVerified,
			Elapsed:      s.elapsed,
			Time:         now,
		}
		if err := m.bus.Publish(protocol.EventPeerStale, msg); err != nil {
			log.Errorf("Monitor: failed to publish staleness of %s: %v", s.peer.String(), err)
		}
	}

	return nil
}

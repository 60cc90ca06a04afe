// Package monitor tracks a set of remote peers and evicts the ones that stop accepting connections.
//
// Two loops run while at least one peer is registered:
//
//   - the validation loop probes every peer that is due (not probed within the last
//     CheckInterval) and evicts peers whose probe fails, publishing
//     protocol.EventPeerDisconnected;
//   - the watchdog loop, at half that period, reports peers whose address has not
//     been successfully verified within ActivityThreshold. It never evicts.
//
// Loops are started by the first Register and stopped when the registry empties or on Stop.
package monitor

import (
	"context"
	"peerwatch/config"
	"peerwatch/datamodel/peer"
	"peerwatch/helper/timer"
	"peerwatch/net/probe"
	"peerwatch/swarm/events"
	"peerwatch/telemetry"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

type Option func(*Monitor)

// WithScheduler replaces the jitterbug-backed scheduler used for both loops.
func WithScheduler(s timer.Scheduler) Option {
	return func(m *Monitor) { m.scheduler = s }
}

// WithClock replaces time.Now for due-ness and staleness computations.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithBus makes the monitor publish on an existing bus instead of a private one.
func WithBus(b *events.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

type Monitor struct {
	cfg       config.MonitorConfig
	prober    probe.Prober
	scheduler timer.Scheduler
	now       func() time.Time
	bus       *events.Bus

	// mu guards the registry, the loop handles and the loop context
	mu         sync.Mutex
	reg        *registry
	ctx        context.Context
	validation timer.Handle
	watchdog   timer.Handle

	inflight singleflight.Group
	sem      *semaphore.Weighted
	probes   sync.WaitGroup
}

func New(cfg config.MonitorConfig, prober probe.Prober, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:       cfg,
		prober:    prober,
		scheduler: timer.TickerScheduler{},
		now:       time.Now,
		reg:       newRegistry(),
		ctx:       context.Background(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentProbes)),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.bus == nil {
		m.bus = events.NewBus()
	}

	return m, nil
}

// Register starts tracking p. Registering an already tracked identity is a no-op.
// The first registered peer starts both loops, as does any peer added while they are not running.
func (m *Monitor) Register(p *peer.Peer) error {
	if err := p.Validate(); err != nil {
		if p != nil {
			log.Errorf("Monitor.Register: rejecting peer %q: %v", p.Identity.String(), err)
		} else {
			log.Errorf("Monitor.Register: rejecting nil peer: %v", err)
		}
		return err
	}

	m.mu.Lock()
	added, _ := m.reg.add(p, m.now())
	if added {
		m.startLoopsLocked()
	}
	n := m.reg.len()
	m.mu.Unlock()

	if !added {
		log.Debugf("Monitor.Register: %s is already tracked", p.Identity.String())
		return nil
	}

	telemetry.TrackedPeers.Set(float64(n))
	log.Infof("Monitor: tracking %s (%d peers)", p.Identity.String(), n)

	return nil
}

// Unregister stops tracking p and releases its streams. Absent peers are ignored.
func (m *Monitor) Unregister(p *peer.Peer) {
	if p == nil {
		return
	}

	m.mu.Lock()
	removed, empty := m.reg.remove(p)
	if removed {
		p.SetStatus(peer.StatusUnknown)
	}
	if empty {
		m.stopLoopsLocked()
	}
	n := m.reg.len()
	m.mu.Unlock()

	if !removed {
		return
	}

	telemetry.TrackedPeers.Set(float64(n))
	log.Infof("Monitor: no longer tracking %s (%d peers)", p.Identity.String(), n)
	m.release(p)
}

// DisconnectAddress unregisters every peer at address, whatever its port.
func (m *Monitor) DisconnectAddress(address string) {
	m.mu.Lock()
	removed, empty := m.reg.removeAllWithAddress(address)
	for _, p := range removed {
		p.SetStatus(peer.StatusUnknown)
	}
	if empty {
		m.stopLoopsLocked()
	}
	n := m.reg.len()
	m.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	telemetry.TrackedPeers.Set(float64(n))
	log.Infof("Monitor: disconnected %d peer(s) at %s (%d peers)", len(removed), address, n)
	for _, p := range removed {
		m.release(p)
	}
}

// Start stops the monitor and makes ctx the parent of the loops started by the next Register.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.Stop()

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// Stop cancels both loops and untracks every peer, releasing its streams. Stopping twice is harmless.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLoopsLocked()
	drained := m.reg.drainAll()
	for _, p := range drained {
		p.SetStatus(peer.StatusUnknown)
	}
	m.mu.Unlock()

	telemetry.TrackedPeers.Set(0)
	if len(drained) > 0 {
		log.Infof("Monitor: stopped, released %d peer(s)", len(drained))
	}

	for _, p := range drained {
		m.release(p)
	}
}

// Run starts the monitor under ctx and stops it when ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Start(ctx)
	<-ctx.Done()
	m.Stop()
	return nil
}

// Peers returns the tracked peers ordered by identity.
func (m *Monitor) Peers() []*peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg.snapshot()
}

// Running reports whether the loops are scheduled.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return alive(m.validation) && alive(m.watchdog)
}

func alive(h timer.Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

func (m *Monitor) Subscribe(event string, h events.Handler) (unsubscribe func()) {
	return m.bus.Subscribe(event, h)
}

func (m *Monitor) SubscribeAll(h events.Handler) (unsubscribe func()) {
	return m.bus.SubscribeAll(h)
}

// startLoopsLocked schedules whichever loop is not running. Handles whose task already
// exited, e.g. because the Start context was cancelled, are replaced.
func (m *Monitor) startLoopsLocked() {
	if alive(m.validation) && alive(m.watchdog) {
		return
	}
	if m.ctx.Err() != nil {
		// The context given to Start is gone; loops started now run until the next Start or Stop.
		log.Debugf("Monitor: start context done (%v), running loops detached", m.ctx.Err())
		m.ctx = context.Background()
	}
	if !alive(m.validation) {
		m.validation = nil
	}
	if !alive(m.watchdog) {
		m.watchdog = nil
	}

	if m.validation == nil {
		m.validation = m.scheduler.Every(m.ctx, &timer.Interval{
			Duration: m.cfg.CheckInterval.Duration,
			Jitter:   m.cfg.Jitter.Duration,
		}, m.validatePeers)
	}
	if m.watchdog == nil {
		m.watchdog = m.scheduler.Every(m.ctx, &timer.Interval{
			Duration: m.cfg.CheckInterval.Duration / 2,
			Jitter:   m.cfg.Jitter.Duration / 2,
		}, m.checkStaleness)
	}
	telemetry.LoopsRunning.Set(1)
	log.Debugf("Monitor: loops started (check every %v, watchdog every %v)", m.cfg.CheckInterval, m.cfg.CheckInterval.Duration/2)
}

// stopLoopsLocked may run on a loop's own goroutine, so it only cancels and never waits.
func (m *Monitor) stopLoopsLocked() {
	if m.validation == nil && m.watchdog == nil {
		return
	}
	if m.validation != nil {
		m.validation.Cancel()
		m.validation = nil
	}
	if m.watchdog != nil {
		m.watchdog.Cancel()
		m.watchdog = nil
	}
	telemetry.LoopsRunning.Set(0)
	log.Debugf("Monitor: loops stopped")
}

func (m *Monitor) release(p *peer.Peer) {
	if err := p.Release(); err != nil {
		log.Warnf("Monitor: failed to release streams of %s: %v", p.Identity.String(), err)
	}
}

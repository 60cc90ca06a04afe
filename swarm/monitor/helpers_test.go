package monitor

import (
	"context"
	"errors"
	"peerwatch/config"
	"peerwatch/datamodel/peer"
	"peerwatch/helper/timer"
	"peerwatch/swarm/protocol"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTask struct {
	interval  time.Duration
	f         func(ctx context.Context) error
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

func (t *fakeTask) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
		close(t.done)
	}
}

func (t *fakeTask) Done() <-chan struct{} {
	return t.done
}

// fakeScheduler records tasks instead of running them; tests fire ticks by hand.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

func (s *fakeScheduler) Every(ctx context.Context, interval *timer.Interval, f func(ctx context.Context) error) timer.Handle {
	cctx, cancel := context.WithCancel(ctx)
	t := &fakeTask{interval: interval.Duration, f: f, ctx: cctx, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	// Like a real ticker task, the task ends with its parent context
	go func() {
		<-cctx.Done()
		t.Cancel()
	}()

	return t
}

func (s *fakeScheduler) created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeScheduler) active() []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*fakeTask
	for _, t := range s.tasks {
		if !t.cancelled.Load() {
			out = append(out, t)
		}
	}
	return out
}

// scriptedProber answers per "host:port"; unknown targets are reachable.
// Targets listed in block wait until their channel is closed.
type scriptedProber struct {
	mu      sync.Mutex
	fail    map[string]bool
	block   map[string]chan struct{}
	entered chan string
	calls   map[string]int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		fail:    make(map[string]bool),
		block:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProber) Probe(ctx context.Context, address string, port uint16, timeout time.Duration) error {
	target := peer.Identity{Address: address, Port: port}.String()

	p.mu.Lock()
	p.calls[target]++
	gate := p.block[target]
	p.mu.Unlock()

	if gate != nil {
		p.entered <- target
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[target] {
		return errUnreachable
	}
	return nil
}

func (p *scriptedProber) setFail(target string, fail bool) {
	p.mu.Lock()
	p.fail[target] = fail
	p.mu.Unlock()
}

func (p *scriptedProber) gate(target string) chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.block[target] = ch
	p.mu.Unlock()
	return ch
}

func (p *scriptedProber) callCount(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[target]
}

type trackedCloser struct {
	closes atomic.Int32
}

func (c *trackedCloser) Close() error {
	c.closes.Add(1)
	return nil
}

// eventLog collects events published by a monitor.
type eventLog struct {
	mu           sync.Mutex
	disconnected []*protocol.PeerDisconnectedMessage
	stale        []*protocol.PeerStaleMessage
}

func (l *eventLog) handle(event string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch msg := payload.(type) {
	case *protocol.PeerDisconnectedMessage:
		l.disconnected = append(l.disconnected, msg)
	case *protocol.PeerStaleMessage:
		l.stale = append(l.stale, msg)
	}
}

func (l *eventLog) disconnects() []*protocol.PeerDisconnectedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.PeerDisconnectedMessage(nil), l.disconnected...)
}

func (l *eventLog) stales() []*protocol.PeerStaleMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.PeerStaleMessage(nil), l.stale...)
}

type fixture struct {
	m      *Monitor
	clock  *fakeClock
	sched  *fakeScheduler
	prober *scriptedProber
	events *eventLog
}

func newFixture(t *testing.T, mutate ...func(*config.MonitorConfig)) *fixture {
	t.Helper()

	cfg := config.DefaultMonitorConfig()
	for _, f := range mutate {
		f(&cfg)
	}

	f := &fixture{
		clock:  newFakeClock(),
		sched:  &fakeScheduler{},
		prober: newScriptedProber(),
		events: &eventLog{},
	}

	m, err := New(cfg, f.prober, WithScheduler(f.sched), WithClock(f.clock.Now))
	require.NoError(t, err)
	m.SubscribeAll(f.events.handle)
	t.Cleanup(m.Stop)

	f.m = m
	return f
}

// tick runs one validation pass and waits for the probes it dispatched.
func (f *fixture) tick() {
	f.m.validatePeers(context.Background())
	f.m.probes.Wait()
}

func (f *fixture) tracked() []peer.Identity {
	var ids []peer.Identity
	for _, p := range f.m.Peers() {
		ids = append(ids, p.Identity)
	}
	return ids
}

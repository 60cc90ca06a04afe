package mpubsub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	From string `cbor:"1,keyasint,omitempty"`
	Seq  uint64 `cbor:"2,keyasint,omitempty"`
}

// loopback wires a PubSub to itself over unicast UDP; multicast is not available in every test sandbox.
func loopback(t *testing.T) *PubSub {
	t.Helper()

	rc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	wc, err := net.DialUDP("udp4", nil, rc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	ps := New(rc, wc)
	t.Cleanup(func() { ps.Close() })
	return ps
}

func TestPublishListen(t *testing.T) {
	ps := loopback(t)

	got := make(chan *ping, 1)
	require.NoError(t, Handle(ps, "Test.Ping", func(p *ping) { got <- p }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ps.Listen(ctx) }()

	// Unhandled methods are dropped without stopping the listener
	require.NoError(t, ps.Publish("Test.Unknown", &ping{From: "x"}))
	require.NoError(t, ps.Publish("Test.Ping", &ping{From: "a", Seq: 7}))

	select {
	case p := <-got:
		assert.Equal(t, &ping{From: "a", Seq: 7}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestHandleRejectsDuplicatesAndBadNames(t *testing.T) {
	ps := loopback(t)

	require.NoError(t, Handle(ps, "Test.Ping", func(*ping) {}))
	assert.Error(t, Handle(ps, "Test.Ping", func(*ping) {}))
	assert.Error(t, Handle(ps, "NoMethod", func(*ping) {}))
}

func TestPublishRejectsOversizedMessage(t *testing.T) {
	ps := loopback(t)

	big := make([]byte, maxMessageSize)
	assert.Error(t, ps.Publish("Test.Big", big))
}

func TestPublisherIsWriteOnly(t *testing.T) {
	sink := loopback(t)

	got := make(chan *ping, 1)
	require.NoError(t, Handle(sink, "Test.Ping", func(p *ping) { got <- p }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Listen(ctx)

	pub, err := NewPublisher(sink.rc.LocalAddr().String())
	require.NoError(t, err)
	defer pub.Close()

	assert.ErrorIs(t, pub.Listen(ctx), ErrWriteOnly)

	require.NoError(t, pub.Publish("Test.Ping", &ping{From: "pub", Seq: 1}))
	select {
	case p := <-got:
		assert.Equal(t, "pub", p.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

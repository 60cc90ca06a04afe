package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCloser struct {
	calls int
	err   error
}

func (c *countingCloser) Close() error {
	c.calls++
	return c.err
}

func TestNewPeerStartsUnknown(t *testing.T) {
	p := New("10.0.0.1", 9000, nil)
	assert.Equal(t, StatusUnknown, p.Status())
	assert.True(t, p.LastValidated().IsZero())
	assert.Equal(t, "10.0.0.1:9000", p.Identity.String())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New("10.0.0.1", 9000, nil).Validate())
	assert.ErrorIs(t, New("", 9000, nil).Validate(), ErrMissingAddressInfo)
	assert.ErrorIs(t, New("10.0.0.1", 0, nil).Validate(), ErrMissingAddressInfo)

	var p *Peer
	assert.ErrorIs(t, p.Validate(), ErrMissingAddressInfo)
}

func TestReleaseClosesOnce(t *testing.T) {
	c := &countingCloser{err: errors.New("boom")}
	p := New("10.0.0.1", 9000, c)

	assert.EqualError(t, p.Release(), "boom")
	assert.EqualError(t, p.Release(), "boom")
	assert.Equal(t, 1, c.calls)

	// No streams attached
	assert.NoError(t, New("10.0.0.2", 9000, nil).Release())
}

func TestLastValidatedRoundTrip(t *testing.T) {
	p := New("10.0.0.1", 9000, nil)
	now := time.Now()
	p.SetLastValidated(now)
	assert.True(t, now.Equal(p.LastValidated()))
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("[::1]:7000")
	require.NoError(t, err)
	assert.Equal(t, Identity{Address: "::1", Port: 7000}, id)
	assert.Equal(t, "[::1]:7000", id.String())

	_, err = ParseIdentity("10.0.0.1")
	assert.Error(t, err)

	_, err = ParseIdentity("10.0.0.1:70000")
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unknown", StatusUnknown.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "invalid", Status(42).String())
}

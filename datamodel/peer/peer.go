package peer

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var ErrMissingAddressInfo = errors.New("peer has no address or port")

type Status int32

const (
	StatusUnknown Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// Identity is the dedup key of a peer. Two peers are the same peer iff both fields match.
type Identity struct {
	Address string `cbor:"1,keyasint,omitempty" json:"address"` // Host name or IP
	Port    uint16 `cbor:"2,keyasint,omitempty" json:"port"`    // TCP port
}

func (i Identity) String() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(int(i.Port)))
}

// ParseIdentity parses a "host:port" string.
func ParseIdentity(hostport string) (Identity, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Identity{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Address: host, Port: uint16(port)}, nil
}

// Peer is a remote endpoint handed to the monitor by the connection layer.
// The monitor mutates Status and LastValidated in place; everything else is owned by the caller.
type Peer struct {
	Identity

	status        atomic.Int32
	lastValidated atomic.Int64 // unix nanoseconds, 0 if never probed

	streams     io.Closer
	releaseOnce sync.Once
	releaseErr  error
}

// New creates a peer with Unknown status. streams may be nil when the caller has no
// transport resources to release on eviction.
func New(address string, port uint16, streams io.Closer) *Peer {
	return &Peer{
		Identity: Identity{Address: address, Port: port},
		streams:  streams,
	}
}

func (p *Peer) Validate() error {
	if p == nil || p.Address == "" || p.Port == 0 {
		return ErrMissingAddressInfo
	}
	return nil
}

func (p *Peer) Status() Status {
	return Status(p.status.Load())
}

func (p *Peer) SetStatus(s Status) {
	p.status.Store(int32(s))
}

func (p *Peer) LastValidated() time.Time {
	ns := p.lastValidated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (p *Peer) SetLastValidated(t time.Time) {
	p.lastValidated.Store(t.UnixNano())
}

// Release closes the peer's data streams. Only the first call has an effect.
func (p *Peer) Release() error {
	p.releaseOnce.Do(func() {
		if p.streams != nil {
			p.releaseErr = p.streams.Close()
		}
	})
	return p.releaseErr
}

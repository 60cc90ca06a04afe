// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to the handler registered for its "Service.Method".
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

const maxMessageSize = 2048

var ErrWriteOnly = errors.New("mpubsub: publisher has no listening socket")

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handler struct {
	decode func(dec *cbor.Decoder) (any, error)
	call   func(any)
}

type PubSub struct {
	rc       *net.UDPConn
	wc       *net.UDPConn
	handlers sync.Map // map[string]*handler
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// Dial opens the multicast reader and writer for group (e.g. "224.0.0.1:9999").
func Dial(group string) (*PubSub, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", group, err)
	}

	rc, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create multicast listener: %w", err)
	}

	wc, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to create multicast writer: %w", err)
	}

	return New(rc, wc), nil
}

// NewPublisher opens only the writer for group. Listen on the result fails with ErrWriteOnly.
func NewPublisher(group string) (*PubSub, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", group, err)
	}

	wc, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create multicast writer: %w", err)
	}

	return New(nil, wc), nil
}

// Handle registers fn for messages published as serviceMethod. The payload is decoded into a new T.
func Handle[T any](ps *PubSub, serviceMethod string, fn func(*T)) error {
	if strings.LastIndex(serviceMethod, ".") < 0 {
		return fmt.Errorf("mpubsub: service/method ill-formed: %q", serviceMethod)
	}

	h := &handler{
		decode: func(dec *cbor.Decoder) (any, error) {
			arg := new(T)
			if err := dec.Decode(arg); err != nil {
				return nil, err
			}
			return arg, nil
		},
		call: func(arg any) { fn(arg.(*T)) },
	}

	if _, dup := ps.handlers.LoadOrStore(serviceMethod, h); dup {
		return fmt.Errorf("mpubsub: handler already defined: %s", serviceMethod)
	}

	log.Debugf("mpubsub.Handle: %s", serviceMethod)
	return nil
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}

	if buf.Len() > maxMessageSize {
		return fmt.Errorf("mpubsub: %s message too large (%d bytes)", serviceMethod, buf.Len())
	}

	if _, err := ps.wc.Write(buf.Bytes()); err != nil {
		return err
	}

	log.Debugf("mpubsub: published %s (%d bytes)", serviceMethod, buf.Len())

	return nil
}

// Listen delivers incoming messages until ctx is cancelled. The read connection is closed on return.
func (ps *PubSub) Listen(ctx context.Context) error {
	if ps.rc == nil {
		return ErrWriteOnly
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ps.rc.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, maxMessageSize)
	ps.rc.SetReadBuffer(maxMessageSize * 64)
	for {
		n, _, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}

		ps.dispatch(buf[:n])
	}
}

func (ps *PubSub) dispatch(data []byte) {
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		log.Errorf("mpubsub: failed to unmarshal message: %v", err)
		return
	}

	hi, ok := ps.handlers.Load(msg.ServiceMethod)
	if !ok {
		log.Debugf("mpubsub: no handler for %s", msg.ServiceMethod)
		return
	}
	h := hi.(*handler)

	arg, err := h.decode(dec)
	if err != nil {
		log.Errorf("mpubsub: failed to unmarshal arguments of %s: %v", msg.ServiceMethod, err)
		return
	}

	h.call(arg)
}

func (ps *PubSub) Close() error {
	var errs []error
	if ps.rc != nil {
		errs = append(errs, ps.rc.Close())
	}
	if ps.wc != nil {
		errs = append(errs, ps.wc.Close())
	}
	return errors.Join(errs...)
}

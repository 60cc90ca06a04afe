// Package discovery feeds the monitor with peers published under an etcd prefix.
// Each key under the prefix holds one "host:port" value.
package discovery

import (
	"context"
	"fmt"
	"peerwatch/datamodel/peer"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	log "github.com/sirupsen/logrus"
)

// Registrar is the part of the monitor discovery drives.
type Registrar interface {
	Register(*peer.Peer) error
	Unregister(*peer.Peer)
}

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// Announce publishes addr under prefix+id, bound to a lease kept alive until ctx is done.
func Announce(ctx context.Context, cli *clientv3.Client, prefix, id, addr string, ttl int64) (clientv3.LeaseID, error) {
	if _, err := peer.ParseIdentity(addr); err != nil {
		return 0, fmt.Errorf("invalid announce address %q: %w", addr, err)
	}

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, err
	}

	key := prefix + id
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, err
	}

	ka, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, err
	}
	go func() {
		for range ka {
		}
		log.Debugf("discovery: keepalive for %s ended", key)
	}()

	log.Infof("discovery: announced %s as %s (lease %x)", addr, key, lease.ID)
	return lease.ID, nil
}

// Etcd mirrors the peers under a prefix into a Registrar.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
	reg    Registrar

	mu      sync.Mutex
	tracked map[string]*peer.Peer // etcd key -> registered peer
}

func NewEtcd(cli *clientv3.Client, prefix string, reg Registrar) *Etcd {
	return &Etcd{
		cli:     cli,
		prefix:  prefix,
		reg:     reg,
		tracked: make(map[string]*peer.Peer),
	}
}

// Run loads the current peer set and follows changes until ctx is done.
// A broken or compacted watch triggers a full resync.
func (e *Etcd) Run(ctx context.Context) error {
	for {
		rev, err := e.sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("discovery: failed to list %s: %w", e.prefix, err)
		}

		err = e.watch(ctx, rev+1)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("discovery: watch on %s interrupted: %v, resyncing", e.prefix, err)
	}
}

func (e *Etcd) sync(ctx context.Context) (int64, error) {
	resp, err := e.cli.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		seen[string(kv.Key)] = struct{}{}
		e.apply(mvccpb.PUT, kv)
	}

	e.mu.Lock()
	var gone []*peer.Peer
	for key, p := range e.tracked {
		if _, ok := seen[key]; !ok {
			gone = append(gone, p)
			delete(e.tracked, key)
		}
	}
	e.mu.Unlock()

	for _, p := range gone {
		e.reg.Unregister(p)
	}

	log.Infof("discovery: %d peers under %s at revision %d", len(resp.Kvs), e.prefix, resp.Header.Revision)
	return resp.Header.Revision, nil
}

func (e *Etcd) watch(ctx context.Context, rev int64) error {
	wch := e.cli.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return err
		}
		for _, ev := range wr.Events {
			e.apply(ev.Type, ev.Kv)
		}
	}
	return ctx.Err()
}

func (e *Etcd) apply(typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) {
	key := string(kv.Key)
	if !strings.HasPrefix(key, e.prefix) {
		return
	}

	switch typ {
	case mvccpb.PUT:
		id, err := peer.ParseIdentity(strings.TrimSpace(string(kv.Value)))
		if err != nil {
			log.Errorf("discovery: ignoring %s: %v", key, err)
			return
		}

		e.mu.Lock()
		old := e.tracked[key]
		if old != nil && old.Identity == id && old.Status() != peer.StatusDisconnected {
			e.mu.Unlock()
			return
		}
		p := peer.New(id.Address, id.Port, nil)
		e.tracked[key] = p
		e.mu.Unlock()

		if old != nil {
			e.reg.Unregister(old)
		}
		if err := e.reg.Register(p); err != nil {
			log.Errorf("discovery: failed to register %s from %s: %v", id.String(), key, err)
			e.mu.Lock()
			if e.tracked[key] == p {
				delete(e.tracked, key)
			}
			e.mu.Unlock()
			return
		}
		log.Debugf("discovery: %s -> %s", key, id.String())

	case mvccpb.DELETE:
		e.mu.Lock()
		p := e.tracked[key]
		delete(e.tracked, key)
		e.mu.Unlock()

		if p != nil {
			e.reg.Unregister(p)
			log.Debugf("discovery: %s removed (%s)", key, p.Identity.String())
		}
	}
}

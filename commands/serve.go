package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"peerwatch/config"
	"peerwatch/datamodel/peer"
	"peerwatch/datastore/leveldb"
	"peerwatch/discovery"
	"peerwatch/net/mpubsub"
	"peerwatch/net/probe"
	"peerwatch/swarm/events"
	"peerwatch/swarm/journal"
	"peerwatch/swarm/monitor"
	"peerwatch/telemetry"
	"time"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const announceTTL = 15 // seconds

type peerView struct {
	Peer          string    `json:"peer"`
	Status        string    `json:"status"`
	LastValidated time.Time `json:"last_validated"`
}

// peersHandler serves the tracked peers as JSON.
func peersHandler(mon *monitor.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peers := mon.Peers()
		out := make([]peerView, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerView{
				Peer:          p.Identity.String(),
				Status:        p.Status().String(),
				LastValidated: p.LastValidated().UTC(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Errorf("Failed to write /peers response: %v", err)
		}
	})
}

func registerStaticPeers(mon *monitor.Monitor, addrs []string) {
	for _, addr := range addrs {
		id, err := peer.ParseIdentity(addr)
		if err != nil {
			log.Errorf("Skipping static peer %q: %v", addr, err)
			continue
		}
		if err := mon.Register(peer.New(id.Address, id.Port, nil)); err != nil {
			log.Errorf("Failed to register static peer %s: %v", addr, err)
		}
	}
}

// RunServe runs the monitor until ctx is cancelled. announce, when set, is published
// under the discovery prefix so other instances pick this host up.
func RunServe(ctx context.Context, cfg *config.Config, announce string) {
	cfg.LogConfiguration()

	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	bus := events.NewBus()
	mon, err := monitor.New(cfg.Monitor, probe.TCPProber{}, monitor.WithBus(bus))
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}

	detach := journal.New(pidx).Attach(bus)
	defer detach()

	if addr := cfg.Network.PubSubMulticastAddress; addr != "" {
		pubsub, err := mpubsub.NewPublisher(addr)
		if err != nil {
			log.Fatalf("Failed to create pubsub on %s: %v", addr, err)
		}
		defer pubsub.Close()
		unsubscribe := bus.SubscribeAll(events.Forward(pubsub))
		defer unsubscribe()
		log.Infof("Publishing liveness events to %s", addr)
	}

	g, gctx := errgroup.WithContext(ctx)

	mon.Start(gctx)
	registerStaticPeers(mon, cfg.Peers)

	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.Discovery.EtcdEndpoints, cfg.Discovery.DialTimeout.Duration)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer cli.Close()

		if announce != "" {
			if _, err := discovery.Announce(gctx, cli, cfg.Discovery.Prefix, announce, announce, announceTTL); err != nil {
				log.Fatalf("Failed to announce %s: %v", announce, err)
			}
		}

		d := discovery.NewEtcd(cli, cfg.Discovery.Prefix, mon)
		g.Go(func() error {
			return d.Run(gctx)
		})
	} else if announce != "" {
		log.Warnf("Ignoring -announce %s: no etcd endpoints configured", announce)
	}

	if cfg.Network.HTTPListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		mux.Handle("/peers", peersHandler(mon))
		srv := &http.Server{
			Addr:              cfg.Network.HTTPListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Infof("HTTP listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		mon.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Serve stopped: %v", err)
	}
}

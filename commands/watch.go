package commands

import (
	"context"
	"peerwatch/config"
	"peerwatch/datastore/leveldb"
	"peerwatch/net/mpubsub"
	"peerwatch/swarm/journal"
	"peerwatch/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// RunWatch joins the multicast group and journals the liveness events other monitors publish.
func RunWatch(ctx context.Context, cfg *config.Config) {
	if cfg.Network.PubSubMulticastAddress == "" {
		log.Fatal("No pubsub multicast address configured")
	}

	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	pubsub, err := mpubsub.Dial(cfg.Network.PubSubMulticastAddress)
	if err != nil {
		log.Fatalf("Failed to join %s: %v", cfg.Network.PubSubMulticastAddress, err)
	}
	defer pubsub.Close()

	j := journal.New(pidx)
	if err := mpubsub.Handle(pubsub, protocol.EventPeerDisconnected, j.PeerDisconnected); err != nil {
		log.Fatalf("Failed to register handler: %v", err)
	}
	if err := mpubsub.Handle(pubsub, protocol.EventPeerStale, j.PeerStale); err != nil {
		log.Fatalf("Failed to register handler: %v", err)
	}

	log.Infof("Watching liveness events on %s", cfg.Network.PubSubMulticastAddress)
	if err := pubsub.Listen(ctx); err != nil {
		log.Errorf("Pubsub listener stopped: %v", err)
	}
}

package commands

import (
	"context"
	"peerwatch/config"
	"peerwatch/datastore/leveldb"
	"time"

	log "github.com/sirupsen/logrus"
)

func RunInfo(ctx context.Context, cfg *config.Config) {
	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	peers, err := pidx.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer index: %v", err)
		return
	}

	log.Infof("Peer index: %d peers known", len(peers))
	for _, md := range peers {
		verified := "never"
		if !md.LastVerified.IsZero() {
			verified = time.Since(md.LastVerified).Round(time.Second).String() + " ago"
		}
		log.Infof("Peer: %s, status: %s, last verified: %s, last event: %v, disconnects: %d, stale reports: %d",
			md.Peer.String(), md.Status, verified, md.LastEvent, md.Disconnects, md.StaleReports)
	}
}

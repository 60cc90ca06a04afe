package leveldb

import (
	"peerwatch/datamodel/peer"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer metadata indexed by identity. Followed by "host:port"
)

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	LevelDB
}

func keyFromIdentity(id peer.Identity) []byte {
	return append([]byte(keyPrefixPeer), []byte(id.String())...)
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *PeerIndex) Get(id peer.Identity) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromIdentity(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	md := &peer.Metadata{}
	if err := cbor.Unmarshal(raw, md); err != nil {
		return nil, err
	}

	// The key and the stored identity must agree
	if md.Peer != id {
		log.Errorf("PeerIndex.Get: identity mismatch: %s != %s", id.String(), md.Peer.String())
		return nil, ErrCorrupted
	}

	return md, nil
}

func (l *PeerIndex) Put(md *peer.Metadata) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := cbor.Marshal(md)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(keyFromIdentity(md.Peer), raw, nil); err != nil {
		return nil, err
	}

	return md, nil
}

func (l *PeerIndex) Enumerate() ([]*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Metadata

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		md := &peer.Metadata{}
		if err := cbor.Unmarshal(iter.Value(), md); err != nil {
			return nil, err
		}
		results = append(results, md)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return results, nil
}

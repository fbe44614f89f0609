package p2p

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	coreerr "duxnet/core/errors"
)

const peerKeyPrefix = "peer:"

// Peerstore persists the known-peers view in LevelDB so a restarted node
// warm-starts presence instead of waiting a full broadcast interval for
// every peer. The data is derived; losing it only delays convergence.
type Peerstore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenPeerstore opens (or creates) the LevelDB directory at path.
func OpenPeerstore(path string) (*Peerstore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, coreerr.E(coreerr.CodeValidation, "peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeStorage, err, "open peerstore")
	}
	return &Peerstore{db: db}, nil
}

func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	return err
}

// Put persists a peer record keyed by node id.
func (ps *Peerstore) Put(info PeerInfo) error {
	if info.NodeID == "" {
		return coreerr.E(coreerr.CodeValidation, "peer node_id required")
	}
	blob, err := json.Marshal(info)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeStorage, err, "encode peer")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return coreerr.E(coreerr.CodeStorage, "peerstore closed")
	}
	if err := ps.db.Put([]byte(peerKeyPrefix+info.NodeID), blob, nil); err != nil {
		return coreerr.Wrap(coreerr.CodeStorage, err, "persist peer")
	}
	return nil
}

// Delete removes a peer record.
func (ps *Peerstore) Delete(nodeID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return coreerr.E(coreerr.CodeStorage, "peerstore closed")
	}
	if err := ps.db.Delete([]byte(peerKeyPrefix+nodeID), nil); err != nil {
		return coreerr.Wrap(coreerr.CodeStorage, err, "delete peer")
	}
	return nil
}

// All returns every persisted peer record. Undecodable entries are skipped.
func (ps *Peerstore) All() ([]PeerInfo, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil, coreerr.E(coreerr.CodeStorage, "peerstore closed")
	}
	iter := ps.db.NewIterator(nil, nil)
	defer iter.Release()
	var peers []PeerInfo
	for iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), peerKeyPrefix) {
			continue
		}
		var info PeerInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			continue
		}
		peers = append(peers, info)
	}
	if err := iter.Error(); err != nil {
		return nil, coreerr.Wrap(coreerr.CodeStorage, err, "scan peerstore")
	}
	return peers, nil
}

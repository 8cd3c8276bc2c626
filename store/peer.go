// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"errors"
	"fmt"

	"github.com/Augustin-Zidek/bellrock/ids"
)

// ErrSelfPeer is returned when adding a peer edge from a user to itself.
var ErrSelfPeer = errors.New("self peer edge")

// A logical peer edge {a, b} is stored as the two rows a||b and b||a so
// that the peers of either endpoint are one prefix scan.
func peerKey(a, b ids.UID) []byte {
	key := make([]byte, 0, 2*ids.UIDLen)
	key = append(key, a[:]...)
	return append(key, b[:]...)
}

// AddPeer declares the symmetric peer edge {a, b}. Adding an existing edge
// is a no-op.
func (s *Store) AddPeer(a, b ids.UID) error {
	if a == b {
		return fmt.Errorf("%w: %s", ErrSelfPeer, a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, uid := range []ids.UID{a, b} {
		has, err := s.users.Has(uid[:])
		if err != nil {
			return err
		}
		if !has {
			return fmt.Errorf("%w: %s", ErrNotFound, uid)
		}
	}

	batch := s.peers.NewBatch()
	if err := batch.Put(peerKey(a, b), nil); err != nil {
		return err
	}
	if err := batch.Put(peerKey(b, a), nil); err != nil {
		return err
	}
	return batch.Write()
}

// DeletePeer removes the peer edge {a, b}. Removing an absent edge is a
// no-op.
func (s *Store) DeletePeer(a, b ids.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.peers.NewBatch()
	if err := batch.Delete(peerKey(a, b)); err != nil {
		return err
	}
	if err := batch.Delete(peerKey(b, a)); err != nil {
		return err
	}
	return batch.Write()
}

// Peers returns the declared peers of [uid] in stored order.
func (s *Store) Peers(uid ids.UID) ([]ids.UID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.peers.NewIteratorWithPrefix(uid[:])
	defer it.Release()

	var peers []ids.UID
	for it.Next() {
		key := it.Key()
		if len(key) != 2*ids.UIDLen {
			return nil, fmt.Errorf("malformed peer row of length %d", len(key))
		}
		peer, err := ids.UIDFromBytes(key[ids.UIDLen:])
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, it.Error()
}

// deletePeerEdges removes every edge mentioning [uid] in either column.
// Called with mu held during user deletion.
func (s *Store) deletePeerEdges(uid ids.UID) error {
	it := s.peers.NewIteratorWithPrefix(uid[:])

	var peers []ids.UID
	for it.Next() {
		key := it.Key()
		if len(key) != 2*ids.UIDLen {
			it.Release()
			return fmt.Errorf("malformed peer row of length %d", len(key))
		}
		peer, err := ids.UIDFromBytes(key[ids.UIDLen:])
		if err != nil {
			it.Release()
			return err
		}
		peers = append(peers, peer)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}

	batch := s.peers.NewBatch()
	for _, peer := range peers {
		if err := batch.Delete(peerKey(uid, peer)); err != nil {
			return err
		}
		if err := batch.Delete(peerKey(peer, uid)); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Augustin-Zidek/bellrock/codec"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/utils/wrappers"
)

// ErrDuplicateUser is returned when registering a UID that already exists.
var ErrDuplicateUser = errors.New("user already registered")

// AddUser registers [uid] with secret key [key]. Registration of an
// already-known UID is rejected without side effects.
func (s *Store) AddUser(uid ids.UID, key codec.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.users.Has(uid[:])
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("%w: %s", ErrDuplicateUser, uid)
	}

	if err := s.users.Put(uid[:], nil); err != nil {
		return err
	}
	if err := s.keys.Put(uid[:], key[:]); err != nil {
		// Roll the registration back so a half-written user never
		// satisfies HasUser without a key.
		errs := wrappers.Errs{}
		errs.Add(err)
		errs.Add(s.users.Delete(uid[:]))
		return errs.Err()
	}

	s.metrics.users.Inc()
	return nil
}

// HasUser reports whether [uid] is registered.
func (s *Store) HasUser(uid ids.UID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users.Has(uid[:])
}

// GetKey returns the current secret key of [uid].
func (s *Store) GetKey(uid ids.UID) (codec.Key, error) {
	if key, ok := s.keyCache.Get(uid); ok {
		return key, nil
	}

	s.mu.RLock()
	raw, err := s.keys.Get(uid[:])
	s.mu.RUnlock()
	if err != nil {
		return codec.EmptyKey, err
	}

	key, err := codec.KeyFromBytes(raw)
	if err != nil {
		return codec.EmptyKey, err
	}
	s.keyCache.Add(uid, key)
	return key, nil
}

// RenewKey atomically replaces the secret key of [uid]. AIDs produced with
// the previous key stop resolving immediately.
func (s *Store) RenewKey(uid ids.UID, key codec.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.users.Has(uid[:])
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}

	if err := s.keys.Put(uid[:], key[:]); err != nil {
		return err
	}
	s.keyCache.Remove(uid)
	return nil
}

// UserIDs returns every registered UID. This backs the exhaustive search
// path and administrative tooling; the resolver's heuristics never need it.
func (s *Store) UserIDs() ([]ids.UID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.users.NewIterator()
	defer it.Release()

	var uids []ids.UID
	for it.Next() {
		uid, err := ids.UIDFromBytes(it.Key())
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, it.Error()
}

// DeleteUser removes [uid] and cascades: its key, every peer edge
// mentioning it, every observation it made or was resolved in, and every
// location interval it reported.
func (s *Store) DeleteUser(uid ids.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.users.Has(uid[:])
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}

	s.keyCache.Remove(uid)

	if err := s.users.Delete(uid[:]); err != nil {
		return err
	}
	if err := s.keys.Delete(uid[:]); err != nil {
		return err
	}
	if err := s.deletePeerEdges(uid); err != nil {
		return err
	}
	if err := s.deleteObservationsOf(uid); err != nil {
		return err
	}
	if err := s.deleteLocationsOf(uid); err != nil {
		return err
	}

	s.metrics.users.Dec()
	s.log.Debug("deleted user",
		zap.Stringer("uid", uid),
	)
	return nil
}

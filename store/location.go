// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/utils/set"
)

// locationRow is the persisted value of one location interval. The key
// carries UID, start time, and cell tower.
type locationRow struct {
	End  int64   `cbor:"1,keyasint"`
	Lat  float32 `cbor:"2,keyasint"`
	Lon  float32 `cbor:"3,keyasint"`
	Cell uint64  `cbor:"4,keyasint"`
}

// Primary table: uid || start || cell -> row. The start in the key keeps a
// user's intervals in chronological order under one prefix.
func locationKey(l *UserLocation) []byte {
	ts := packTime(l.Start)
	key := make([]byte, 0, ids.UIDLen+len(ts)+8)
	key = append(key, l.UID[:]...)
	key = append(key, ts[:]...)
	return binary.BigEndian.AppendUint64(key, uint64(l.Cell))
}

// Index table: coarse || uid || start -> end. One prefix scan per coarse
// cell answers "who was here during this interval".
func locationIdxKey(l *UserLocation) []byte {
	coarse := coarseKey(l.Coarse)
	ts := packTime(l.Start)
	key := make([]byte, 0, len(coarse)+ids.UIDLen+len(ts))
	key = append(key, coarse[:]...)
	key = append(key, l.UID[:]...)
	return append(key, ts[:]...)
}

func encodeLocation(l *UserLocation) ([]byte, error) {
	return cbor.Marshal(&locationRow{
		End:  l.End.UnixMilli(),
		Lat:  l.Coarse.Lat,
		Lon:  l.Coarse.Lon,
		Cell: uint64(l.Cell),
	})
}

func decodeLocation(key, value []byte) (UserLocation, error) {
	if len(key) != ids.UIDLen+8+8 {
		return UserLocation{}, fmt.Errorf("malformed location key of length %d", len(key))
	}

	var row locationRow
	if err := cbor.Unmarshal(value, &row); err != nil {
		return UserLocation{}, err
	}

	uid, err := ids.UIDFromBytes(key[:ids.UIDLen])
	if err != nil {
		return UserLocation{}, err
	}
	return UserLocation{
		UID:    uid,
		Start:  unpackTime(key[ids.UIDLen : ids.UIDLen+8]),
		End:    time.UnixMilli(row.End).UTC(),
		Coarse: celltower.CoarseLocation{Lat: row.Lat, Lon: row.Lon},
		Cell:   celltower.PackedID(row.Cell),
	}, nil
}

// AddLocation writes one location interval and commits immediately.
func (s *Store) AddLocation(l UserLocation) error {
	if l.Start.After(l.End) {
		return fmt.Errorf("location interval ends before it starts: %v > %v", l.Start, l.End)
	}
	value, err := encodeLocation(&l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.users.Has(l.UID[:])
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: %s", ErrNotFound, l.UID)
	}

	if err := s.locations.Put(locationKey(&l), value); err != nil {
		return err
	}
	var end [8]byte
	binary.BigEndian.PutUint64(end[:], uint64(l.End.UnixMilli()))
	return s.locationIdx.Put(locationIdxKey(&l), end[:])
}

// AddLocations writes a batch of location intervals, committing at the end
// in two writes: the interval rows first, then their coarse-cell index
// rows. The two writes are not atomic together; a failure of the second
// leaves the rows without index entries.
func (s *Store) AddLocations(locations []UserLocation) error {
	if len(locations) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.locations.NewBatch()
	idxBatch := s.locationIdx.NewBatch()
	for i := range locations {
		l := &locations[i]
		if l.Start.After(l.End) {
			return fmt.Errorf("location interval ends before it starts: %v > %v", l.Start, l.End)
		}
		value, err := encodeLocation(l)
		if err != nil {
			return err
		}
		if err := batch.Put(locationKey(l), value); err != nil {
			return err
		}
		var end [8]byte
		binary.BigEndian.PutUint64(end[:], uint64(l.End.UnixMilli()))
		if err := idxBatch.Put(locationIdxKey(l), end[:]); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	return idxBatch.Write()
}

// AddLocationBuffered queues one location interval on the buffered path.
func (s *Store) AddLocationBuffered(l UserLocation) error {
	if l.Start.After(l.End) {
		return fmt.Errorf("location interval ends before it starts: %v > %v", l.Start, l.End)
	}
	value, err := encodeLocation(&l)
	if err != nil {
		return err
	}

	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	if s.pendingLocs == nil {
		s.pendingLocs = s.locations.NewBatch()
	}
	if err := s.pendingLocs.Put(locationKey(&l), value); err != nil {
		return err
	}
	if s.pendingLocIdx == nil {
		s.pendingLocIdx = s.locationIdx.NewBatch()
	}
	var end [8]byte
	binary.BigEndian.PutUint64(end[:], uint64(l.End.UnixMilli()))
	if err := s.pendingLocIdx.Put(locationIdxKey(&l), end[:]); err != nil {
		return err
	}
	return s.bufferedRowAdded()
}

// LocationsFor returns every stored location interval of [uid] in
// chronological order.
func (s *Store) LocationsFor(uid ids.UID) ([]UserLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.locations.NewIteratorWithPrefix(uid[:])
	defer it.Release()

	var locations []UserLocation
	for it.Next() {
		l, err := decodeLocation(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, it.Error()
}

// LocationsBetween returns the location intervals of [uid] whose interval
// overlaps [start, end] — not only those fully contained in it.
func (s *Store) LocationsBetween(uid ids.UID, start, end time.Time) ([]UserLocation, error) {
	all, err := s.LocationsFor(uid)
	if err != nil {
		return nil, err
	}

	var locations []UserLocation
	for _, l := range all {
		if l.Overlaps(start, end) {
			locations = append(locations, l)
		}
	}
	return locations, nil
}

// UsersAt returns the distinct UIDs with a stored location interval at
// coarse location [loc] overlapping [start, end], in stored order.
func (s *Store) UsersAt(loc celltower.CoarseLocation, start, end time.Time) ([]ids.UID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coarse := coarseKey(loc)
	it := s.locationIdx.NewIteratorWithPrefix(coarse[:])
	defer it.Release()

	var (
		uids []ids.UID
		seen set.Set[ids.UID]
	)
	for it.Next() {
		key := it.Key()
		if len(key) != len(coarse)+ids.UIDLen+8 {
			return nil, fmt.Errorf("malformed location index key of length %d", len(key))
		}
		rowStart := unpackTime(key[len(coarse)+ids.UIDLen:])
		rowEnd := unpackTime(it.Value())
		if rowStart.After(end) || rowEnd.Before(start) {
			continue
		}

		uid, err := ids.UIDFromBytes(key[len(coarse) : len(coarse)+ids.UIDLen])
		if err != nil {
			return nil, err
		}
		if seen.Contains(uid) {
			continue
		}
		seen.Add(uid)
		uids = append(uids, uid)
	}
	return uids, it.Error()
}

// deleteLocationsOf removes the location rows and index rows of [uid].
// Called with mu held during user deletion.
func (s *Store) deleteLocationsOf(uid ids.UID) error {
	it := s.locations.NewIteratorWithPrefix(uid[:])

	var (
		keys    [][]byte
		idxKeys [][]byte
	)
	for it.Next() {
		l, err := decodeLocation(it.Key(), it.Value())
		if err != nil {
			it.Release()
			return err
		}
		keys = append(keys, append([]byte(nil), it.Key()...))
		idxKeys = append(idxKeys, locationIdxKey(&l))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}

	batch := s.locations.NewBatch()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}

	idxBatch := s.locationIdx.NewBatch()
	for _, key := range idxKeys {
		if err := idxBatch.Delete(key); err != nil {
			return err
		}
	}
	return idxBatch.Write()
}

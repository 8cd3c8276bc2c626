// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/Augustin-Zidek/bellrock/ids"
)

// observationRow is the persisted value of one observation. The key carries
// observer, timestamp, and AID.
type observationRow struct {
	Resolved []byte  `cbor:"1,keyasint,omitempty"`
	Lat      float64 `cbor:"2,keyasint"`
	Lon      float64 `cbor:"3,keyasint"`
	Name     string  `cbor:"4,keyasint,omitempty"`
}

func observationKey(observer ids.UID, at time.Time, aid ids.AID) []byte {
	ts := packTime(at)
	key := make([]byte, 0, ids.UIDLen+len(ts)+ids.AIDLen)
	key = append(key, observer[:]...)
	key = append(key, ts[:]...)
	return append(key, aid[:]...)
}

func encodeObservation(o *Observation) ([]byte, error) {
	row := observationRow{
		Lat:  o.Lat,
		Lon:  o.Lon,
		Name: o.LocationName,
	}
	if o.Resolved {
		row.Resolved = o.ResolvedUID[:]
	}
	return cbor.Marshal(&row)
}

func decodeObservation(key, value []byte) (Observation, error) {
	if len(key) != ids.UIDLen+8+ids.AIDLen {
		return Observation{}, fmt.Errorf("malformed observation key of length %d", len(key))
	}

	var row observationRow
	if err := cbor.Unmarshal(value, &row); err != nil {
		return Observation{}, err
	}

	observer, err := ids.UIDFromBytes(key[:ids.UIDLen])
	if err != nil {
		return Observation{}, err
	}
	aid, err := ids.AIDFromBytes(key[ids.UIDLen+8:])
	if err != nil {
		return Observation{}, err
	}

	o := Observation{
		Observer:     observer,
		AID:          aid,
		Time:         unpackTime(key[ids.UIDLen : ids.UIDLen+8]),
		Lat:          row.Lat,
		Lon:          row.Lon,
		LocationName: row.Name,
	}
	if row.Resolved != nil {
		o.ResolvedUID, err = ids.UIDFromBytes(row.Resolved)
		if err != nil {
			return Observation{}, err
		}
		o.Resolved = true
	}
	return o, nil
}

// AddObservation writes one observation and commits immediately.
func (s *Store) AddObservation(o Observation) error {
	value, err := encodeObservation(&o)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	has, err := s.users.Has(o.Observer[:])
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("%w: observer %s", ErrNotFound, o.Observer)
	}
	return s.observations.Put(observationKey(o.Observer, o.Time, o.AID), value)
}

// AddObservations writes a batch of observations with a single commit at
// the end. The write is atomic: either every row lands or none does.
func (s *Store) AddObservations(observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.observations.NewBatch()
	for i := range observations {
		o := &observations[i]
		value, err := encodeObservation(o)
		if err != nil {
			return err
		}
		if err := batch.Put(observationKey(o.Observer, o.Time, o.AID), value); err != nil {
			return err
		}
	}
	return batch.Write()
}

// AddObservationBuffered queues one observation on the buffered path. The
// row becomes durable on the next periodic commit, when the buffer
// threshold forces one, or on Flush/Close.
func (s *Store) AddObservationBuffered(o Observation) error {
	value, err := encodeObservation(&o)
	if err != nil {
		return err
	}

	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	if s.pendingObs == nil {
		s.pendingObs = s.observations.NewBatch()
	}
	if err := s.pendingObs.Put(observationKey(o.Observer, o.Time, o.AID), value); err != nil {
		return err
	}
	return s.bufferedRowAdded()
}

// DeleteObservation removes the observation identified by observer,
// timestamp, and AID.
func (s *Store) DeleteObservation(observer ids.UID, at time.Time, aid ids.AID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observations.Delete(observationKey(observer, at, aid))
}

// ObservationsByObserver returns every stored observation made by [uid] in
// chronological order. A row whose resolved reference points at a deleted
// user is returned unresolved and counted; the row itself is preserved.
func (s *Store) ObservationsByObserver(uid ids.UID) ([]Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.observations.NewIteratorWithPrefix(uid[:])
	defer it.Release()

	var observations []Observation
	for it.Next() {
		o, err := decodeObservation(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		if o.Resolved {
			has, err := s.users.Has(o.ResolvedUID[:])
			if err != nil {
				return nil, err
			}
			if !has {
				s.metrics.integrityHits.Inc()
				s.log.Warn("observation resolves to a missing user",
					zap.Stringer("observer", o.Observer),
					zap.Stringer("resolved", o.ResolvedUID),
				)
				o.ResolvedUID = ids.EmptyUID
				o.Resolved = false
			}
		}
		observations = append(observations, o)
	}
	return observations, it.Error()
}

// deleteObservationsOf removes observations mentioning [uid] as observer or
// as resolved subject. Called with mu held during user deletion.
func (s *Store) deleteObservationsOf(uid ids.UID) error {
	// As observer: one prefix scan.
	it := s.observations.NewIteratorWithPrefix(uid[:])
	var keys [][]byte
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}

	// As resolved subject: the reference lives in the value, so this is a
	// full-table sweep.
	it = s.observations.NewIterator()
	for it.Next() {
		var row observationRow
		if err := cbor.Unmarshal(it.Value(), &row); err != nil {
			it.Release()
			return err
		}
		if string(row.Resolved) == string(uid[:]) {
			keys = append(keys, append([]byte(nil), it.Key()...))
		}
	}
	err = it.Error()
	it.Release()
	if err != nil {
		return err
	}

	batch := s.observations.NewBatch()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/ids"
)

// Observation is one sighting of an AID by a known observer. ResolvedUID is
// back-filled once, when the resolver identifies the sender.
type Observation struct {
	Observer     ids.UID
	AID          ids.AID
	Time         time.Time
	Lat          float64
	Lon          float64
	LocationName string

	ResolvedUID ids.UID
	Resolved    bool
}

// Coarse projects the observation's precise position onto the coarse grid.
func (o *Observation) Coarse() celltower.CoarseLocation {
	return celltower.CoarseOf(o.Lat, o.Lon)
}

// UserLocation is one interval a user spent at a coarse location, derived
// client-side from the serving cell tower.
type UserLocation struct {
	UID    ids.UID
	Start  time.Time
	End    time.Time
	Coarse celltower.CoarseLocation
	Cell   celltower.PackedID
}

// Overlaps reports whether the interval intersects [start, end]. Endpoint
// touches count as overlap.
func (l *UserLocation) Overlaps(start, end time.Time) bool {
	return !l.Start.After(end) && !l.End.Before(start)
}

// Timestamps are persisted as big-endian unix milliseconds so that
// lexicographic key order is chronological order.
func packTime(t time.Time) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixMilli()))
	return b
}

func unpackTime(b []byte) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(b))).UTC()
}

// coarseKey is the index key fragment of a coarse location: both
// coordinates as big-endian float32 bits.
func coarseKey(loc celltower.CoarseLocation) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], math.Float32bits(loc.Lat))
	binary.BigEndian.PutUint32(b[4:], math.Float32bits(loc.Lon))
	return b
}

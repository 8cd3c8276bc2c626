// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package celltower

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Snapshot wire format, all fields big-endian:
//
//	magic   4 bytes "btwr"
//	version 2 bytes
//	count   8 bytes
//	count records of 16 bytes each: packed id u64, lat f32 bits, lon f32 bits
const (
	snapshotVersion = 1
	recordLen       = 16
)

var (
	snapshotMagic = [4]byte{'b', 't', 'w', 'r'}

	errBadMagic           = errors.New("not a cell tower snapshot")
	errUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Load reads a snapshot written by [WriteFile] from [path]. The whole table is
// materialized in memory; expect several hundred megabytes for a full
// OpenCellID dump.
func Load(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(bufio.NewReaderSize(f, 1<<20))
}

// Read reads a snapshot from [r].
func Read(r io.Reader) (*Map, error) {
	var header [14]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}
	if [4]byte(header[:4]) != snapshotMagic {
		return nil, errBadMagic
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, version)
	}
	count := binary.BigEndian.Uint64(header[6:14])

	towers := make(map[PackedID]CoarseLocation, count)
	var record [recordLen]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, record[:]); err != nil {
			return nil, fmt.Errorf("reading record %d of %d: %w", i, count, err)
		}
		id := PackedID(binary.BigEndian.Uint64(record[:8]))
		towers[id] = CoarseLocation{
			Lat: math.Float32frombits(binary.BigEndian.Uint32(record[8:12])),
			Lon: math.Float32frombits(binary.BigEndian.Uint32(record[12:16])),
		}
	}
	return &Map{towers: towers}, nil
}

// WriteFile writes the snapshot of [cells] to [path].
func WriteFile(path string, cells map[PackedID]CoarseLocation) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if err := WriteSnapshot(w, cells); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteSnapshot writes [cells] to [w] in snapshot format.
func WriteSnapshot(w io.Writer, cells map[PackedID]CoarseLocation) error {
	var header [14]byte
	copy(header[:4], snapshotMagic[:])
	binary.BigEndian.PutUint16(header[4:6], snapshotVersion)
	binary.BigEndian.PutUint64(header[6:14], uint64(len(cells)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	var record [recordLen]byte
	for id, loc := range cells {
		binary.BigEndian.PutUint64(record[:8], uint64(id))
		binary.BigEndian.PutUint32(record[8:12], math.Float32bits(loc.Lat))
		binary.BigEndian.PutUint32(record[12:16], math.Float32bits(loc.Lon))
		if _, err := w.Write(record[:]); err != nil {
			return err
		}
	}
	return nil
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"time"
)

// Error variables for configuration validation
var (
	ErrNoDatabasePath    = errors.New("database path must be set")
	ErrNoKeyDatabasePath = errors.New("key database path must be set")
	ErrNoMasterKey       = errors.New("master key must be set")
	ErrInvalidWindowSize = errors.New("window size must be >= 1")
	ErrInvalidBufferRows = errors.New("commit buffer must be >= 1 row")
	ErrInvalidInterval   = errors.New("commit interval must be >= 100ms")
	ErrInvalidThreshold  = errors.New("parallel threshold must be >= 1")
)

// Config carries everything the server needs at startup. Database paths
// and the master key have no defaults; the rest does.
type Config struct {
	// DatabasePath is the file-backed main database (users, peers,
	// observations, locations).
	DatabasePath string
	// KeyDatabasePath is the segregated key database, encrypted at rest.
	KeyDatabasePath string
	// CellTowerPath is the serialized cell tower snapshot. Optional: with
	// no snapshot the co-location heuristic still works from client-supplied
	// coarse locations, but country filtering is unavailable.
	CellTowerPath string
	// MasterKey encrypts the key database at rest.
	MasterKey string

	// WindowSize is the recent-acquaintance capacity per observer.
	WindowSize int
	// CommitBufferRows forces a buffered-path commit at this many rows.
	CommitBufferRows int
	// CommitInterval is the buffered-path ticker period.
	CommitInterval time.Duration
	// Parallelism sizes the trial-decryption worker pool. Zero means one
	// worker per core.
	Parallelism int
	// ParallelThreshold is the candidate-set size that engages the pool.
	ParallelThreshold int
}

// Default returns the default configuration. Paths and the master key must
// still be filled in by the caller.
func Default() Config {
	return Config{
		WindowSize:        1000,
		CommitBufferRows:  5000,
		CommitInterval:    5 * time.Second,
		Parallelism:       0,
		ParallelThreshold: 64,
	}
}

// Valid returns nil if the configuration can run a server.
func (c Config) Valid() error {
	switch {
	case c.DatabasePath == "":
		return ErrNoDatabasePath
	case c.KeyDatabasePath == "":
		return ErrNoKeyDatabasePath
	case c.MasterKey == "":
		return ErrNoMasterKey
	case c.WindowSize < 1:
		return ErrInvalidWindowSize
	case c.CommitBufferRows < 1:
		return ErrInvalidBufferRows
	case c.CommitInterval < 100*time.Millisecond:
		return ErrInvalidInterval
	case c.ParallelThreshold < 1:
		return ErrInvalidThreshold
	default:
		return nil
	}
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists users, secret keys, peer edges, location
// intervals, and observations. Key material lives in a segregated database
// encrypted at rest with a master key; everything else shares one main
// database split into per-table prefixes. The store is the single source of
// truth for all durable state the resolver depends on.
package store

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/database"
	"github.com/luxfi/database/encdb"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Augustin-Zidek/bellrock/codec"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/utils/wrappers"
)

var (
	usersPrefix        = []byte("users")
	peersPrefix        = []byte("peers")
	observationsPrefix = []byte("observations")
	locationsPrefix    = []byte("locations")
	locationIdxPrefix  = []byte("locationidx")
)

// ErrNotFound is returned when a referenced user, key, or row is absent.
var ErrNotFound = database.ErrNotFound

// keyCacheSize bounds the UID -> secret key read cache. Trial decryption
// fetches a key per candidate attempt, so the hot fleet should stay cached.
const keyCacheSize = 65536

// Config tunes the buffered write path.
type Config struct {
	// CommitBufferRows forces a commit once this many uncommitted buffered
	// rows accumulate.
	CommitBufferRows int
	// CommitInterval bounds the loss window of the buffered path; a
	// background ticker commits pending rows this often.
	CommitInterval time.Duration
}

// Store is safe for concurrent use. Single-row mutations commit
// immediately; bulk mutations commit at the end (AddLocations in two
// writes, see its doc); buffered mutations
// commit on the ticker or when the buffer threshold is hit.
type Store struct {
	log     log.Logger
	metrics *metrics

	mainDB database.Database
	keyDB  database.Database // encrypted at rest

	users        database.Database
	keys         database.Database
	peers        database.Database
	observations database.Database
	locations    database.Database
	locationIdx  database.Database

	keyCache *lru.Cache[ids.UID, codec.Key]

	// mu serializes mutations. Reads take the read side so the resolver's
	// candidate queries can proceed concurrently.
	mu sync.RWMutex

	// Buffered write path. bufMu is separate from mu so the flush ticker
	// never blocks foreground reads.
	bufMu         sync.Mutex
	pendingObs    database.Batch
	pendingLocs   database.Batch
	pendingLocIdx database.Batch
	pendingRows   int
	bufferRows    int

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

// New opens a store over [mainDB] and [keyDB]. Key material is wrapped in
// an encrypted view derived from [masterKey] before anything touches disk.
func New(
	logger log.Logger,
	reg prometheus.Registerer,
	mainDB database.Database,
	keyDB database.Database,
	masterKey []byte,
	config Config,
) (*Store, error) {
	encKeys, err := encdb.New(masterKey, keyDB)
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	keyCache, err := lru.New[ids.UID, codec.Key](keyCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:          logger,
		metrics:      m,
		mainDB:       mainDB,
		keyDB:        keyDB,
		users:        prefixdb.New(usersPrefix, mainDB),
		keys:         encKeys,
		peers:        prefixdb.New(peersPrefix, mainDB),
		observations: prefixdb.New(observationsPrefix, mainDB),
		locations:    prefixdb.New(locationsPrefix, mainDB),
		locationIdx:  prefixdb.New(locationIdxPrefix, mainDB),
		keyCache:     keyCache,
		bufferRows:   config.CommitBufferRows,
		closing:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop(config.CommitInterval)
	return s, nil
}

// flushLoop commits buffered rows every commit interval until Close.
func (s *Store) flushLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.Error("periodic commit failed",
					zap.Error(err),
				)
			}
		case <-s.closing:
			return
		}
	}
}

// Flush commits any pending buffered rows.
func (s *Store) Flush() error {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.pendingRows == 0 {
		return nil
	}

	errs := wrappers.Errs{}
	if s.pendingObs != nil {
		errs.Add(s.pendingObs.Write())
		s.pendingObs = nil
	}
	if s.pendingLocs != nil {
		errs.Add(s.pendingLocs.Write())
		s.pendingLocs = nil
	}
	if s.pendingLocIdx != nil {
		errs.Add(s.pendingLocIdx.Write())
		s.pendingLocIdx = nil
	}

	s.metrics.flushes.Inc()
	s.metrics.committedRows.Add(float64(s.pendingRows))
	s.pendingRows = 0
	s.metrics.pendingRows.Set(0)
	return errs.Err()
}

// bufferedRowAdded is called with bufMu held after a row lands in a pending
// batch. It forces a commit once the buffer threshold is reached.
func (s *Store) bufferedRowAdded() error {
	s.pendingRows++
	s.metrics.pendingRows.Set(float64(s.pendingRows))
	if s.pendingRows < s.bufferRows {
		return nil
	}
	return s.flushLocked()
}

// Clear truncates every table. Repeating Clear on an empty store is a
// no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bufMu.Lock()
	// Pending rows would resurrect cleared tables on the next flush.
	s.pendingObs = nil
	s.pendingLocs = nil
	s.pendingLocIdx = nil
	s.pendingRows = 0
	s.metrics.pendingRows.Set(0)
	s.bufMu.Unlock()

	s.keyCache.Purge()

	errs := wrappers.Errs{}
	for _, db := range []database.Database{
		s.users,
		s.keys,
		s.peers,
		s.observations,
		s.locations,
		s.locationIdx,
	} {
		errs.Add(clearDB(db))
	}
	return errs.Err()
}

// clearDB deletes every entry of [db] in batches.
func clearDB(db database.Database) error {
	it := db.NewIterator()
	defer it.Release()

	batch := db.NewBatch()
	for it.Next() {
		if err := batch.Delete(it.Key()); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// Close stops the flush ticker, commits pending rows, and closes the
// underlying databases.
func (s *Store) Close() error {
	errs := wrappers.Errs{}
	s.closeOnce.Do(func() {
		close(s.closing)
		s.wg.Wait()

		errs.Add(s.Flush())
		errs.Add(s.keys.Close())
		errs.Add(s.keyDB.Close())
		errs.Add(s.mainDB.Close())
	})
	return errs.Err()
}

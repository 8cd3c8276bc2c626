// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package resolver recovers the senders behind observed AIDs. The search
// space for one observation is narrowed by three heuristics tried in
// priority order: the observer's recent acquaintances, the observer's
// declared peers, and users co-located with the observer around the
// observation time. Only the co-location source is usually large enough to
// engage the parallel search executor.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/log"

	"github.com/Augustin-Zidek/bellrock/celltower"
	"github.com/Augustin-Zidek/bellrock/codec"
	"github.com/Augustin-Zidek/bellrock/ids"
	"github.com/Augustin-Zidek/bellrock/store"
	"github.com/Augustin-Zidek/bellrock/utils/set"
)

// DefaultParallelThreshold is the candidate-set size above which the search
// fans out across the worker pool. Below it, key fetch and cipher reuse
// make a sequential scan cheaper than the fan-out overhead.
const DefaultParallelThreshold = 64

// Config tunes the resolver.
type Config struct {
	// ParallelThreshold is the candidate-set size above which trial
	// decryption runs on the worker pool. Zero selects the default.
	ParallelThreshold int
	// Parallelism is the worker pool size. Zero or negative selects
	// GOMAXPROCS.
	Parallelism int
}

// Batch is a chronological list of observations from one observer.
type Batch struct {
	Observer     ids.UID
	Observations []store.Observation
}

// Resolver identifies the senders of observed AIDs. It is safe for
// concurrent use across observers; batches for one observer must be
// serialized by the caller, which owns that observer's window.
type Resolver struct {
	log     log.Logger
	metrics *resolverMetrics

	store *store.Store
	codec *codec.Codec

	parallelThreshold int
	parallelism       int
}

// New returns a resolver over [st] using [cdc] for trial decryption.
func New(
	logger log.Logger,
	reg prometheus.Registerer,
	st *store.Store,
	cdc *codec.Codec,
	config Config,
) (*Resolver, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	threshold := config.ParallelThreshold
	if threshold == 0 {
		threshold = DefaultParallelThreshold
	}
	return &Resolver{
		log:               logger,
		metrics:           m,
		store:             st,
		codec:             cdc,
		parallelThreshold: threshold,
		parallelism:       config.Parallelism,
	}, nil
}

// Resolve attempts to identify the sender of every observation in [batch],
// using the three candidate heuristics. All observations, resolved or not,
// are then persisted in one bulk write. Returns the number of successful
// resolutions.
//
// Storage read errors abort the batch before anything is written; a bulk
// write error is surfaced to the caller and not retried.
func (r *Resolver) Resolve(ctx context.Context, window *Window, batch Batch) (int, error) {
	return r.resolve(ctx, window, batch, false)
}

// ResolveExhaustive is Resolve with a final brute-force pass over every
// registered user for observations the heuristics could not place.
//
// This is a benchmark hook. The full scan defeats the point of the
// candidate heuristics; production callers use Resolve.
func (r *Resolver) ResolveExhaustive(ctx context.Context, window *Window, batch Batch) (int, error) {
	return r.resolve(ctx, window, batch, true)
}

func (r *Resolver) resolve(ctx context.Context, window *Window, batch Batch, exhaustive bool) (int, error) {
	if len(batch.Observations) == 0 {
		return 0, nil
	}

	r.metrics.batches.Inc()
	r.metrics.observations.Add(float64(len(batch.Observations)))

	co := newCoLocation(r.store, batch)
	start := time.Now()

	resolved := 0
	for i := range batch.Observations {
		obs := &batch.Observations[i]
		obs.Observer = batch.Observer

		uid, ok, err := r.resolveOne(ctx, window, co, obs, exhaustive)
		if err != nil {
			return 0, err
		}
		if !ok {
			r.metrics.unresolved.Inc()
			continue
		}

		obs.ResolvedUID = uid
		obs.Resolved = true
		window.Touch(uid)
		resolved++
		r.metrics.resolved.Inc()
	}

	if err := r.store.AddObservations(batch.Observations); err != nil {
		return 0, err
	}

	r.log.Debug("resolved batch",
		zap.Stringer("observer", batch.Observer),
		zap.Int("observations", len(batch.Observations)),
		zap.Int("resolved", resolved),
		zap.Duration("took", time.Since(start)),
	)
	return resolved, nil
}

// resolveOne walks the candidate sources in priority order and
// short-circuits on the first match.
func (r *Resolver) resolveOne(
	ctx context.Context,
	window *Window,
	co *coLocation,
	obs *store.Observation,
	exhaustive bool,
) (ids.UID, bool, error) {
	tried := set.NewSet[ids.UID](16)
	tried.Add(obs.Observer)

	// Source 1: recent acquaintances, most recent first. Hits typically
	// land within the first few attempts, so this is always sequential.
	candidates, err := r.loadCandidates(window.Candidates(), tried)
	if err != nil {
		return ids.EmptyUID, false, err
	}
	if uid, ok := r.searchSequential(ctx, obs.AID, candidates); ok {
		r.metrics.windowHits.Inc()
		return uid, true, nil
	}

	// Source 2: declared peers.
	peers, err := r.store.Peers(obs.Observer)
	if err != nil {
		return ids.EmptyUID, false, err
	}
	candidates, err = r.loadCandidates(peers, tried)
	if err != nil {
		return ids.EmptyUID, false, err
	}
	if uid, ok := r.searchSequential(ctx, obs.AID, candidates); ok {
		r.metrics.peerHits.Inc()
		return uid, true, nil
	}

	// Source 3: users co-located with the observer. This is the one set
	// that can be large enough for the worker pool.
	coLocated, err := co.usersAt(obs.Coarse())
	if err != nil {
		return ids.EmptyUID, false, err
	}
	candidates, err = r.loadCandidates(coLocated, tried)
	if err != nil {
		return ids.EmptyUID, false, err
	}
	if uid, ok := r.search(ctx, obs.AID, candidates); ok {
		r.metrics.coLocatedHits.Inc()
		return uid, true, nil
	}

	if !exhaustive {
		return ids.EmptyUID, false, nil
	}

	// Fallback: every registered user.
	all, err := r.store.UserIDs()
	if err != nil {
		return ids.EmptyUID, false, err
	}
	candidates, err = r.loadCandidates(all, tried)
	if err != nil {
		return ids.EmptyUID, false, err
	}
	if uid, ok := r.search(ctx, obs.AID, candidates); ok {
		r.metrics.exhaustiveHits.Inc()
		return uid, true, nil
	}
	return ids.EmptyUID, false, nil
}

// loadCandidates pairs [uids] with their current keys, skipping users
// already tried for this observation and users that vanished since the
// source was built (the window can be stale). Users without a key cannot
// match anything, so dropping them is sound.
func (r *Resolver) loadCandidates(uids []ids.UID, tried set.Set[ids.UID]) ([]candidate, error) {
	candidates := make([]candidate, 0, len(uids))
	for _, uid := range uids {
		if tried.Contains(uid) {
			continue
		}
		tried.Add(uid)

		key, err := r.store.GetKey(uid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{uid: uid, key: key})
	}
	return candidates, nil
}

// coLocation caches the co-located user lists for one batch, keyed by
// coarse cell. The store is queried once per location interval the
// observer recorded in the batch's time range, not once per observation.
type coLocation struct {
	store    *store.Store
	observer ids.UID
	start    time.Time
	end      time.Time

	loaded bool
	byCell map[celltower.CoarseLocation][]ids.UID
}

func newCoLocation(st *store.Store, batch Batch) *coLocation {
	co := &coLocation{
		store:    st,
		observer: batch.Observer,
	}
	if n := len(batch.Observations); n > 0 {
		// Observations arrive chronologically sorted.
		co.start = batch.Observations[0].Time
		co.end = batch.Observations[n-1].Time
	}
	return co
}

// usersAt returns the cached co-located users for [loc]. A coarse cell the
// observer never visited in the batch window yields an empty list.
func (c *coLocation) usersAt(loc celltower.CoarseLocation) ([]ids.UID, error) {
	if !c.loaded {
		if err := c.load(); err != nil {
			return nil, err
		}
		c.loaded = true
	}
	return c.byCell[loc], nil
}

func (c *coLocation) load() error {
	intervals, err := c.store.LocationsBetween(c.observer, c.start, c.end)
	if err != nil {
		return err
	}

	c.byCell = make(map[celltower.CoarseLocation][]ids.UID, len(intervals))
	seen := make(map[celltower.CoarseLocation]set.Set[ids.UID], len(intervals))
	for _, interval := range intervals {
		users, err := c.store.UsersAt(interval.Coarse, interval.Start, interval.End)
		if err != nil {
			return err
		}

		cellSeen, ok := seen[interval.Coarse]
		if !ok {
			cellSeen = set.NewSet[ids.UID](len(users))
			seen[interval.Coarse] = cellSeen
		}
		for _, uid := range users {
			if cellSeen.Contains(uid) {
				continue
			}
			cellSeen.Add(uid)
			c.byCell[interval.Coarse] = append(c.byCell[interval.Coarse], uid)
		}
	}
	return nil
}

// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resolver

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Augustin-Zidek/bellrock/codec"
	"github.com/Augustin-Zidek/bellrock/ids"
)

// candidate pairs a user with its current secret key, ready for a trial
// decryption.
type candidate struct {
	uid ids.UID
	key codec.Key
}

// search trial-decrypts [aid] against every candidate and returns the first
// match. Small sets run inline; sets larger than the parallel threshold are
// fanned out across the worker pool, and the remaining work is abandoned as
// soon as any worker reports a match.
func (r *Resolver) search(ctx context.Context, aid ids.AID, candidates []candidate) (ids.UID, bool) {
	if len(candidates) <= r.parallelThreshold {
		return r.searchSequential(ctx, aid, candidates)
	}
	return r.searchParallel(ctx, aid, candidates)
}

func (r *Resolver) searchSequential(ctx context.Context, aid ids.AID, candidates []candidate) (ids.UID, bool) {
	for _, c := range candidates {
		if ctx.Err() != nil {
			return ids.EmptyUID, false
		}
		r.metrics.attempts.Inc()
		if r.codec.Resolves(aid, c.uid, c.key) {
			return c.uid, true
		}
	}
	return ids.EmptyUID, false
}

func (r *Resolver) searchParallel(ctx context.Context, aid ids.AID, candidates []candidate) (ids.UID, bool) {
	r.metrics.parallelSearches.Inc()

	workers := r.parallelism
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		next     atomic.Int64
		attempts atomic.Int64
		found    atomic.Pointer[ids.UID]
		wg       sync.WaitGroup
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(next.Add(1)) - 1
				if i >= len(candidates) {
					return
				}
				c := candidates[i]
				attempts.Add(1)
				if r.codec.Resolves(aid, c.uid, c.key) {
					uid := c.uid
					found.CompareAndSwap(nil, &uid)
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	r.metrics.attempts.Add(float64(attempts.Load()))
	if uid := found.Load(); uid != nil {
		return *uid, true
	}
	return ids.EmptyUID, false
}

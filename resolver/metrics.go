// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package resolver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Augustin-Zidek/bellrock/utils/wrappers"
)

type resolverMetrics struct {
	batches          prometheus.Counter
	observations     prometheus.Counter
	resolved         prometheus.Counter
	unresolved       prometheus.Counter
	windowHits       prometheus.Counter
	peerHits         prometheus.Counter
	coLocatedHits    prometheus.Counter
	exhaustiveHits   prometheus.Counter
	attempts         prometheus.Counter
	parallelSearches prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*resolverMetrics, error) {
	m := &resolverMetrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_batches",
			Help: "Number of observation batches processed",
		}),
		observations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_observations",
			Help: "Number of observations processed",
		}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_resolved",
			Help: "Number of observations resolved to a sender",
		}),
		unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_unresolved",
			Help: "Number of observations left unresolved",
		}),
		windowHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_window_hits",
			Help: "Resolutions served by the recent-acquaintance window",
		}),
		peerHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_peer_hits",
			Help: "Resolutions served by declared peers",
		}),
		coLocatedHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_colocated_hits",
			Help: "Resolutions served by co-location history",
		}),
		exhaustiveHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_exhaustive_hits",
			Help: "Resolutions served by the exhaustive fallback",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_trial_decryptions",
			Help: "Number of trial decryption attempts",
		}),
		parallelSearches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolver_parallel_searches",
			Help: "Number of candidate sets searched with the worker pool",
		}),
	}

	errs := wrappers.Errs{}
	errs.Add(reg.Register(m.batches))
	errs.Add(reg.Register(m.observations))
	errs.Add(reg.Register(m.resolved))
	errs.Add(reg.Register(m.unresolved))
	errs.Add(reg.Register(m.windowHits))
	errs.Add(reg.Register(m.peerHits))
	errs.Add(reg.Register(m.coLocatedHits))
	errs.Add(reg.Register(m.exhaustiveHits))
	errs.Add(reg.Register(m.attempts))
	errs.Add(reg.Register(m.parallelSearches))
	return m, errs.Err()
}

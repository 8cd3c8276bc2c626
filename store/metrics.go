// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Augustin-Zidek/bellrock/utils/wrappers"
)

type metrics struct {
	users         prometheus.Gauge
	flushes       prometheus.Counter
	committedRows prometheus.Counter
	pendingRows   prometheus.Gauge
	integrityHits prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_users",
			Help: "Number of registered users",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_flushes",
			Help: "Number of buffered commit flushes",
		}),
		committedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_committed_rows",
			Help: "Number of buffered rows committed",
		}),
		pendingRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_pending_rows",
			Help: "Number of buffered rows awaiting commit",
		}),
		integrityHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_integrity_violations",
			Help: "Number of rows read with a dangling reference",
		}),
	}

	errs := wrappers.Errs{}
	errs.Add(reg.Register(m.users))
	errs.Add(reg.Register(m.flushes))
	errs.Add(reg.Register(m.committedRows))
	errs.Add(reg.Register(m.pendingRows))
	errs.Add(reg.Register(m.integrityHits))
	return m, errs.Err()
}

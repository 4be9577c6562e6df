// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the repository-level counters an operator watches to
// judge dedup health: how much ingest is happening, how much space it's
// saving, how often the store degrades to skip-and-continue, and how
// often commits have to retry.
type Metrics struct {
	ingests          prometheus.Counter
	bytesSaved       prometheus.Counter
	storeUnavailable prometheus.Counter
	conflicts        prometheus.Counter
}

// NewMetrics constructs a Metrics set and, if reg is non-nil, registers
// it. Passing nil is useful for tests and for callers who assemble
// their own registry elsewhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_ingests_total",
			Help: "Total number of ingests successfully committed.",
		}),
		bytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_bytes_saved_total",
			Help: "Total bytes represented by referenced (non-original) recipe pieces.",
		}),
		storeUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_store_unavailable_total",
			Help: "Total candidate matches abandoned due to a transient index or blob read failure.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_commit_conflicts_total",
			Help: "Total commit attempts that failed to acquire the repository's serialization point.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingests, m.bytesSaved, m.storeUnavailable, m.conflicts)
	}
	return m
}

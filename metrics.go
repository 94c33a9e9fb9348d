// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type regionMetrics struct {
	epochs            prometheus.Counter
	commits           prometheus.Counter
	aborts            *prometheus.CounterVec
	writersAdmitted   prometheus.Counter
	writersBlocked    prometheus.Counter
	segmentsAllocated prometheus.Counter
	segmentsReclaimed prometheus.Counter
	allocFailures     prometheus.Counter
	activeTx          prometheus.Gauge
	writeSlotsFree    prometheus.Gauge
	epochDuration     prometheus.Histogram
}

func newRegionMetrics(reg prometheus.Registerer) *regionMetrics {
	return &regionMetrics{
		epochs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_epochs_total",
			Help: "stm_epochs_total counts the number of epochs that have been opened.",
		}),
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_commits_total",
			Help: "stm_commits_total counts the number of epoch-end commits performed.",
		}),
		aborts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stm_aborts_total",
				Help: "stm_aborts_total counts self-aborted transactions, labeled by the" +
					" operation that detected the conflict.",
			},
			[]string{"op"},
		),
		writersAdmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_writers_admitted_total",
			Help: "stm_writers_admitted_total counts writer transactions admitted into an epoch.",
		}),
		writersBlocked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_writers_blocked_total",
			Help: "stm_writers_blocked_total counts begin() calls that had to wait for the" +
				" next epoch because the current one's writer slots were full.",
		}),
		segmentsAllocated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_segments_allocated_total",
			Help: "stm_segments_allocated_total counts successful Alloc calls.",
		}),
		segmentsReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_segments_reclaimed_total",
			Help: "stm_segments_reclaimed_total counts tombstoned segments swept at commit.",
		}),
		allocFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stm_alloc_failures_total",
			Help: "stm_alloc_failures_total counts Alloc calls rejected because the region's" +
				" max arena size would have been exceeded.",
		}),
		activeTx: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stm_active_transactions",
			Help: "stm_active_transactions is the number of transactions currently admitted" +
				" into the open epoch.",
		}),
		writeSlotsFree: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stm_write_slots_free",
			Help: "stm_write_slots_free is the number of writer admissions remaining in the" +
				" open epoch.",
		}),
		epochDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "stm_epoch_duration_seconds",
			Help:    "stm_epoch_duration_seconds observes wall-clock time from an epoch's first writer admission to its commit.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

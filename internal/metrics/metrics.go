// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package metrics defines the Prometheus collectors for both binaries:
// rule timings, request latency, coalescer queue behaviour, and batch
// pipeline counters. All collectors register via promauto and surface
// on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rule metrics. Stage is one of global, local, pre_filter,
	// post_reorder.
	RuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recurate_rule_duration_seconds",
			Help:    "Duration of rule evaluations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "rule"},
	)

	RuleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurate_rule_failures_total",
			Help: "Total number of rule evaluations that failed and were skipped",
		},
		[]string{"stage", "rule"},
	)

	// Online request metrics.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recurate_request_duration_seconds",
			Help:    "Duration of recommendation requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurate_requests_total",
			Help: "Total recommendation requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	EmptyRecommendations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurate_empty_recommendations_total",
			Help: "Requests that returned an empty recommendation list",
		},
	)

	// Coalescer metrics.
	CoalesceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recurate_coalesce_queue_depth",
			Help: "Requests currently waiting for the next dispatch tick",
		},
	)

	CoalesceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recurate_coalesce_batch_size",
			Help:    "Number of requests drained per dispatch tick",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// Store metrics.
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recurate_store_query_duration_seconds",
			Help:    "Duration of data store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Batch pipeline metrics.
	BatchUsersProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurate_batch_users_processed_total",
			Help: "Users for which batch candidates were generated",
		},
	)

	BatchUsersSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurate_batch_users_skipped_total",
			Help: "Users skipped by the batch pipeline after a worker failure",
		},
	)

	BatchRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recurate_batch_run_duration_seconds",
			Help:    "End-to-end duration of batch pipeline runs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	CandidatesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recurate_candidates_saved_total",
			Help: "Candidate records upserted by the batch pipeline",
		},
	)
)

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes Prometheus metrics for the coordination engine.
// Metrics are global and label-free (no per-document cardinality); the
// optional /metrics endpoint is started from main when a metrics address is
// configured.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpsCommitted counts operations that reached a committed slot.
	OpsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_ops_committed_total",
		Help: "Operations committed to the version ledger",
	})
	// CommitRetries counts CAS rounds beyond the first attempt.
	CommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_commit_retries_total",
		Help: "Commit attempts retried after GAP_BEFORE/PENDING_BEFORE/VERSION_CONFLICT",
	})
	// StaleClients counts submissions and reads rejected with the resync signal.
	StaleClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_stale_clients_total",
		Help: "Requests rejected because the client version fell below the persisted tip",
	})
	// SlotsAbandoned counts PENDING slots released without a commit.
	SlotsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_slots_abandoned_total",
		Help: "Reserved slots abandoned before commit (retry exhaustion, transform failure, cancellation, reaping)",
	})
	// SavesCompleted / SavesSkipped track the persistence boundary.
	SavesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_saves_completed_total",
		Help: "Document saves that uploaded the binary and advanced the persisted tip",
	})
	SavesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_saves_skipped_total",
		Help: "Document saves skipped because the client's version was at or below the persisted tip",
	})
	// SessionsReaped / DocumentsReaped / PendingReaped track the reaper.
	SessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_sessions_reaped_total",
		Help: "Sessions removed after missing heartbeats past the stale threshold",
	})
	DocumentsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_documents_reaped_total",
		Help: "Document ledgers deleted after sessions and pending operations both emptied",
	})
	PendingReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_pending_slots_reaped_total",
		Help: "Crash-leaked PENDING slots deleted after exceeding the commit deadline",
	})
	// SubmitLatency observes the full reserve/transform/commit path.
	SubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_submit_duration_seconds",
		Help:    "Latency of the full submit path (reserve, transform, commit, retries)",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		OpsCommitted, CommitRetries, StaleClients, SlotsAbandoned,
		SavesCompleted, SavesSkipped,
		SessionsReaped, DocumentsReaped, PendingReaped,
		SubmitLatency,
	)
}

// Serve exposes /metrics on its own listener. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

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

// Package reaper implements the background sweep over active documents:
// stale sessions are evicted, leaked PENDING slots are abandoned, and
// documents with no sessions and no live slots have their ledger removed.
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"collab/internal/engine/kvc"
	"collab/internal/engine/presence"
	"collab/internal/telemetry"
)

const (
	// DefaultInterval is the sweep cadence.
	DefaultInterval = 30 * time.Second
	// DefaultPendingSlotTimeout expires a PENDING slot whose reservation is
	// older than this; the pipeline abandons its own slots in-line, so a
	// slot this old was leaked by a crashed process.
	DefaultPendingSlotTimeout = 30 * time.Second
)

// Reaper manages the background cleanup goroutine.
type Reaper struct {
	coord          kvc.Coordinator
	presence       *presence.Registry
	interval       time.Duration
	pendingTimeout time.Duration
	stopChan       chan struct{}
	wg             sync.WaitGroup
	stopped        uint32
}

// New creates the reaper. Non-positive durations select the defaults.
func New(coord kvc.Coordinator, reg *presence.Registry, interval, pendingTimeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingSlotTimeout
	}
	return &Reaper{
		coord:          coord,
		presence:       reg,
		interval:       interval,
		pendingTimeout: pendingTimeout,
		stopChan:       make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (r *Reaper) Start() {
	log.Info("starting reaper")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

// Stop gracefully stops the reaper after a final sweep.
func (r *Reaper) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	log.Info("stopping reaper")
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Reaper) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(context.Background())
		case <-r.stopChan:
			// Final sweep so a clean shutdown does not strand removable
			// ledgers until the next process picks them up.
			r.Sweep(context.Background())
			return
		}
	}
}

// Sweep runs one cleanup cycle over every active document. Errors on one
// document are logged and do not stop the sweep; a later cycle retries.
func (r *Reaper) Sweep(ctx context.Context) {
	docs, err := r.coord.ActiveDocuments(ctx)
	if err != nil {
		log.WithError(err).Warn("reaper: listing active documents failed")
		return
	}
	now := time.Now()
	for _, docID := range docs {
		if err := r.sweepDocument(ctx, docID, now); err != nil {
			log.WithError(err).WithField("doc", docID).Warn("reaper: sweep failed")
		}
	}
}

func (r *Reaper) sweepDocument(ctx context.Context, docID string, now time.Time) error {
	sessions, err := r.coord.ListSessions(ctx, docID)
	if err != nil {
		return err
	}
	live := len(sessions)
	for _, s := range sessions {
		if !r.presence.Stale(s, now) {
			continue
		}
		removed, err := r.presence.RemoveSession(ctx, docID, s.SessionID)
		if err != nil {
			return err
		}
		if removed {
			live--
			telemetry.SessionsReaped.Inc()
			log.WithFields(log.Fields{
				"doc": docID, "session": s.SessionID, "user": s.UserName,
				"lastHeartbeat": s.LastHeartbeat,
			}).Info("reaped stale session")
		}
	}

	// Abandon PENDING slots leaked past the timeout. The abandon passes the
	// exact sentinel observed in the listing, so a commit that lands between
	// the listing and the abandon wins and its payload survives; the CAS at
	// commit likewise means a submitter that somehow resurfaces cannot
	// commit into a slot that was reaped and re-reserved.
	slots, err := r.coord.ListPendingSlots(ctx, docID)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		if now.Sub(slot.ReservedAt) <= r.pendingTimeout {
			continue
		}
		if err := r.coord.Abandon(ctx, docID, slot.Version, slot.Sentinel); err != nil {
			return err
		}
		telemetry.PendingReaped.Inc()
		log.WithFields(log.Fields{"doc": docID, "version": slot.Version, "reservedAt": slot.ReservedAt}).
			Info("abandoned expired pending slot")
	}

	if live > 0 {
		return nil
	}
	count, err := r.coord.SlotCount(ctx, docID)
	if err != nil {
		return err
	}
	if count > 0 {
		// Unsaved committed work (or a still-fresh PENDING slot) keeps the
		// ledger alive so a rejoining client can recover it.
		return nil
	}
	if err := r.coord.DeleteLedger(ctx, docID); err != nil {
		return err
	}
	telemetry.DocumentsReaped.Inc()
	log.WithField("doc", docID).Info("removed idle document ledger")
	return nil
}

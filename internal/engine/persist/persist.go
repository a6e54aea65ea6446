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

// Package persist coordinates the save boundary: the client-rendered sfdt is
// serialized and uploaded to the object store, then the persisted tip is
// advanced and superseded slots are pruned. Saves are UI-initiated — the
// client holds the authoritative latest-applied version and has already
// rendered that state, so the server never maintains a document replica.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"collab/internal/engine/docstore"
	"collab/internal/engine/kvc"
	"collab/internal/telemetry"
)

// ErrSaveFailed wraps object-store upload failures. The ledger is untouched
// when this is returned: the tip does not advance and no slot is pruned, so
// a retried save redoes the work.
var ErrSaveFailed = errors.New("save failed")

// Coordinator owns the persistence boundary for all documents.
type Coordinator struct {
	coord   kvc.Coordinator
	objects docstore.ObjectStore
	codec   docstore.Codec
}

// New builds the persistence coordinator.
func New(coord kvc.Coordinator, objects docstore.ObjectStore, codec docstore.Codec) *Coordinator {
	return &Coordinator{coord: coord, objects: objects, codec: codec}
}

// ShouldSave reports whether the client holds state beyond the persisted
// tip, and the tip itself.
func (c *Coordinator) ShouldSave(ctx context.Context, docID string, clientAppliedVersion int64) (bool, int64, error) {
	_, persisted, err := c.coord.Versions(ctx, docID)
	if err != nil {
		return false, 0, err
	}
	return clientAppliedVersion > persisted, persisted, nil
}

// Save serializes and uploads the sfdt, then advances the persisted tip to
// clientAppliedVersion and prunes superseded slots. Returns skipped=true
// without touching anything when the tip already covers the client's state.
//
// The cleanup step is idempotent and monotone, so a save that loses the
// race to a newer save cannot move the tip backwards; its upload is simply
// superseded.
func (c *Coordinator) Save(ctx context.Context, docID, sfdt string, clientAppliedVersion int64) (skipped bool, err error) {
	_, persisted, err := c.coord.Versions(ctx, docID)
	if err != nil {
		return false, err
	}
	if clientAppliedVersion <= persisted {
		telemetry.SavesSkipped.Inc()
		log.WithFields(log.Fields{"doc": docID, "client": clientAppliedVersion, "persisted": persisted}).
			Debug("save skipped; persisted tip already covers the client state")
		return true, nil
	}

	data, err := c.codec.Encode(sfdt)
	if err != nil {
		return false, fmt.Errorf("%w: encode %s: %s", ErrSaveFailed, docID, err)
	}
	start := time.Now()
	if err := c.objects.Store(ctx, docID, data); err != nil {
		return false, fmt.Errorf("%w: upload %s: %s", ErrSaveFailed, docID, err)
	}

	if err := c.coord.SaveCleanup(ctx, docID, clientAppliedVersion); err != nil {
		// The binary is durable but the tip was not advanced; a retry or a
		// later save repeats the cleanup harmlessly.
		return false, err
	}
	telemetry.SavesCompleted.Inc()
	log.WithFields(log.Fields{
		"doc": docID, "version": clientAppliedVersion,
		"bytes": len(data), "took": time.Since(start),
	}).Info("document saved")
	return false, nil
}

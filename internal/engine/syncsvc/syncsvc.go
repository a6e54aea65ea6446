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

// Package syncsvc is the read path: importing a document for a joining
// client, and serving missed operations to lagging or reconnecting clients.
package syncsvc

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"collab/internal/engine/docstore"
	"collab/internal/engine/kvc"
	"collab/internal/engine/pipeline"
)

// Applier replays committed operations onto document text. It is the apply
// half of the external OT contract; the default implementation lives in the
// ot package.
type Applier interface {
	Apply(sfdt string, ops []pipeline.Operation) (string, error)
}

// ImportResult is a freshly loaded document rolled forward to the ledger
// tip, plus the version stamp clients submit against.
type ImportResult struct {
	SFDT    string `json:"sfdt"`
	Version int64  `json:"version"`
}

// SyncResult mirrors the get-pending primitive for the HTTP surface.
// WindowStart is populated only on resync.
type SyncResult struct {
	Operations  []pipeline.Operation `json:"operations"`
	Resync      bool                 `json:"resync"`
	WindowStart int64                `json:"windowStart,omitempty"`
}

// Service wires the coordinator, the object store, the codec, and the OT
// applier.
type Service struct {
	coord   kvc.Coordinator
	objects docstore.ObjectStore
	codec   docstore.Codec
	applier Applier
}

// New builds the sync service.
func New(coord kvc.Coordinator, objects docstore.ObjectStore, codec docstore.Codec, applier Applier) *Service {
	return &Service{coord: coord, objects: objects, codec: codec, applier: applier}
}

// Import loads the binary document, applies the contiguous committed suffix
// in (P, V], and returns the sfdt stamped with the highest version the
// result reflects. A PENDING slot in the middle of the suffix stops the
// replay; the skipped operations reach the client later through GetSince
// once their predecessors commit.
//
// Creates the ledger if this is the document's first use.
func (s *Service) Import(ctx context.Context, docID string) (ImportResult, error) {
	if _, err := s.coord.Init(ctx, docID); err != nil {
		return ImportResult{}, err
	}

	data, err := s.objects.Load(ctx, docID)
	if err != nil {
		return ImportResult{}, err
	}
	sfdt, err := s.codec.Decode(data)
	if err != nil {
		return ImportResult{}, fmt.Errorf("decode document %s: %w", docID, err)
	}

	version, persisted, err := s.coord.Versions(ctx, docID)
	if err != nil {
		return ImportResult{}, err
	}
	// The binary reflects everything up to the persisted tip; replay the
	// committed operations after it. clientVersion = P can never be stale.
	pr, err := s.coord.GetPending(ctx, docID, persisted)
	if err != nil {
		return ImportResult{}, err
	}
	ops, err := pipeline.DecodeOperations(pr.Ops)
	if err != nil {
		return ImportResult{}, err
	}
	if len(ops) > 0 {
		if sfdt, err = s.applier.Apply(sfdt, ops); err != nil {
			return ImportResult{}, fmt.Errorf("replay operations on %s: %w", docID, err)
		}
	}

	// The replay is contiguous from the persisted tip, so the highest
	// version the text reflects is P plus the number of applied ops. When a
	// PENDING slot truncated the suffix, that — not the counter — is the
	// honest stamp: the skipped operations are not in the text and the
	// client must submit against what it actually has. Otherwise the stamp
	// is max(V, P), which also covers a cold ledger where V lags P.
	stamp := version
	if persisted > stamp {
		stamp = persisted
	}
	if reflected := persisted + int64(len(ops)); reflected < version {
		stamp = reflected
	}

	log.WithFields(log.Fields{"doc": docID, "version": stamp, "applied": len(ops)}).
		Debug("imported document")
	return ImportResult{SFDT: sfdt, Version: stamp}, nil
}

// GetSince returns the contiguous committed suffix after clientVersion, or
// the resync signal when the client fell below the persisted tip.
func (s *Service) GetSince(ctx context.Context, docID string, clientVersion int64) (SyncResult, error) {
	pr, err := s.coord.GetPending(ctx, docID, clientVersion)
	if err != nil {
		return SyncResult{}, err
	}
	if pr.Resync {
		return SyncResult{Operations: []pipeline.Operation{}, Resync: true, WindowStart: pr.WindowStart}, nil
	}
	ops, err := pipeline.DecodeOperations(pr.Ops)
	if err != nil {
		return SyncResult{}, err
	}
	if ops == nil {
		ops = []pipeline.Operation{}
	}
	return SyncResult{Operations: ops}, nil
}

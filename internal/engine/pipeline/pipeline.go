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

// Package pipeline implements the operation append path: reserve a version,
// transform the incoming operation against the committed context, and commit
// under CAS with bounded retry. No lock is held across the transform; only
// the scripted reserve and commit phases are atomic, which is what lets
// concurrent submitters make progress while still producing a totally
// ordered log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"collab/internal/engine/hub"
	"collab/internal/engine/kvc"
	"collab/internal/telemetry"
)

// DefaultMaxRetries bounds CAS rounds before the slot is abandoned.
const DefaultMaxRetries = 5

// Operation is the engine's view of a client edit. Operations (the editor's
// action list) stays opaque: the ledger stores the serialized form and the
// transform function owns its semantics.
type Operation struct {
	DocumentID    string          `json:"fileId"`
	Version       int64           `json:"version"`
	ConnectionID  string          `json:"connectionId,omitempty"`
	UserName      string          `json:"currentUser,omitempty"`
	Operations    json.RawMessage `json:"operations"`
	IsTransformed bool            `json:"isTransformed"`
}

// Encode serializes an operation for a ledger slot.
func (o Operation) Encode() (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode operation: %w", err)
	}
	return string(b), nil
}

// DecodeOperation parses a ledger slot payload.
func DecodeOperation(payload string) (Operation, error) {
	var op Operation
	if err := json.Unmarshal([]byte(payload), &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

// DecodeOperations parses a slice of slot payloads in order.
func DecodeOperations(payloads []string) ([]Operation, error) {
	ops := make([]Operation, 0, len(payloads))
	for _, p := range payloads {
		op, err := DecodeOperation(p)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// RequestContext is the narrow identity extracted at the transport edge. No
// transport type crosses into the engine.
type RequestContext struct {
	UserName   string
	SessionID  string
	DocumentID string
}

// Transformer is the external OT function: a pure value-in/value-out
// transform of an operation against the ordered context of operations
// committed after the client's base version. It never touches ledger state.
type Transformer interface {
	Transform(op Operation, context []Operation) (Operation, error)
}

// StaleClientError signals that the client's version fell below the
// persisted tip and it must re-import the document.
type StaleClientError struct {
	ClientVersion    int64
	PersistedVersion int64
}

func (e *StaleClientError) Error() string {
	return fmt.Sprintf("client at %d < persisted %d", e.ClientVersion, e.PersistedVersion)
}

// ErrRetriesExhausted is returned after MaxRetries failed CAS rounds. The
// reserved slot has been abandoned by the time callers see this error.
var ErrRetriesExhausted = errors.New("commit retries exhausted")

// Pipeline coordinates submissions for all documents.
type Pipeline struct {
	coord       kvc.Coordinator
	transformer Transformer
	fanout      *hub.Hub
	maxRetries  int
}

// New wires a pipeline. maxRetries <= 0 selects DefaultMaxRetries.
func New(coord kvc.Coordinator, transformer Transformer, fanout *hub.Hub, maxRetries int) *Pipeline {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Pipeline{coord: coord, transformer: transformer, fanout: fanout, maxRetries: maxRetries}
}

// Submit runs the append path for one operation and returns the committed,
// transformed operation carrying its assigned version.
//
// The source operation is never mutated: every transform round starts from
// the original payload against a freshly read context, so a retry after a
// concurrent commit cannot double-apply a transformation.
//
// On every non-OK exit the reserved slot is abandoned — including transform
// failure, store failure, cancellation, and retry exhaustion — because a
// leaked PENDING slot stalls every later commit on the document.
func (p *Pipeline) Submit(ctx context.Context, rc RequestContext, clientVersion int64, raw Operation) (Operation, error) {
	start := time.Now()
	defer func() { telemetry.SubmitLatency.Observe(time.Since(start).Seconds()) }()

	if _, err := p.coord.EnsureMin(ctx, rc.DocumentID); err != nil {
		return Operation{}, err
	}

	res, err := p.coord.Reserve(ctx, rc.DocumentID, clientVersion)
	if err != nil {
		return Operation{}, err
	}
	if res.StaleClient {
		telemetry.StaleClients.Inc()
		return Operation{}, &StaleClientError{ClientVersion: clientVersion, PersistedVersion: res.PersistedVersion}
	}

	version := res.NewVersion
	committed := false
	defer func() {
		if committed {
			return
		}
		// The request context may already be cancelled; the abandon must
		// still reach the store. The sentinel guard means that if our commit
		// EVAL applied but its reply was lost, this abandon is a no-op
		// instead of erasing the committed payload.
		if err := p.coord.Abandon(context.WithoutCancel(ctx), rc.DocumentID, version, res.Sentinel); err != nil {
			log.WithFields(log.Fields{"doc": rc.DocumentID, "version": version, "err": err}).
				Error("failed to abandon reserved slot; commits beyond it will stall until reaped")
			return
		}
		telemetry.SlotsAbandoned.Inc()
	}()

	priorOps, err := DecodeOperations(res.PriorOps)
	if err != nil {
		return Operation{}, err
	}

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Operation{}, err
		}
		if attempt > 0 {
			telemetry.CommitRetries.Inc()
		}

		op := raw
		op.DocumentID = rc.DocumentID
		op.Version = version
		op.ConnectionID = rc.SessionID
		op.UserName = rc.UserName
		transformed, err := p.transformer.Transform(op, priorOps)
		if err != nil {
			return Operation{}, fmt.Errorf("transform operation %d on %s: %w", version, rc.DocumentID, err)
		}
		transformed.Version = version
		transformed.IsTransformed = true

		payload, err := transformed.Encode()
		if err != nil {
			return Operation{}, err
		}
		cr, err := p.coord.Commit(ctx, rc.DocumentID, version, res.Sentinel, payload)
		if err != nil {
			return Operation{}, err
		}

		switch cr.Status {
		case kvc.CommitOK:
			committed = true
			telemetry.OpsCommitted.Inc()
			if p.fanout != nil {
				p.fanout.Publish(hub.Event{Action: hub.ActionUpdate, DocumentID: rc.DocumentID, Payload: transformed})
			}
			return transformed, nil

		case kvc.CommitGapBefore, kvc.CommitPendingBefore:
			// A concurrent submitter committed (or is still holding a
			// slot) between our reserve and commit. Re-read the committed
			// prefix and transform again from the original operation.
			log.WithFields(log.Fields{
				"doc": rc.DocumentID, "version": version,
				"status": cr.Status.String(), "blocking": cr.BlockingVersion,
			}).Debug("commit preconditions not yet met; retrying")

		case kvc.CommitVersionConflict:
			// Our slot no longer holds the reserve sentinel: either it was
			// pruned by a concurrent save or tampered with. Protocol
			// violation; log loudly and retry like the other failures.
			log.WithFields(log.Fields{"doc": rc.DocumentID, "version": version}).
				Warn("commit found slot without our sentinel")
		}

		pr, err := p.coord.GetPending(ctx, rc.DocumentID, clientVersion)
		if err != nil {
			return Operation{}, err
		}
		if pr.Resync {
			// A save advanced the persisted tip past the client's base
			// version mid-flight. The client can no longer be told how to
			// transform; surface the resync signal.
			telemetry.StaleClients.Inc()
			return Operation{}, &StaleClientError{ClientVersion: clientVersion, PersistedVersion: pr.WindowStart - 1}
		}
		if priorOps, err = DecodeOperations(pr.Ops); err != nil {
			return Operation{}, err
		}
	}

	return Operation{}, fmt.Errorf("operation %d on %s: %w", version, rc.DocumentID, ErrRetriesExhausted)
}

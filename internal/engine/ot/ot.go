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

// Package ot is the default operational-transformation library: plain-text
// insert/delete/format actions with position-preserving transforms. The
// coordination engine treats operation payloads as opaque; this package is
// the one place that understands them. A deployment with a richer document
// model supplies its own pipeline.Transformer and syncsvc.Applier instead.
package ot

import (
	"encoding/json"
	"fmt"

	"collab/internal/engine/pipeline"
)

// Action kinds.
const (
	ActionInsert = "insert"
	ActionDelete = "delete"
	ActionFormat = "format"
)

// Action is one fine-grained edit within an operation. Positions are rune
// offsets into the document text. Format carries no text change; it is
// transformed like a ranged no-op so formatting lands on the characters the
// user selected.
type Action struct {
	Type     string `json:"action"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
	Format   string `json:"format,omitempty"`
}

func decodeActions(raw json.RawMessage) ([]Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	return actions, nil
}

func encodeActions(actions []Action) (json.RawMessage, error) {
	b, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}
	return b, nil
}

// Validate rejects actions that cannot apply to any document state.
func Validate(a Action) error {
	if a.Position < 0 {
		return fmt.Errorf("position %d must be non-negative", a.Position)
	}
	switch a.Type {
	case ActionInsert:
		if a.Text == "" {
			return fmt.Errorf("insert must carry text")
		}
	case ActionDelete:
		if a.Length <= 0 {
			return fmt.Errorf("delete length %d must be positive", a.Length)
		}
	case ActionFormat:
		if a.Length <= 0 {
			return fmt.Errorf("format length %d must be positive", a.Length)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// transformAgainst rewrites action a to account for action b having already
// been applied. Rules follow the usual character-wise OT:
//
//   - b insert at or before a's position shifts a right by the insert size.
//     An insert/insert tie also shifts a: the earlier-committed op wins the
//     position.
//   - b delete entirely before a shifts a left; a position inside the
//     deleted range collapses to the range start. A ranged action (delete or
//     format) overlapping the deleted range is shortened by the overlap; an
//     insert inside the deleted range survives at the range start (the
//     committed delete never swallows text the later writer typed).
func transformAgainst(a, b Action) Action {
	switch b.Type {
	case ActionInsert:
		shift := len([]rune(b.Text))
		if b.Position <= a.Position {
			a.Position += shift
		} else if ranged(a) && b.Position < a.Position+a.Length {
			// Insert lands inside a's range: the range now also covers the
			// inserted text.
			a.Length += shift
		}
	case ActionDelete:
		delStart, delEnd := b.Position, b.Position+b.Length
		if ranged(a) {
			aStart, aEnd := a.Position, a.Position+a.Length
			overlap := intersect(aStart, aEnd, delStart, delEnd)
			a.Length -= overlap
			if delStart < aStart {
				removedBefore := min(delEnd, aStart) - delStart
				a.Position -= removedBefore
			}
			if a.Length < 0 {
				a.Length = 0
			}
		} else {
			if delEnd <= a.Position {
				a.Position -= b.Length
			} else if delStart < a.Position {
				a.Position = delStart
			}
		}
	}
	// Format never changes document length, so it transforms nothing.
	return a
}

func ranged(a Action) bool {
	return a.Type == ActionDelete || a.Type == ActionFormat
}

func intersect(aStart, aEnd, bStart, bEnd int) int {
	lo := max(aStart, bStart)
	hi := min(aEnd, bEnd)
	if hi < lo {
		return 0
	}
	return hi - lo
}

// Transformer implements pipeline.Transformer for text actions.
type Transformer struct{}

// NewTransformer returns the default text transformer.
func NewTransformer() Transformer { return Transformer{} }

// Transform returns op adjusted to apply after every operation in context,
// in order. The input operation is not modified.
func (Transformer) Transform(op pipeline.Operation, context []pipeline.Operation) (pipeline.Operation, error) {
	actions, err := decodeActions(op.Operations)
	if err != nil {
		return pipeline.Operation{}, err
	}
	for _, a := range actions {
		if err := Validate(a); err != nil {
			return pipeline.Operation{}, fmt.Errorf("operation on %s: %w", op.DocumentID, err)
		}
	}
	for _, prior := range context {
		priorActions, err := decodeActions(prior.Operations)
		if err != nil {
			return pipeline.Operation{}, fmt.Errorf("context version %d: %w", prior.Version, err)
		}
		for _, b := range priorActions {
			for i := range actions {
				actions[i] = transformAgainst(actions[i], b)
			}
		}
	}
	raw, err := encodeActions(actions)
	if err != nil {
		return pipeline.Operation{}, err
	}
	op.Operations = raw
	return op, nil
}

// Applier replays committed operations onto document text. Used at import
// time to roll a freshly loaded document forward to the ledger's tip.
type Applier struct{}

// NewApplier returns the default text applier.
func NewApplier() Applier { return Applier{} }

// Apply replays ops, in order, onto sfdt and returns the resulting text.
// Positions are clamped to the document bounds: a committed operation is
// never rejected at replay time.
func (Applier) Apply(sfdt string, ops []pipeline.Operation) (string, error) {
	doc := []rune(sfdt)
	for _, op := range ops {
		actions, err := decodeActions(op.Operations)
		if err != nil {
			return "", fmt.Errorf("apply version %d: %w", op.Version, err)
		}
		for _, a := range actions {
			doc = applyAction(doc, a)
		}
	}
	return string(doc), nil
}

func applyAction(doc []rune, a Action) []rune {
	switch a.Type {
	case ActionInsert:
		pos := clamp(a.Position, 0, len(doc))
		ins := []rune(a.Text)
		out := make([]rune, 0, len(doc)+len(ins))
		out = append(out, doc[:pos]...)
		out = append(out, ins...)
		return append(out, doc[pos:]...)
	case ActionDelete:
		start := clamp(a.Position, 0, len(doc))
		end := clamp(a.Position+a.Length, start, len(doc))
		out := make([]rune, 0, len(doc)-(end-start))
		out = append(out, doc[:start]...)
		return append(out, doc[end:]...)
	default:
		// Formatting carries no text change.
		return doc
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

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

package ot

import (
	"encoding/json"
	"testing"

	"collab/internal/engine/pipeline"
)

func mustActions(t *testing.T, actions ...Action) json.RawMessage {
	t.Helper()
	raw, err := encodeActions(actions)
	if err != nil {
		t.Fatalf("encode actions: %v", err)
	}
	return raw
}

func opWith(t *testing.T, version int64, actions ...Action) pipeline.Operation {
	t.Helper()
	return pipeline.Operation{
		DocumentID: "doc-1",
		Version:    version,
		Operations: mustActions(t, actions...),
	}
}

func decodeResult(t *testing.T, op pipeline.Operation) []Action {
	t.Helper()
	actions, err := decodeActions(op.Operations)
	if err != nil {
		t.Fatalf("decode transformed actions: %v", err)
	}
	return actions
}

func TestTransformAgainstInsert(t *testing.T) {
	cases := []struct {
		name string
		a, b Action
		want Action
	}{
		{
			name: "insert before shifts right",
			a:    Action{Type: ActionInsert, Position: 5, Text: "x"},
			b:    Action{Type: ActionInsert, Position: 2, Text: "ab"},
			want: Action{Type: ActionInsert, Position: 7, Text: "x"},
		},
		{
			name: "insert after leaves position",
			a:    Action{Type: ActionInsert, Position: 1, Text: "x"},
			b:    Action{Type: ActionInsert, Position: 4, Text: "ab"},
			want: Action{Type: ActionInsert, Position: 1, Text: "x"},
		},
		{
			name: "tie shifts the later op",
			a:    Action{Type: ActionInsert, Position: 3, Text: "x"},
			b:    Action{Type: ActionInsert, Position: 3, Text: "yy"},
			want: Action{Type: ActionInsert, Position: 5, Text: "x"},
		},
		{
			name: "insert inside delete range grows the range",
			a:    Action{Type: ActionDelete, Position: 2, Length: 4},
			b:    Action{Type: ActionInsert, Position: 4, Text: "zz"},
			want: Action{Type: ActionDelete, Position: 2, Length: 6},
		},
		{
			name: "multi rune insert shifts by rune count",
			a:    Action{Type: ActionInsert, Position: 5, Text: "x"},
			b:    Action{Type: ActionInsert, Position: 0, Text: "héllo"},
			want: Action{Type: ActionInsert, Position: 10, Text: "x"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transformAgainst(tc.a, tc.b); got != tc.want {
				t.Fatalf("transformAgainst() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestTransformAgainstDelete(t *testing.T) {
	cases := []struct {
		name string
		a, b Action
		want Action
	}{
		{
			name: "delete before shifts left",
			a:    Action{Type: ActionInsert, Position: 8, Text: "x"},
			b:    Action{Type: ActionDelete, Position: 2, Length: 3},
			want: Action{Type: ActionInsert, Position: 5, Text: "x"},
		},
		{
			name: "position inside deleted range collapses to start",
			a:    Action{Type: ActionInsert, Position: 4, Text: "x"},
			b:    Action{Type: ActionDelete, Position: 2, Length: 5},
			want: Action{Type: ActionInsert, Position: 2, Text: "x"},
		},
		{
			name: "overlapping delete shrinks by overlap",
			a:    Action{Type: ActionDelete, Position: 4, Length: 6},
			b:    Action{Type: ActionDelete, Position: 2, Length: 4},
			want: Action{Type: ActionDelete, Position: 2, Length: 4},
		},
		{
			name: "delete fully covering range collapses it",
			a:    Action{Type: ActionDelete, Position: 3, Length: 2},
			b:    Action{Type: ActionDelete, Position: 1, Length: 8},
			want: Action{Type: ActionDelete, Position: 1, Length: 0},
		},
		{
			name: "format range shrinks like delete range",
			a:    Action{Type: ActionFormat, Position: 4, Length: 4, Format: "bold"},
			b:    Action{Type: ActionDelete, Position: 6, Length: 10},
			want: Action{Type: ActionFormat, Position: 4, Length: 2, Format: "bold"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := transformAgainst(tc.a, tc.b); got != tc.want {
				t.Fatalf("transformAgainst() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestTransformAgainstFormatIsNeutral(t *testing.T) {
	a := Action{Type: ActionInsert, Position: 3, Text: "x"}
	b := Action{Type: ActionFormat, Position: 0, Length: 10, Format: "bold"}
	if got := transformAgainst(a, b); got != a {
		t.Fatalf("format transformed the action: %+v", got)
	}
}

func TestTransformerFoldsContextInOrder(t *testing.T) {
	tr := NewTransformer()
	op := opWith(t, 0, Action{Type: ActionInsert, Position: 10, Text: "x"})
	ctx := []pipeline.Operation{
		opWith(t, 1, Action{Type: ActionInsert, Position: 0, Text: "ab"}), // 10 -> 12
		opWith(t, 2, Action{Type: ActionDelete, Position: 5, Length: 3}), // 12 -> 9
	}
	out, err := tr.Transform(op, ctx)
	if err != nil {
		t.Fatalf("Transform() error: %v", err)
	}
	got := decodeResult(t, out)
	if len(got) != 1 || got[0].Position != 9 {
		t.Fatalf("transformed actions = %+v, want single insert at 9", got)
	}
}

func TestTransformerEmptyContextIsIdentity(t *testing.T) {
	tr := NewTransformer()
	op := opWith(t, 0, Action{Type: ActionInsert, Position: 4, Text: "x"})
	out, err := tr.Transform(op, nil)
	if err != nil {
		t.Fatalf("Transform() error: %v", err)
	}
	got := decodeResult(t, out)
	if len(got) != 1 || got[0].Position != 4 || got[0].Text != "x" {
		t.Fatalf("transformed actions = %+v, want unchanged insert at 4", got)
	}
}

func TestTransformerRejectsInvalidActions(t *testing.T) {
	tr := NewTransformer()
	cases := []Action{
		{Type: ActionInsert, Position: -1, Text: "x"},
		{Type: ActionInsert, Position: 0},
		{Type: ActionDelete, Position: 0, Length: 0},
		{Type: "move", Position: 0},
	}
	for _, a := range cases {
		if _, err := tr.Transform(opWith(t, 0, a), nil); err == nil {
			t.Fatalf("Transform(%+v) succeeded, want validation error", a)
		}
	}
}

func TestApplierReplaysInOrder(t *testing.T) {
	ap := NewApplier()
	ops := []pipeline.Operation{
		opWith(t, 1, Action{Type: ActionInsert, Position: 5, Text: " there"}),
		opWith(t, 2, Action{Type: ActionDelete, Position: 0, Length: 6}),
		opWith(t, 3, Action{Type: ActionFormat, Position: 0, Length: 5, Format: "bold"}),
	}
	got, err := ap.Apply("hello", ops)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got != "there" {
		t.Fatalf("Apply() = %q, want %q", got, "there")
	}
}

func TestApplierClampsOutOfRange(t *testing.T) {
	ap := NewApplier()
	ops := []pipeline.Operation{
		opWith(t, 1, Action{Type: ActionInsert, Position: 100, Text: "!"}),
		opWith(t, 2, Action{Type: ActionDelete, Position: 3, Length: 100}),
	}
	got, err := ap.Apply("abc", ops)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if got != "abc" {
		t.Fatalf("Apply() = %q, want %q", got, "abc")
	}
}

// Convergence: two operations with the same base, applied in commit order
// with the second transformed against the first, must produce one document.
func TestTransformThenApplyConverges(t *testing.T) {
	tr := NewTransformer()
	ap := NewApplier()
	base := "the quick fox"

	opA := opWith(t, 0, Action{Type: ActionInsert, Position: 10, Text: "brown "})
	opB := opWith(t, 0, Action{Type: ActionDelete, Position: 0, Length: 4})

	// opA commits first untransformed; opB transforms against it.
	bT, err := tr.Transform(opB, []pipeline.Operation{opA})
	if err != nil {
		t.Fatalf("Transform() error: %v", err)
	}
	got, err := ap.Apply(base, []pipeline.Operation{opA, bT})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if want := "quick brown fox"; got != want {
		t.Fatalf("converged document = %q, want %q", got, want)
	}
}

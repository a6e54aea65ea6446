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

// Package docstore is the boundary to the binary document: the object store
// that holds the serialized file, and the codec between the stored binary
// form and the editor's exchange format (sfdt). The coordination engine
// never interprets the binary; durability of individual operations lives in
// the ledger, and the binary is rewritten lazily on explicit save.
package docstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound reports an unknown document id.
var ErrNotFound = errors.New("document not found")

// ObjectStore reads and writes the binary document, keyed by document id.
type ObjectStore interface {
	// Load returns the stored binary, or ErrNotFound.
	Load(ctx context.Context, docID string) ([]byte, error)
	// Store uploads the binary, replacing any previous object.
	Store(ctx context.Context, docID string, data []byte) error
}

// Codec converts between the stored binary form and sfdt. The default
// TextCodec treats the binary as UTF-8 sfdt; a real office-format codec
// replaces it at wiring time.
type Codec interface {
	Decode(data []byte) (sfdt string, err error)
	Encode(sfdt string) ([]byte, error)
}

// TextCodec is the identity codec.
type TextCodec struct{}

func (TextCodec) Decode(data []byte) (string, error) { return string(data), nil }
func (TextCodec) Encode(sfdt string) ([]byte, error) { return []byte(sfdt), nil }

// Memory is an in-process ObjectStore for tests and single-node trials.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, docID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[docID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Store(_ context.Context, docID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[docID] = cp
	return nil
}

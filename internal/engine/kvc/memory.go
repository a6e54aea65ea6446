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

// In-memory Coordinator. A single-process reference implementation of the
// scripted primitives: each method runs under one mutex, which gives it the
// same atomicity the Lua scripts have on Redis. It backs the unit tests for
// every component above the coordinator, so no test needs infrastructure.
package kvc

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryLedger struct {
	version   int64
	persisted int64
	// slots maps version -> payload or PENDING sentinel.
	slots    map[int64]string
	sessions map[string]Session
}

// Memory implements Coordinator entirely in process memory.
type Memory struct {
	mu      sync.Mutex
	ledgers map[string]*memoryLedger
	active  map[string]bool
	mapping map[string]string // sessionId -> docId
}

// NewMemory returns an empty in-memory coordinator.
func NewMemory() *Memory {
	return &Memory{
		ledgers: make(map[string]*memoryLedger),
		active:  make(map[string]bool),
		mapping: make(map[string]string),
	}
}

// ledger returns the document's ledger, creating an empty one on demand the
// way Redis materializes keys on first write.
func (m *Memory) ledger(docID string) *memoryLedger {
	l, ok := m.ledgers[docID]
	if !ok {
		l = &memoryLedger{slots: make(map[int64]string), sessions: make(map[string]Session)}
		m.ledgers[docID] = l
	}
	return l
}

func (m *Memory) Init(_ context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ledgers[docID]; ok {
		return false, nil
	}
	m.ledger(docID)
	return true, nil
}

func (m *Memory) EnsureMin(_ context.Context, docID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	if l.version < l.persisted {
		l.version = l.persisted
	}
	return l.version, nil
}

func (m *Memory) Reserve(_ context.Context, docID string, clientVersion int64) (ReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	if clientVersion < l.persisted {
		return ReserveResult{StaleClient: true, PersistedVersion: l.persisted}, nil
	}
	l.version++
	sentinel := PendingSentinel(time.Now())
	l.slots[l.version] = sentinel
	out := ReserveResult{NewVersion: l.version, Sentinel: sentinel}
	for v := clientVersion + 1; v < l.version; v++ {
		slot, ok := l.slots[v]
		if !ok || IsPendingSentinel(slot) {
			break
		}
		out.PriorOps = append(out.PriorOps, slot)
	}
	return out, nil
}

func (m *Memory) Commit(_ context.Context, docID string, version int64, sentinel, payload string) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	for v := l.persisted + 1; v < version; v++ {
		slot, ok := l.slots[v]
		if !ok {
			return CommitResult{Status: CommitGapBefore, BlockingVersion: v}, nil
		}
		if IsPendingSentinel(slot) {
			return CommitResult{Status: CommitPendingBefore, BlockingVersion: v}, nil
		}
	}
	if l.slots[version] != sentinel {
		return CommitResult{Status: CommitVersionConflict, BlockingVersion: version}, nil
	}
	l.slots[version] = payload
	return CommitResult{Status: CommitOK, BlockingVersion: version}, nil
}

func (m *Memory) Abandon(_ context.Context, docID string, version int64, sentinel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	if l.slots[version] != sentinel {
		return nil
	}
	delete(l.slots, version)
	return nil
}

func (m *Memory) GetPending(_ context.Context, docID string, clientVersion int64) (PendingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	if clientVersion < l.persisted {
		return PendingResult{Resync: true, WindowStart: l.persisted + 1}, nil
	}
	out := PendingResult{WindowStart: l.persisted + 1}
	for v := clientVersion + 1; v <= l.version; v++ {
		slot, ok := l.slots[v]
		if !ok || IsPendingSentinel(slot) {
			break
		}
		out.Ops = append(out.Ops, slot)
	}
	return out, nil
}

func (m *Memory) SaveCleanup(_ context.Context, docID string, savedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	if savedVersion > l.persisted {
		l.persisted = savedVersion
	}
	for v := range l.slots {
		if v <= savedVersion {
			delete(l.slots, v)
		}
	}
	return nil
}

func (m *Memory) Versions(_ context.Context, docID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	return l.version, l.persisted, nil
}

func (m *Memory) AddSession(_ context.Context, docID string, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	l.sessions[s.SessionID] = s
	m.active[docID] = true
	m.mapping[s.SessionID] = docID
	return nil
}

func (m *Memory) RemoveSession(_ context.Context, docID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	_, ok := l.sessions[sessionID]
	delete(l.sessions, sessionID)
	delete(m.mapping, sessionID)
	if len(l.sessions) == 0 && len(l.slots) == 0 {
		delete(m.active, docID)
	}
	return ok, nil
}

func (m *Memory) TouchSessions(_ context.Context, docID, userName string, at time.Time, t Touch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	for id, s := range l.sessions {
		if s.UserName != userName {
			continue
		}
		if t.Heartbeat {
			s.LastHeartbeat = at
		}
		if t.Action {
			s.LastAction = at
		}
		if t.Save {
			s.LastSave = at
		}
		l.sessions[id] = s
	}
	return nil
}

func (m *Memory) ListSessions(_ context.Context, docID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledger(docID)
	out := make([]Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (m *Memory) ActiveDocuments(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for docID := range m.active {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SlotCount(_ context.Context, docID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ledger(docID).slots)), nil
}

func (m *Memory) ListPendingSlots(_ context.Context, docID string) ([]PendingSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingSlot
	for v, slot := range m.ledger(docID).slots {
		if at, ok := PendingReservedAt(slot); ok {
			out = append(out, PendingSlot{Version: v, ReservedAt: at, Sentinel: slot})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Memory) DeleteLedger(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.ledgers[docID]; ok {
		for sid := range l.sessions {
			delete(m.mapping, sid)
		}
	}
	delete(m.ledgers, docID)
	delete(m.active, docID)
	return nil
}

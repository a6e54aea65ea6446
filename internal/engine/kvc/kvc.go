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

// Package kvc implements the Key-Value Coordinator: the scripted, atomic
// primitives that maintain the per-document version ledger. The ledger is the
// single source of truth for operation ordering; every write to a ledger key
// goes through one of the primitives below, each of which executes as a
// single transaction against the backing store.
//
// The ledger for a document D consists of:
//   - D:version            the version counter V(D)
//   - D:persisted_version  the persisted tip P(D)
//   - D:ops_hash           version -> committed payload | PENDING sentinel
//   - D:ops_index          ordered set of live versions
//   - D:user_info          sessionId -> session record
//
// plus the global active_rooms set and sessionIdToRoomIdMapping hash.
//
// Invariants maintained by every primitive:
//  1. Gapless: every version in (P, V] has a slot (pending or committed).
//  2. Monotone version: V never decreases; a slot at v is created only by
//     the script that advanced V to at least v.
//  3. Persisted prefix: slots at or below P are pruned.
//  4. Commit immutability: a committed slot is only ever touched by prune.
//  5. Counter floor: V >= P, restored by EnsureMin on cold reads.
package kvc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// pendingPrefix marks a reserved-but-uncommitted slot. The full sentinel is
// "PENDING:<unix-ms>" so the reaper can expire slots leaked by a crashed
// submitter. Commit compares the exact sentinel issued at reserve, so a slot
// that was reaped and re-reserved can never be committed by the original
// reserver.
const pendingPrefix = "PENDING:"

// ErrUnavailable wraps transport-level failures against the backing store.
var ErrUnavailable = errors.New("coordination store unavailable")

// PendingSentinel returns the slot sentinel for a reservation made at t.
func PendingSentinel(t time.Time) string {
	return pendingPrefix + strconv.FormatInt(t.UnixMilli(), 10)
}

// IsPendingSentinel reports whether a slot value is a PENDING sentinel.
func IsPendingSentinel(v string) bool {
	return strings.HasPrefix(v, pendingPrefix)
}

// PendingReservedAt extracts the reservation time from a PENDING sentinel.
func PendingReservedAt(v string) (time.Time, bool) {
	if !IsPendingSentinel(v) {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v[len(pendingPrefix):], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ReserveResult is the outcome of Reserve. Either StaleClient is set (the
// caller's version is below the persisted tip and it must resync), or a new
// version was allocated with a fresh PENDING slot.
type ReserveResult struct {
	// StaleClient is true when clientVersion < P(D). PersistedVersion then
	// carries P(D) for the resync signal; the remaining fields are zero.
	StaleClient      bool
	PersistedVersion int64

	// NewVersion is the freshly allocated version, V(D) after the atomic
	// increment. Sentinel is the exact PENDING value written into the slot
	// and must be passed back to Commit.
	NewVersion int64
	Sentinel   string

	// PriorOps is the longest contiguous committed prefix starting at
	// clientVersion+1 and ending before NewVersion. It is the transform
	// context for the new operation.
	PriorOps []string
}

// CommitStatus enumerates the outcomes of the commit CAS.
type CommitStatus int

const (
	// CommitOK: all preconditions held and the payload was written.
	CommitOK CommitStatus = iota
	// CommitVersionConflict: the slot at v no longer holds our sentinel.
	CommitVersionConflict
	// CommitGapBefore: some version in (P, v) has no slot at all.
	CommitGapBefore
	// CommitPendingBefore: some version in (P, v) is still PENDING.
	CommitPendingBefore
)

func (s CommitStatus) String() string {
	switch s {
	case CommitOK:
		return "OK"
	case CommitVersionConflict:
		return "VERSION_CONFLICT"
	case CommitGapBefore:
		return "GAP_BEFORE"
	case CommitPendingBefore:
		return "PENDING_BEFORE"
	default:
		return fmt.Sprintf("CommitStatus(%d)", int(s))
	}
}

// CommitResult carries the CAS outcome. BlockingVersion identifies the first
// offending slot for GAP_BEFORE / PENDING_BEFORE, or the target version
// otherwise.
type CommitResult struct {
	Status          CommitStatus
	BlockingVersion int64
}

// PendingResult is the outcome of GetPending: the contiguous committed
// suffix visible to a client, or a resync signal when the client has fallen
// below the persisted tip. WindowStart is always P(D)+1, the first version a
// caught-up client could need.
type PendingResult struct {
	Ops         []string
	Resync      bool
	WindowStart int64
}

// Session is one live editor connection on a document. Timestamps are
// per-user: LastHeartbeat advances on the save-check ping and on every
// accepted operation, LastAction on every accepted operation, LastSave on a
// successful save.
type Session struct {
	SessionID     string    `json:"sessionId"`
	UserName      string    `json:"userName"`
	JoinedAt      time.Time `json:"joinedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	LastAction    time.Time `json:"lastAction"`
	LastSave      time.Time `json:"lastSave"`
}

// Touch selects which session timestamps to advance.
type Touch struct {
	Heartbeat bool
	Action    bool
	Save      bool
}

// PendingSlot describes a reserved-but-uncommitted slot, for reaping.
// Sentinel is the slot's exact value, which the reaper passes back to
// Abandon so a commit landing after the listing survives.
type PendingSlot struct {
	Version    int64
	ReservedAt time.Time
	Sentinel   string
}

// Coordinator is the full surface the engine consumes. The ledger primitives
// (Init through SaveCleanup) are atomic scripts; the session and bookkeeping
// methods use direct reads/writes, which the data model permits for presence
// state.
type Coordinator interface {
	// Init creates the ledger counters for a document if absent. Idempotent.
	Init(ctx context.Context, docID string) (created bool, err error)

	// EnsureMin restores the counter floor V >= P and returns V.
	EnsureMin(ctx context.Context, docID string) (int64, error)

	// Reserve allocates the next version and a PENDING slot, or signals a
	// stale client. Each call allocates a fresh version; callers that give
	// up must Abandon to preserve gaplessness for later commits.
	Reserve(ctx context.Context, docID string, clientVersion int64) (ReserveResult, error)

	// Commit performs the CAS: all slots in (P, version) must be committed
	// and the slot at version must still hold sentinel.
	Commit(ctx context.Context, docID string, version int64, sentinel, payload string) (CommitResult, error)

	// Abandon deletes the slot at version from the hash and the index, but
	// only while it still holds sentinel. A commit that raced ahead of the
	// abandon wins; committed payloads are never deleted here.
	Abandon(ctx context.Context, docID string, version int64, sentinel string) error

	// GetPending returns the contiguous committed suffix after
	// clientVersion, or a resync signal when clientVersion < P.
	GetPending(ctx context.Context, docID string, clientVersion int64) (PendingResult, error)

	// SaveCleanup advances the persisted tip monotonically to savedVersion
	// and prunes all slots at or below it. Safe to call with a stale value.
	SaveCleanup(ctx context.Context, docID string, savedVersion int64) error

	// Versions reads V(D) and P(D). Direct read; fine for presence-grade
	// decisions (ShouldSave, import stamping) that tolerate racing writers.
	Versions(ctx context.Context, docID string) (version, persisted int64, err error)

	// AddSession registers a session, marks the document active, and
	// records the session-to-document mapping.
	AddSession(ctx context.Context, docID string, s Session) error

	// RemoveSession drops a session; reports whether it existed. The
	// document leaves the active set only once both its session list and
	// its slot index are empty (otherwise the reaper owns the removal).
	RemoveSession(ctx context.Context, docID, sessionID string) (bool, error)

	// TouchSessions advances the selected timestamps on every session of
	// userName at time at.
	TouchSessions(ctx context.Context, docID, userName string, at time.Time, t Touch) error

	// ListSessions returns sessions ordered by join time, then session id.
	ListSessions(ctx context.Context, docID string) ([]Session, error)

	// ActiveDocuments lists document ids in the active set.
	ActiveDocuments(ctx context.Context) ([]string, error)

	// SlotCount returns the number of live slots (pending or committed).
	SlotCount(ctx context.Context, docID string) (int64, error)

	// ListPendingSlots returns the PENDING slots with reservation times.
	ListPendingSlots(ctx context.Context, docID string) ([]PendingSlot, error)

	// DeleteLedger removes every ledger key for the document, its session
	// mappings, and its active-set membership. Used by the reaper.
	DeleteLedger(ctx context.Context, docID string) error
}

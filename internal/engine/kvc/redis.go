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

// Redis-backed Coordinator. Every ledger primitive is a single EVAL of one
// of the scripts in scripts.go; session and bookkeeping state uses plain
// commands, which the data model allows for presence-grade reads/writes.
package kvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Key layout helpers (public for interoperability with operational tooling).
func VersionKey(docID string) string          { return docID + ":version" }
func PersistedVersionKey(docID string) string { return docID + ":persisted_version" }
func OpsHashKey(docID string) string          { return docID + ":ops_hash" }
func OpsIndexKey(docID string) string         { return docID + ":ops_index" }
func UserInfoKey(docID string) string         { return docID + ":user_info" }

// Global bookkeeping keys.
const (
	ActiveRoomsKey    = "active_rooms"
	SessionMappingKey = "sessionIdToRoomIdMapping"
)

// Redis implements Coordinator against a live Redis instance.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// storeErr tags transport-level failures so callers can map them to the
// store-unavailable disposition without string matching.
func storeErr(op, docID string, err error) error {
	return fmt.Errorf("%s %s: %w: %s", op, docID, ErrUnavailable, err)
}

func (r *Redis) Init(ctx context.Context, docID string) (bool, error) {
	res, err := r.rdb.Eval(ctx, initScript,
		[]string{VersionKey(docID), PersistedVersionKey(docID)}).Result()
	if err != nil {
		return false, storeErr("init", docID, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("init %s: unexpected reply %T", docID, res)
	}
	return n == 1, nil
}

func (r *Redis) EnsureMin(ctx context.Context, docID string) (int64, error) {
	res, err := r.rdb.Eval(ctx, ensureMinScript,
		[]string{VersionKey(docID), PersistedVersionKey(docID)}).Result()
	if err != nil {
		return 0, storeErr("ensure-min", docID, err)
	}
	v, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("ensure-min %s: unexpected reply %T", docID, res)
	}
	return v, nil
}

func (r *Redis) Reserve(ctx context.Context, docID string, clientVersion int64) (ReserveResult, error) {
	sentinel := PendingSentinel(time.Now())
	res, err := r.rdb.Eval(ctx, reserveScript,
		[]string{VersionKey(docID), PersistedVersionKey(docID), OpsHashKey(docID), OpsIndexKey(docID)},
		clientVersion, sentinel).Result()
	if err != nil {
		return ReserveResult{}, storeErr("reserve", docID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return ReserveResult{}, fmt.Errorf("reserve %s: unexpected reply %T", docID, res)
	}
	flag, _ := arr[0].(int64)
	if flag == 0 {
		persisted, _ := arr[1].(int64)
		return ReserveResult{StaleClient: true, PersistedVersion: persisted}, nil
	}
	out := ReserveResult{Sentinel: sentinel}
	out.NewVersion, _ = arr[1].(int64)
	if len(arr) > 2 {
		if ops, ok := arr[2].([]interface{}); ok {
			for _, op := range ops {
				if s, ok := op.(string); ok {
					out.PriorOps = append(out.PriorOps, s)
				}
			}
		}
	}
	return out, nil
}

func (r *Redis) Commit(ctx context.Context, docID string, version int64, sentinel, payload string) (CommitResult, error) {
	res, err := r.rdb.Eval(ctx, commitScript,
		[]string{OpsHashKey(docID), PersistedVersionKey(docID)},
		version, payload, sentinel).Result()
	if err != nil {
		return CommitResult{}, storeErr("commit", docID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return CommitResult{}, fmt.Errorf("commit %s: unexpected reply %T", docID, res)
	}
	code, _ := arr[0].(int64)
	blocking, _ := arr[1].(int64)
	var status CommitStatus
	switch code {
	case 0:
		status = CommitOK
	case 1:
		status = CommitVersionConflict
	case 2:
		status = CommitGapBefore
	case 3:
		status = CommitPendingBefore
	default:
		return CommitResult{}, fmt.Errorf("commit %s: unknown status code %d", docID, code)
	}
	return CommitResult{Status: status, BlockingVersion: blocking}, nil
}

func (r *Redis) Abandon(ctx context.Context, docID string, version int64, sentinel string) error {
	_, err := r.rdb.Eval(ctx, abandonScript,
		[]string{OpsHashKey(docID), OpsIndexKey(docID)}, version, sentinel).Result()
	if err != nil {
		return storeErr("abandon", docID, err)
	}
	return nil
}

func (r *Redis) GetPending(ctx context.Context, docID string, clientVersion int64) (PendingResult, error) {
	res, err := r.rdb.Eval(ctx, getPendingScript,
		[]string{OpsHashKey(docID), PersistedVersionKey(docID), VersionKey(docID)},
		clientVersion).Result()
	if err != nil {
		return PendingResult{}, storeErr("get-pending", docID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return PendingResult{}, fmt.Errorf("get-pending %s: unexpected reply %T", docID, res)
	}
	flag, _ := arr[0].(int64)
	windowStart, _ := arr[1].(int64)
	out := PendingResult{Resync: flag == 1, WindowStart: windowStart}
	if !out.Resync && len(arr) > 2 {
		if ops, ok := arr[2].([]interface{}); ok {
			for _, op := range ops {
				if s, ok := op.(string); ok {
					out.Ops = append(out.Ops, s)
				}
			}
		}
	}
	return out, nil
}

func (r *Redis) SaveCleanup(ctx context.Context, docID string, savedVersion int64) error {
	_, err := r.rdb.Eval(ctx, saveCleanupScript,
		[]string{PersistedVersionKey(docID), OpsHashKey(docID), OpsIndexKey(docID)},
		savedVersion).Result()
	if err != nil {
		return storeErr("save-cleanup", docID, err)
	}
	return nil
}

func (r *Redis) Versions(ctx context.Context, docID string) (int64, int64, error) {
	vals, err := r.rdb.MGet(ctx, VersionKey(docID), PersistedVersionKey(docID)).Result()
	if err != nil {
		return 0, 0, storeErr("versions", docID, err)
	}
	parse := func(v interface{}) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return parse(vals[0]), parse(vals[1]), nil
}

func (r *Redis) AddSession(ctx context.Context, docID string, s Session) error {
	rec, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("add-session %s: %w", docID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, UserInfoKey(docID), s.SessionID, rec)
	pipe.SAdd(ctx, ActiveRoomsKey, docID)
	pipe.HSet(ctx, SessionMappingKey, s.SessionID, docID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("add-session", docID, err)
	}
	return nil
}

func (r *Redis) RemoveSession(ctx context.Context, docID, sessionID string) (bool, error) {
	removed, err := r.rdb.HDel(ctx, UserInfoKey(docID), sessionID).Result()
	if err != nil {
		return false, storeErr("remove-session", docID, err)
	}
	if err := r.rdb.HDel(ctx, SessionMappingKey, sessionID).Err(); err != nil {
		return removed > 0, storeErr("remove-session", docID, err)
	}
	// Leave the active set only when no sessions and no slots remain;
	// otherwise the reaper owns the removal. The two reads race against new
	// joiners, which is tolerated: a joiner re-adds the document.
	sessions, err := r.rdb.HLen(ctx, UserInfoKey(docID)).Result()
	if err != nil {
		return removed > 0, storeErr("remove-session", docID, err)
	}
	slots, err := r.rdb.ZCard(ctx, OpsIndexKey(docID)).Result()
	if err != nil {
		return removed > 0, storeErr("remove-session", docID, err)
	}
	if sessions == 0 && slots == 0 {
		if err := r.rdb.SRem(ctx, ActiveRoomsKey, docID).Err(); err != nil {
			return removed > 0, storeErr("remove-session", docID, err)
		}
	}
	return removed > 0, nil
}

func (r *Redis) TouchSessions(ctx context.Context, docID, userName string, at time.Time, t Touch) error {
	records, err := r.rdb.HGetAll(ctx, UserInfoKey(docID)).Result()
	if err != nil {
		return storeErr("touch", docID, err)
	}
	for id, raw := range records {
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil || s.UserName != userName {
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
		rec, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("touch %s: %w", docID, err)
		}
		if err := r.rdb.HSet(ctx, UserInfoKey(docID), id, rec).Err(); err != nil {
			return storeErr("touch", docID, err)
		}
	}
	return nil
}

func (r *Redis) ListSessions(ctx context.Context, docID string) ([]Session, error) {
	records, err := r.rdb.HGetAll(ctx, UserInfoKey(docID)).Result()
	if err != nil {
		return nil, storeErr("list-sessions", docID, err)
	}
	return sortSessions(records)
}

// sortSessions decodes a sessionId -> JSON map and orders by join time then
// session id, the order join broadcasts present to clients.
func sortSessions(records map[string]string) ([]Session, error) {
	out := make([]Session, 0, len(records))
	for _, raw := range records {
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
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

func (r *Redis) ActiveDocuments(ctx context.Context) ([]string, error) {
	docs, err := r.rdb.SMembers(ctx, ActiveRoomsKey).Result()
	if err != nil {
		return nil, storeErr("active-documents", "*", err)
	}
	return docs, nil
}

func (r *Redis) SlotCount(ctx context.Context, docID string) (int64, error) {
	n, err := r.rdb.ZCard(ctx, OpsIndexKey(docID)).Result()
	if err != nil {
		return 0, storeErr("slot-count", docID, err)
	}
	return n, nil
}

func (r *Redis) ListPendingSlots(ctx context.Context, docID string) ([]PendingSlot, error) {
	slots, err := r.rdb.HGetAll(ctx, OpsHashKey(docID)).Result()
	if err != nil {
		return nil, storeErr("list-pending", docID, err)
	}
	var out []PendingSlot
	for ver, val := range slots {
		at, ok := PendingReservedAt(val)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(ver, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, PendingSlot{Version: v, ReservedAt: at, Sentinel: val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *Redis) DeleteLedger(ctx context.Context, docID string) error {
	// Drop the session-to-document mappings before the session hash goes away.
	sessionIDs, err := r.rdb.HKeys(ctx, UserInfoKey(docID)).Result()
	if err != nil {
		return storeErr("delete-ledger", docID, err)
	}
	pipe := r.rdb.TxPipeline()
	if len(sessionIDs) > 0 {
		pipe.HDel(ctx, SessionMappingKey, sessionIDs...)
	}
	pipe.Del(ctx,
		VersionKey(docID), PersistedVersionKey(docID),
		OpsHashKey(docID), OpsIndexKey(docID), UserInfoKey(docID))
	pipe.SRem(ctx, ActiveRoomsKey, docID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("delete-ledger", docID, err)
	}
	return nil
}

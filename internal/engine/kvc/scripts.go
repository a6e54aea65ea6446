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

// Lua scripts for the ledger primitives. Each script is a single EVAL and
// therefore a single atomic transaction on the store; the invariants in the
// package comment must hold when any of them returns.
package kvc

// initScript creates the counters if absent.
// KEYS: version, persisted_version. Returns 1 if created, 0 if present.
const initScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], 0)
redis.call('SET', KEYS[2], 0)
return 1
`

// ensureMinScript restores the counter floor V >= P.
// KEYS: version, persisted_version. Returns current V.
const ensureMinScript = `
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
if v < p then
  v = p
  redis.call('SET', KEYS[1], v)
end
return v
`

// reserveScript allocates the next version and writes the PENDING sentinel,
// or reports a stale client. The prior-context scan stops at the first
// missing or pending slot so the caller only ever transforms against a
// contiguous committed prefix.
// KEYS: version, persisted_version, ops_hash, ops_index.
// ARGV: clientVersion, sentinel.
// Returns {0, persisted} when stale, else {1, newVersion, {priorOps...}}.
const reserveScript = `
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
local cv = tonumber(ARGV[1])
if cv < p then
  return {0, p}
end
local v = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[3], v, ARGV[2])
redis.call('ZADD', KEYS[4], v, v)
local ops = {}
for i = cv + 1, v - 1 do
  local slot = redis.call('HGET', KEYS[3], i)
  if not slot or string.sub(slot, 1, 8) == 'PENDING:' then
    break
  end
  ops[#ops + 1] = slot
end
return {1, v, ops}
`

// commitScript is the CAS: every slot in (P, v) must be committed, and the
// slot at v must still hold the exact sentinel written by reserve.
// KEYS: ops_hash, persisted_version.
// ARGV: version, payload, sentinel.
// Returns {0, v} on OK, {1, v} on conflict, {2, blocking} on a gap,
// {3, blocking} on a pending predecessor.
const commitScript = `
local v = tonumber(ARGV[1])
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
for i = p + 1, v - 1 do
  local slot = redis.call('HGET', KEYS[1], i)
  if not slot then
    return {2, i}
  end
  if string.sub(slot, 1, 8) == 'PENDING:' then
    return {3, i}
  end
end
local cur = redis.call('HGET', KEYS[1], v)
if cur ~= ARGV[3] then
  return {1, v}
end
redis.call('HSET', KEYS[1], v, ARGV[2])
return {0, v}
`

// abandonScript deletes a slot only while it still holds the exact sentinel
// written by reserve. Like commit, it is a CAS: a commit that lands between
// an observer's read and its abandon wins, so a committed payload can never
// be deleted by a racing abandon.
// KEYS: ops_hash, ops_index. ARGV: version, sentinel.
// Returns 1 when removed, 0 when the slot was gone or no longer ours.
const abandonScript = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// getPendingScript returns the contiguous committed suffix after the
// client's version, or the resync signal when the client is below the
// persisted tip. WindowStart (= P+1) is returned in both cases.
// KEYS: ops_hash, persisted_version, version.
// ARGV: clientVersion.
// Returns {1, p+1} on resync, else {0, p+1, {ops...}}.
const getPendingScript = `
local p = tonumber(redis.call('GET', KEYS[2]) or '0')
local cv = tonumber(ARGV[1])
if cv < p then
  return {1, p + 1}
end
local v = tonumber(redis.call('GET', KEYS[3]) or '0')
local ops = {}
for i = cv + 1, v do
  local slot = redis.call('HGET', KEYS[1], i)
  if not slot or string.sub(slot, 1, 8) == 'PENDING:' then
    break
  end
  ops[#ops + 1] = slot
end
return {0, p + 1, ops}
`

// saveCleanupScript advances the persisted tip monotonically and prunes
// every slot at or below it. The tip write is monotone so a stale caller
// (an older save racing a newer one) cannot move it backwards; the prune is
// inclusive so the persisted-prefix invariant holds when the script returns.
// KEYS: persisted_version, ops_hash, ops_index.
// ARGV: savedVersion. Returns pruned count.
const saveCleanupScript = `
local saved = tonumber(ARGV[1])
local p = tonumber(redis.call('GET', KEYS[1]) or '0')
if saved > p then
  redis.call('SET', KEYS[1], saved)
end
local pruned = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', saved)
for _, member in ipairs(pruned) do
  redis.call('HDEL', KEYS[2], member)
  redis.call('ZREM', KEYS[3], member)
end
return #pruned
`

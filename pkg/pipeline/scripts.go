package pipeline

import "github.com/redis/go-redis/v9"

// Server-side scripts
//
// Every multi-key decision runs as a Lua script so validation and movement
// happen in one atomic step. The scripts are deliberately dumb: policy
// (routing, gate thresholds, the rework ceiling) is computed in Go from the
// immutable registry and passed in as arguments; the scripts only check and
// move. go-redis handles EVALSHA caching and NOSCRIPT fallback.

// promoteScript is the atomic promotion decision.
//
// KEYS: [1] item hash, [2] stage schema set, [3] stage inflight list,
// [4] advance pending queue, [5] rework pending queue.
// ARGV: [1] item id, [2] stage, [3] advance destination (stage name or the
// complete sentinel), [4] rework destination, [5] now unix ms, [6] max
// attempts (0 = unlimited), [7] gate count, then per gate (kind, field,
// min), then marker count, then marker field names.
//
// Returns {outcome, field, value, attempts}. Rejection outcomes (not_found,
// stage_incomplete, no_schema, missing_evidence, malformed_evidence,
// below_threshold, not_inflight) leave every key untouched: the read-only
// checks all run before the first write.
var promoteScript = redis.NewScript(`
local itemKey = KEYS[1]
local schemaKey = KEYS[2]
local inflightKey = KEYS[3]
local advanceKey = KEYS[4]
local reworkKey = KEYS[5]

local id = ARGV[1]
local stage = ARGV[2]
local advanceTo = ARGV[3]
local reworkTo = ARGV[4]
local nowMs = ARGV[5]
local maxAttempts = tonumber(ARGV[6])
local gateCount = tonumber(ARGV[7])

if redis.call("EXISTS", itemKey) == 0 then
  return {"not_found", "", "", "0"}
end

local marker = stage .. "_completed_at"
if redis.call("HEXISTS", itemKey, marker) == 0 then
  return {"stage_incomplete", marker, "", "0"}
end

local required = redis.call("SMEMBERS", schemaKey)
if #required == 0 then
  return {"no_schema", stage, "", "0"}
end
table.sort(required)
for _, field in ipairs(required) do
  if redis.call("HEXISTS", itemKey, field) == 0 then
    return {"missing_evidence", field, "", "0"}
  end
end

local rework = false
local reworkField = ""
for i = 0, gateCount - 1 do
  local kind = ARGV[8 + i*3]
  local field = ARGV[9 + i*3]
  local bound = ARGV[10 + i*3]
  local value = redis.call("HGET", itemKey, field)
  if value == false then
    return {"missing_evidence", field, "", "0"}
  end
  if kind == "min" then
    local n = tonumber(value)
    if n == nil then
      return {"malformed_evidence", field, value, "0"}
    end
    if n < tonumber(bound) then
      return {"below_threshold", field, value, "0"}
    end
  else
    if value ~= "true" and value ~= "false" then
      return {"malformed_evidence", field, value, "0"}
    end
    if value == "false" and not rework then
      rework = true
      reworkField = field
    end
  end
end

if redis.call("LREM", inflightKey, 1, id) == 0 then
  return {"not_inflight", "", "", "0"}
end
redis.call("HDEL", itemKey, "lease_deadline_ms")

if rework then
  local attempts = redis.call("HINCRBY", itemKey, "attempts", 1)
  local markerCount = tonumber(ARGV[8 + gateCount*3])
  for i = 1, markerCount do
    redis.call("HDEL", itemKey, ARGV[8 + gateCount*3 + i])
  end
  if maxAttempts > 0 and attempts > maxAttempts then
    redis.call("HSET", itemKey, "state", "failed", "failed_at_ms", nowMs)
    return {"attempts_exhausted", reworkField, "", tostring(attempts)}
  end
  redis.call("HSET", itemKey, "state", "queued@" .. reworkTo, "stage_entered_at_ms", nowMs)
  redis.call("LPUSH", reworkKey, id)
  return {"returned_to_start", reworkField, "", tostring(attempts)}
end

local attempts = redis.call("HGET", itemKey, "attempts")
if attempts == false then
  attempts = "0"
end
if advanceTo == "complete" then
  redis.call("HSET", itemKey, "state", "complete", "completed_at_ms", nowMs)
  return {"completed", "", "", attempts}
end
redis.call("HSET", itemKey, "state", "queued@" .. advanceTo, "stage_entered_at_ms", nowMs)
redis.call("LPUSH", advanceKey, id)
return {"promoted", advanceTo, "", attempts}
`)

// leaseScript stamps a freshly dequeued item as inflight with a lease
// deadline. If the record was cancelled while queued, the stale inflight
// entry is dropped instead.
//
// KEYS: [1] item hash, [2] stage inflight list.
// ARGV: [1] item id, [2] stage, [3] lease deadline unix ms.
// Returns 1 on success, 0 when the record no longer exists.
var leaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("LREM", KEYS[2], 1, ARGV[1])
  return 0
end
redis.call("HSET", KEYS[1], "state", "inflight@" .. ARGV[2], "lease_deadline_ms", ARGV[3])
return 1
`)

// renewScript extends a live lease. Renewal only succeeds while the item is
// still inflight at the caller's stage, so a worker whose lease was
// reclaimed learns it here and walks away instead of resurrecting it.
//
// KEYS: [1] item hash.
// ARGV: [1] stage, [2] new lease deadline unix ms.
// Returns 1 on success, 0 when the lease is gone.
var renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "state") ~= "inflight@" .. ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "lease_deadline_ms", ARGV[2])
return 1
`)

// reclaimScript is the atomic claim-if-expired check for one inflight entry.
// The LREM is the claim: when two reclaimers race, exactly one sees a
// nonzero removal count and requeues the item, so an expired lease can never
// be requeued twice.
//
// Entries whose item record is gone entirely are dropped on sight: the hash
// exists from enqueue until cancellation, so a missing record can never be a
// dequeue handoff in progress. A record that exists but carries no lease can
// be exactly that, and is only claimed when forced.
//
// KEYS: [1] item hash, [2] stage inflight list, [3] stage pending queue.
// ARGV: [1] item id, [2] stage, [3] now unix ms, [4] force flag ("1" claims
// records that have no lease stamped).
//
// Returns {status, detail}: "live" (lease not expired), "skipped" (no lease
// recorded, not forced), "lost" (another reclaimer won), "orphan" (list
// entry dropped, record gone), or "reclaimed" with the new reclaim count.
var reclaimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  if redis.call("LREM", KEYS[2], 1, ARGV[1]) == 0 then
    return {"lost", ""}
  end
  return {"orphan", ""}
end
local deadline = redis.call("HGET", KEYS[1], "lease_deadline_ms")
if deadline == false then
  if ARGV[4] ~= "1" then
    return {"skipped", ""}
  end
elseif tonumber(deadline) > tonumber(ARGV[3]) then
  return {"live", deadline}
end
if redis.call("LREM", KEYS[2], 1, ARGV[1]) == 0 then
  return {"lost", ""}
end
local reclaims = redis.call("HINCRBY", KEYS[1], "reclaims", 1)
redis.call("HDEL", KEYS[1], "lease_deadline_ms")
redis.call("HSET", KEYS[1], "state", "queued@" .. ARGV[2], "stage_entered_at_ms", ARGV[3])
redis.call("LPUSH", KEYS[3], ARGV[1])
return {"reclaimed", tostring(reclaims)}
`)

// markScript writes the stage completion marker, guarding against recreating
// a hash for a record that was cancelled underneath the holder.
//
// KEYS: [1] item hash.
// ARGV: [1] marker field, [2] now unix ms.
// Returns 1 on success, 0 when the record does not exist.
var markScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// evidenceScript writes one evidence field. Once the stage's completion
// marker exists, fields that already hold a value are sealed for the
// attempt; absent fields may still be added so a worker can fill a gap that
// promotion reported. Rework clears the marker and unseals the stage.
//
// KEYS: [1] item hash.
// ARGV: [1] stage, [2] field, [3] encoded value.
// Returns 1 on success, 0 when the field is sealed, -1 when the record does
// not exist.
var evidenceScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HEXISTS", KEYS[1], ARGV[1] .. "_completed_at") == 1 and redis.call("HEXISTS", KEYS[1], ARGV[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[2], ARGV[3])
return 1
`)

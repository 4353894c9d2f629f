package jobxredis

import "github.com/redis/go-redis/v9"

// Scripts address job hashes by prefix + id (ARGV) rather than through KEYS,
// so the ledger needs a single Redis node or a hash-tagged queue prefix.

// claimScript promotes due delayed jobs, then activates the lowest id in the
// waiting set.
//
// KEYS: waiting, delayed, active
// ARGV: now (ms), token, job key prefix
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
    local key = ARGV[3] .. id
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZADD', KEYS[1], tonumber(id), id)
    redis.call('HSET', key, 'status', 'waiting')
    redis.call('HINCRBY', key, 'rev', 1)
end

local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
    return false
end

local id = ids[1]
local key = ARGV[3] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[1], id)
redis.call('HSET', key, 'status', 'active', 'token', ARGV[2], 'processed_at', ARGV[1])
redis.call('HINCRBY', key, 'attempts_made', 1)
redis.call('HINCRBY', key, 'rev', 1)
return redis.call('HGETALL', key)
`)

// completeScript returns -1 for a missing job, 0 when the token does not own
// an active job, and the updated hash otherwise.
//
// KEYS: job, active, completed
// ARGV: token, result, now (ms), id
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'token')
if cur[1] ~= 'active' or cur[2] ~= ARGV[1] then
    return 0
end

redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[2], 'finished_at', ARGV[3], 'token', '')
redis.call('HINCRBY', KEYS[1], 'rev', 1)
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
return redis.call('HGETALL', KEYS[1])
`)

// failScript commits an outcome planned by jobx.PlanFailure.
//
// KEYS: job, active, delayed, failed
// ARGV: token, status, run_at (ms), reason, now (ms), id
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'token')
if cur[1] ~= 'active' or cur[2] ~= ARGV[1] then
    return 0
end

redis.call('ZREM', KEYS[2], ARGV[6])
if ARGV[2] == 'delayed' then
    redis.call('HSET', KEYS[1], 'status', 'delayed', 'run_at', ARGV[3], 'last_error', ARGV[4], 'token', '')
    redis.call('ZADD', KEYS[3], ARGV[3], ARGV[6])
else
    redis.call('HSET', KEYS[1], 'status', 'failed', 'last_error', ARGV[4], 'failure_reason', ARGV[4],
        'finished_at', ARGV[5], 'token', '')
    redis.call('ZADD', KEYS[4], ARGV[5], ARGV[6])
end
redis.call('HINCRBY', KEYS[1], 'rev', 1)
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job
// ARGV: token, percent, message
var progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'token')
if cur[1] ~= 'active' or cur[2] ~= ARGV[1] then
    return 0
end

redis.call('HSET', KEYS[1], 'progress', ARGV[2], 'message', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'rev', 1)
return redis.call('HGETALL', KEYS[1])
`)

// trimScript deletes the lowest-scored members beyond ARGV[1] and returns
// their hashes. Members sharing a score are taken in numeric id order;
// ZRANGE alone would order them as strings.
//
// KEYS: status set
// ARGV: keep, job key prefix
var trimScript = redis.NewScript(`
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[1])
if excess <= 0 then
    return {}
end

local head = redis.call('ZRANGE', KEYS[1], 0, excess - 1, 'WITHSCORES')
local edge = head[#head]
local victims = {}
for i = 1, #head, 2 do
    if tonumber(head[i + 1]) < tonumber(edge) then
        table.insert(victims, {id = head[i], score = tonumber(head[i + 1])})
    end
end
local ties = redis.call('ZRANGEBYSCORE', KEYS[1], edge, edge)
table.sort(ties, function(a, b) return tonumber(a) < tonumber(b) end)
for i = 1, excess - #victims do
    table.insert(victims, {id = ties[i], score = tonumber(edge)})
end
table.sort(victims, function(a, b)
    if a.score ~= b.score then
        return a.score < b.score
    end
    return tonumber(a.id) < tonumber(b.id)
end)

local out = {}
for _, v in ipairs(victims) do
    local key = ARGV[2] .. v.id
    table.insert(out, redis.call('HGETALL', key))
    redis.call('DEL', key)
    redis.call('ZREM', KEYS[1], v.id)
end
return out
`)

// recoverScript applies jobx.StalledOutcome to every job active since before
// the cutoff and returns their ids.
//
// KEYS: active, waiting, failed
// ARGV: cutoff (ms), now (ms), job key prefix, stalled reason
var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
    local key = ARGV[3] .. id
    local att = redis.call('HMGET', key, 'attempts_made', 'attempts_max')
    redis.call('ZREM', KEYS[1], id)
    if tonumber(att[1]) >= tonumber(att[2]) then
        redis.call('HSET', key, 'status', 'failed', 'failure_reason', ARGV[4], 'finished_at', ARGV[2], 'token', '')
        redis.call('ZADD', KEYS[3], ARGV[2], id)
    else
        redis.call('HSET', key, 'status', 'waiting', 'token', '')
        redis.call('ZADD', KEYS[2], tonumber(id), id)
    end
    redis.call('HINCRBY', key, 'rev', 1)
end
return ids
`)

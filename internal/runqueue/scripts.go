package runqueue

import r "github.com/redis/go-redis/v9"

// rebalanceMaster re-scores a queue on its master shard by its oldest
// message, or drops it when the queue is empty. Expects queueKey,
// masterQueueKey and queueID locals.
const rebalanceMaster = `
local earliest = redis.call('ZRANGE', queueKey, 0, 0, 'WITHSCORES')
if #earliest == 0 then
  redis.call('ZREM', masterQueueKey, queueID)
else
  redis.call('ZADD', masterQueueKey, earliest[2], queueID)
end
`

var enqueueScript = r.NewScript(`
local queueKey = KEYS[1]
local messageKey = KEYS[2]
local queueConcurrencyKey = KEYS[3]
local envConcurrencyKey = KEYS[4]
local masterQueueKey = KEYS[5]
local runId = ARGV[1]
local queueID = ARGV[5]

redis.call('HSET', messageKey, 'payload', ARGV[2], 'workerQueue', ARGV[3])
redis.call('HDEL', messageKey, 'movedAt', 'dequeuedAt')
redis.call('ZADD', queueKey, ARGV[4], runId)
redis.call('SREM', queueConcurrencyKey, runId)
redis.call('SREM', envConcurrencyKey, runId)
` + rebalanceMaster + `
return 1
`)

// moveToWorkerQueueScript is the dequeue decision: it reserves concurrency
// and hands messages to their worker queue in one step, so the ceilings are
// never checked and incremented in separate round trips.
var moveToWorkerQueueScript = r.NewScript(`
local queueKey = KEYS[1]
local queueConcurrencyKey = KEYS[2]
local queueLimitKey = KEYS[3]
local envConcurrencyKey = KEYS[4]
local envLimitKey = KEYS[5]
local masterQueueKey = KEYS[6]
local messagePrefix = ARGV[1]
local workerQueuePrefix = ARGV[2]
local now = ARGV[3]
local maxCount = tonumber(ARGV[4])
local defaultEnvLimit = ARGV[5]
local queueID = ARGV[6]

local envLimit = tonumber(redis.call('GET', envLimitKey) or defaultEnvLimit)
local available = envLimit - redis.call('SCARD', envConcurrencyKey)
local queueLimit = redis.call('GET', queueLimitKey)
if queueLimit then
  local queueAvailable = tonumber(queueLimit) - redis.call('SCARD', queueConcurrencyKey)
  if queueAvailable < available then
    available = queueAvailable
  end
end
if maxCount < available then
  available = maxCount
end

local moved = {}
if available > 0 then
  local items = redis.call('ZRANGEBYSCORE', queueKey, '-inf', now, 'LIMIT', 0, available)
  for _, runId in ipairs(items) do
    redis.call('ZREM', queueKey, runId)
    local workerQueue = redis.call('HGET', messagePrefix .. runId, 'workerQueue')
    if workerQueue then
      redis.call('SADD', queueConcurrencyKey, runId)
      redis.call('SADD', envConcurrencyKey, runId)
      redis.call('RPUSH', workerQueuePrefix .. workerQueue, runId)
      redis.call('HSET', messagePrefix .. runId, 'movedAt', now)
      table.insert(moved, runId)
      table.insert(moved, workerQueue)
    end
  end
end
` + rebalanceMaster + `
return moved
`)

var acknowledgeScript = r.NewScript(`
local queueKey = KEYS[1]
local messageKey = KEYS[2]
local queueConcurrencyKey = KEYS[3]
local envConcurrencyKey = KEYS[4]
local masterQueueKey = KEYS[5]
local runId = ARGV[1]
local queueID = ARGV[2]

redis.call('DEL', messageKey)
redis.call('ZREM', queueKey, runId)
redis.call('SREM', queueConcurrencyKey, runId)
redis.call('SREM', envConcurrencyKey, runId)
` + rebalanceMaster + `
return 1
`)

// dequeueWorkerQueueScript pops run ids until one still has a message and
// stamps it as handed to a worker. Acknowledged runs can linger in a worker
// queue; they are dropped here.
var dequeueWorkerQueueScript = r.NewScript(`
local workerQueueKey = KEYS[1]
local messagePrefix = ARGV[1]
local now = ARGV[2]
while true do
  local runId = redis.call('LPOP', workerQueueKey)
  if not runId then
    return {}
  end
  local payload = redis.call('HGET', messagePrefix .. runId, 'payload')
  if payload then
    redis.call('HSET', messagePrefix .. runId, 'dequeuedAt', now)
    return {runId, payload}
  end
end
`)

package redis

import goredis "github.com/redis/go-redis/v9"

// Script results. Positive values are successes.
const (
	resultOK         = 1
	resultNoOp       = 0
	resultNotFound   = -1
	resultExhausted  = -2
	resultConflict   = -3
	resultCodeTaken  = -4
	resultBelowUsage = -5
)

// KEYS[1] coupon hash, KEYS[2] reservations hash, KEYS[3] coupon order set
// ARGV[1] coupon id, ARGV[2] order id
var reserveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local held = redis.call('HGET', KEYS[2], ARGV[2])
if held then
  if held == ARGV[1] .. ':reserved' then
    return 1
  end
  if held ~= ARGV[1] .. ':released' then
    return -3
  end
end
if redis.call('HGET', KEYS[1], 'unlimited') ~= '1' then
  local used = tonumber(redis.call('HGET', KEYS[1], 'times_used'))
  local limit = tonumber(redis.call('HGET', KEYS[1], 'usage_limit'))
  if used >= limit then
    return -2
  end
end
redis.call('HINCRBY', KEYS[1], 'times_used', 1)
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1] .. ':reserved')
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// KEYS[1] coupon hash, KEYS[2] reservations hash
// ARGV[1] coupon id, ARGV[2] order id
var releaseScript = goredis.NewScript(`
local held = redis.call('HGET', KEYS[2], ARGV[2])
if held == ARGV[1] .. ':committed' then
  return -3
end
if held ~= ARGV[1] .. ':reserved' then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[1] .. ':released')
local used = tonumber(redis.call('HGET', KEYS[1], 'times_used') or '0')
if used > 0 then
  redis.call('HINCRBY', KEYS[1], 'times_used', -1)
end
return 1
`)

// KEYS[1] reservations hash
// ARGV[1] coupon id, ARGV[2] order id
var finalizeScript = goredis.NewScript(`
local held = redis.call('HGET', KEYS[1], ARGV[2])
if held == ARGV[1] .. ':reserved' or held == ARGV[1] .. ':committed' then
  redis.call('HSET', KEYS[1], ARGV[2], ARGV[1] .. ':committed')
  return 1
end
return -3
`)

// KEYS[1] coupon hash, KEYS[2] code key, KEYS[3] index set
// ARGV[1] coupon id, ARGV[2..] field/value pairs
var createScript = goredis.NewScript(`
if redis.call('SETNX', KEYS[2], ARGV[1]) == 0 then
  return -4
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// KEYS[1] coupon hash
// ARGV[1] unlimited flag, ARGV[2] usage limit, ARGV[3..] field/value pairs
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if ARGV[1] ~= '1' then
  local used = tonumber(redis.call('HGET', KEYS[1], 'times_used'))
  if tonumber(ARGV[2]) < used then
    return -5
  end
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
return 1
`)

// KEYS[1] coupon hash
// ARGV[1] active flag, ARGV[2] updated_at
var setActiveScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'active', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// KEYS[1] coupon hash, KEYS[2] code key, KEYS[3] coupon order set,
// KEYS[4] reservations hash, KEYS[5] index set
// ARGV[1] coupon id
var deleteScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
for _, order in ipairs(redis.call('SMEMBERS', KEYS[3])) do
  redis.call('HDEL', KEYS[4], order)
end
redis.call('DEL', KEYS[1], KEYS[3])
redis.call('SREM', KEYS[5], ARGV[1])
return 1
`)

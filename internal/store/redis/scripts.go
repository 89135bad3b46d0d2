package redis

import "github.com/redis/go-redis/v9"

// Layout under a prefix P (a hash tag keeps every key in one cluster slot):
//
//	P:data            hash  trigger key -> record JSON
//	P:meta            hash  trigger key -> "version\x1fstate\x1fowner"
//	P:state:<STATE>   set   trigger keys in a state
//	P:owner:<node>    set   trigger keys owned by node
//	P:job:<job key>   set   trigger keys of a job
//	P:due             zset  WAITING trigger keys scored by next fire (unix ms)
//
// Mutations compare P:meta before touching anything, so a script either
// applies the whole write or none of it.

// KEYS: data, meta, due, state, job, owner
// ARGV: field, json, meta, due score ("" = not due), has owner ("1"/"0")
var scriptCreate = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('SADD', KEYS[5], ARGV[1])
if ARGV[5] == '1' then
  redis.call('SADD', KEYS[6], ARGV[1])
end
if ARGV[4] ~= '' then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
end
return 1
`)

// KEYS: data, meta, due, old state, new state, old owner, new owner
// ARGV: field, expected meta, json, meta, due score, had owner, has owner
var scriptSwap = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if not cur or cur ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('SADD', KEYS[5], ARGV[1])
if ARGV[6] == '1' then
  redis.call('SREM', KEYS[6], ARGV[1])
end
if ARGV[7] == '1' then
  redis.call('SADD', KEYS[7], ARGV[1])
end
if ARGV[5] == '' then
  redis.call('ZREM', KEYS[3], ARGV[1])
else
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
end
return 1
`)

// KEYS: data, meta, due, state, job, owner
// ARGV: field, expected meta, had owner
var scriptDelete = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if not cur or cur ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])
if ARGV[3] == '1' then
  redis.call('SREM', KEYS[6], ARGV[1])
end
return 1
`)

// Union of the sets KEYS[2..], minus ARGV[1], resolved against KEYS[1].
// KEYS: data, set...
// ARGV: excluded field ("" = none)
var scriptQuerySets = redis.NewScript(`
local out = {}
for i = 2, #KEYS do
  for _, f in ipairs(redis.call('SMEMBERS', KEYS[i])) do
    if f ~= ARGV[1] then
      local v = redis.call('HGET', KEYS[1], f)
      if v then
        table.insert(out, v)
      end
    end
  end
end
return out
`)

// Members of KEYS[2] that are also in one of KEYS[3..].
// KEYS: data, set, filter set...
var scriptQueryIntersect = redis.NewScript(`
local out = {}
for _, f in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  for i = 3, #KEYS do
    if redis.call('SISMEMBER', KEYS[i], f) == 1 then
      local v = redis.call('HGET', KEYS[1], f)
      if v then
        table.insert(out, v)
      end
      break
    end
  end
end
return out
`)

// KEYS: data, due
// ARGV: max score
var scriptQueryDue = redis.NewScript(`
local out = {}
for _, f in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])) do
  local v = redis.call('HGET', KEYS[1], f)
  if v then
    table.insert(out, v)
  end
end
return out
`)

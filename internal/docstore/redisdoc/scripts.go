package redisdoc

// luaPrelude is shared by every write script. Documents carry a hidden
// _rev field that grows by one on each write; change subscribers use it to
// drop stale or duplicate events.
const luaPrelude = `
local function tomap(flat)
  local m = {}
  for j = 1, #flat, 2 do m[flat[j]] = flat[j + 1] end
  return m
end

local function readList(i)
  local n = tonumber(ARGV[i])
  local out = {}
  for j = 1, n do out[j] = ARGV[i + j] end
  return out, i + n + 1
end

local function allowed(values, cur)
  for _, v in ipairs(values) do
    if v == cur then return true end
  end
  return false
end

local function write(key, id, kv, replace, indexed, idxPrefix, idsKey)
  local prevFlat = redis.call('HGETALL', key)
  local prev = tomap(prevFlat)
  local rev = tonumber(prev['_rev'] or '0') + 1
  if replace then redis.call('DEL', key) end
  if #kv > 0 then redis.call('HSET', key, unpack(kv)) end
  redis.call('HSET', key, '_rev', tostring(rev))
  redis.call('SADD', idsKey, id)
  local nextFlat = redis.call('HGETALL', key)
  local nxt = tomap(nextFlat)
  for _, f in ipairs(indexed) do
    local old, new = prev[f], nxt[f]
    if old ~= new then
      if old then redis.call('SREM', idxPrefix .. f .. ':' .. old, id) end
      if new then redis.call('SADD', idxPrefix .. f .. ':' .. new, id) end
    end
  end
  return {prevFlat, nextFlat}
end
`

// writeDocLua creates, replaces or conditionally merges one document.
//
//	KEYS[1] document hash, KEYS[2] collection id set
//	ARGV    mode, index prefix, id, condition field,
//	        then count-prefixed lists: condition values, indexed fields, field/value pairs
//
// Returns:
//
//	{1, prev, next} = written
//	{0}             = create of an existing id
//	{-1}            = update of a missing document
//	{-2}            = condition did not hold
const writeDocLua = luaPrelude + `
local mode, idxPrefix, id, condField = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local values, i = readList(5)
local indexed
indexed, i = readList(i)
local kv = readList(i)

local exists = redis.call('EXISTS', KEYS[1]) == 1
if mode == 'create' and exists then return {0} end
if mode == 'update' then
  if not exists then return {-1} end
  if condField ~= '' and not allowed(values, redis.call('HGET', KEYS[1], condField)) then
    return {-2}
  end
end
local res = write(KEYS[1], id, kv, mode ~= 'update', indexed, idxPrefix, KEYS[2])
return {1, res[1], res[2]}
`

// updateWhereLua merges field/value pairs into every matching document for
// which the condition holds.
//
//	KEYS[1] collection id set
//	ARGV    index prefix, document key prefix, condition field,
//	        then count-prefixed lists: condition values, where pairs, indexed fields, field/value pairs
//
// Returns a flat list of {id, prev, next} triples.
const updateWhereLua = luaPrelude + `
local idxPrefix, docPrefix, condField = ARGV[1], ARGV[2], ARGV[3]
local values, i = readList(4)
local where
where, i = readList(i)
local indexed
indexed, i = readList(i)
local kv = readList(i)

local isIndexed = {}
for _, f in ipairs(indexed) do isIndexed[f] = true end
local sets = {}
for j = 1, #where, 2 do
  if isIndexed[where[j]] then table.insert(sets, idxPrefix .. where[j] .. ':' .. where[j + 1]) end
end
local ids
if #sets > 0 then ids = redis.call('SINTER', unpack(sets)) else ids = redis.call('SMEMBERS', KEYS[1]) end

local out = {}
for _, id in ipairs(ids) do
  local key = docPrefix .. id
  local cur = tomap(redis.call('HGETALL', key))
  local match = cur['_rev'] ~= nil
  for j = 1, #where, 2 do
    if cur[where[j]] ~= where[j + 1] then match = false end
  end
  if match and condField ~= '' then match = allowed(values, cur[condField]) end
  if match then
    local res = write(key, id, kv, false, indexed, idxPrefix, KEYS[1])
    table.insert(out, id)
    table.insert(out, res[1])
    table.insert(out, res[2])
  end
end
return out
`

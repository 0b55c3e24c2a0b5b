package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canfieldjuan/dispatchq/pkg/core"
)

var _ core.Store = (*RedisStore)(nil)

// RedisStore implements core.Store on a Redis structure store.
//
// Layout, under a configurable prefix:
//
//	{p}:waiting     ZSET  member=jobKey, score=(11-priority)*1e12+seq
//	{p}:delayed     ZSET  member=jobKey, score=ready-at millis
//	{p}:active      ZSET  member=jobKey, score=lease-expiry millis
//	{p}:completed   ZSET  member=jobKey, score=finished-at millis
//	{p}:failed      ZSET  member=jobKey, score=finished-at millis
//	{p}:job:{key}   HASH  record fields
//	{p}:seq         STRING monotonic sequence counter
//	{p}:paused      STRING "1" while paused
//	{p}:events      pub/sub channel, JSON core.Event
//
// Every racy transition runs as a single Lua script so two processes can
// never interleave a read-then-write pair.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption interface {
	applyRedis(*RedisStore)
}

type redisOptionFunc func(*RedisStore)

func (f redisOptionFunc) applyRedis(s *RedisStore) { f(s) }

// WithKeyPrefix overrides the default "dispatchq" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return redisOptionFunc(func(s *RedisStore) {
		s.prefix = prefix
	})
}

// NewRedisStore creates a Redis-backed store on an existing client.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "dispatchq"}
	for _, opt := range opts {
		opt.applyRedis(s)
	}
	return s
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) jobKey(key string) string { return s.key("job", key) }

func (s *RedisStore) stateKeys() []string {
	return []string{
		s.key("waiting"),
		s.key("delayed"),
		s.key("active"),
		s.key("completed"),
		s.key("failed"),
		s.key("seq"),
		s.key("paused"),
	}
}

const (
	idxWaiting = iota
	idxDelayed
	idxActive
	idxCompleted
	idxFailed
	idxSeq
	idxPaused
)

// luaCommon is prepended to every script: score arithmetic and the helpers
// for the per-job hash.
const luaCommon = `
local function score(priority, seq)
  return ((11 - priority) * 1e12) + seq
end
local function jobhash(prefix, key)
  return prefix .. ':job:' .. key
end
`

var insertScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix jobKey priority specJSON nowMillis timeoutMillis maxRetries capsJSON
local prefix, jobKey = ARGV[1], ARGV[2]
local hash = jobhash(prefix, jobKey)

local status = redis.call('HGET', hash, 'status')
if status and status ~= 'completed' and status ~= 'failed' then
  return 0
end
if status then
  -- Terminal record with the same key: resubmission replaces it.
  redis.call('DEL', hash)
  redis.call('ZREM', KEYS[4], jobKey)
  redis.call('ZREM', KEYS[5], jobKey)
end

local seq = redis.call('INCR', KEYS[6])
redis.call('HSET', hash,
  'spec', ARGV[4],
  'status', 'waiting',
  'priority', ARGV[3],
  'attempts', 0,
  'seq', seq,
  'submitted_at', ARGV[5],
  'timeout_ms', ARGV[6],
  'max_retries', ARGV[7],
  'caps', ARGV[8])
redis.call('ZADD', KEYS[1], score(tonumber(ARGV[3]), seq), jobKey)
return seq
`)

var claimScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix workerID nowMillis defaultLeaseMillis haveCapsJSON window
if redis.call('GET', KEYS[7]) == '1' then
  return false
end

local prefix = ARGV[1]
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[6])

-- Promote due delayed jobs inline so sweep lag never starves dequeues.
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, window)
for _, k in ipairs(due) do
  local seq = redis.call('INCR', KEYS[6])
  local pr = tonumber(redis.call('HGET', jobhash(prefix, k), 'priority'))
  redis.call('ZREM', KEYS[2], k)
  redis.call('ZADD', KEYS[1], score(pr, seq), k)
  redis.call('HSET', jobhash(prefix, k), 'status', 'waiting', 'seq', seq)
  redis.call('HDEL', jobhash(prefix, k), 'run_at')
end

local have = cjson.decode(ARGV[5])
local haveSet = {}
for _, c in ipairs(have) do haveSet[c] = true end

-- Page through the whole waiting set: an ineligible backlog at the head must
-- never hide an eligible job behind it.
local offset = 0
while true do
  local candidates = redis.call('ZRANGE', KEYS[1], offset, offset + window - 1)
  if #candidates == 0 then
    return false
  end
  for _, k in ipairs(candidates) do
    local hash = jobhash(prefix, k)
    local eligible = true
    local caps = redis.call('HGET', hash, 'caps')
    if caps and caps ~= '' and caps ~= 'null' then
      for _, want in ipairs(cjson.decode(caps)) do
        if not haveSet[want] then
          eligible = false
          break
        end
      end
    end
    if eligible then
      local timeout = tonumber(redis.call('HGET', hash, 'timeout_ms')) or 0
      if timeout <= 0 then timeout = tonumber(ARGV[4]) end
      local lease = now + timeout
      redis.call('ZREM', KEYS[1], k)
      redis.call('ZADD', KEYS[3], lease, k)
      redis.call('HSET', hash,
        'status', 'active',
        'started_at', now,
        'lease_expires_at', lease,
        'worker', ARGV[2])
      return k
    end
  end
  offset = offset + window
end
`)

var completeScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix jobKey nowMillis resultJSON
local hash = jobhash(ARGV[1], ARGV[2])
local status = redis.call('HGET', hash, 'status')
if not status then
  return {-1, ''}
end
if status ~= 'active' then
  return {0, status}
end
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[4], tonumber(ARGV[3]), ARGV[2])
redis.call('HSET', hash, 'status', 'completed', 'finished_at', ARGV[3], 'result', ARGV[4])
redis.call('HDEL', hash, 'lease_expires_at')
return {1, status}
`)

var failScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix jobKey errMsg nowMillis baseMillis multiplier maxDelayMillis failResultJSON
local hash = jobhash(ARGV[1], ARGV[2])
local status = redis.call('HGET', hash, 'status')
if not status then
  return {-1, '', 0, 0}
end
if status ~= 'active' then
  return {0, status, 0, 0}
end

local now = tonumber(ARGV[4])
local attempts = tonumber(redis.call('HGET', hash, 'attempts')) or 0
local maxRetries = tonumber(redis.call('HGET', hash, 'max_retries')) or 0
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('HDEL', hash, 'lease_expires_at')

if attempts < maxRetries then
  local delay = tonumber(ARGV[5]) * (tonumber(ARGV[6]) ^ attempts)
  local maxDelay = tonumber(ARGV[7])
  if maxDelay > 0 and delay > maxDelay then delay = maxDelay end
  local ready = now + delay
  redis.call('ZADD', KEYS[2], ready, ARGV[2])
  redis.call('HSET', hash,
    'status', 'delayed',
    'attempts', attempts + 1,
    'run_at', ready,
    'last_error', ARGV[3])
  return {1, status, attempts + 1, ready}
end

redis.call('ZADD', KEYS[5], now, ARGV[2])
redis.call('HSET', hash,
  'status', 'failed',
  'finished_at', now,
  'last_error', ARGV[3],
  'result', ARGV[8])
return {2, status, attempts, 0}
`)

var promoteScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix nowMillis batch
local prefix = ARGV[1]
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', tonumber(ARGV[2]), 'LIMIT', 0, tonumber(ARGV[3]))
for _, k in ipairs(due) do
  local seq = redis.call('INCR', KEYS[6])
  local pr = tonumber(redis.call('HGET', jobhash(prefix, k), 'priority'))
  redis.call('ZREM', KEYS[2], k)
  redis.call('ZADD', KEYS[1], score(pr, seq), k)
  redis.call('HSET', jobhash(prefix, k), 'status', 'waiting', 'seq', seq)
  redis.call('HDEL', jobhash(prefix, k), 'run_at')
end
return #due
`)

var removeScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix jobKey
local hash = jobhash(ARGV[1], ARGV[2])
local status = redis.call('HGET', hash, 'status')
if not status then
  return {-1, ''}
end
if status ~= 'waiting' and status ~= 'delayed' then
  return {0, status}
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', hash)
return {1, status}
`)

var requeueScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix jobKey
local hash = jobhash(ARGV[1], ARGV[2])
local status = redis.call('HGET', hash, 'status')
if not status then
  return {-1, ''}
end
if status ~= 'failed' then
  return {0, status}
end
local seq = redis.call('INCR', KEYS[6])
local pr = tonumber(redis.call('HGET', hash, 'priority'))
redis.call('ZREM', KEYS[5], ARGV[2])
redis.call('ZADD', KEYS[1], score(pr, seq), ARGV[2])
redis.call('HSET', hash, 'status', 'waiting', 'seq', seq)
redis.call('HDEL', hash, 'finished_at', 'result', 'run_at')
return {1, status}
`)

var drainScript = redis.NewScript(luaCommon + `
-- KEYS: waiting delayed active completed failed seq paused
-- ARGV: prefix includeDelayed
local prefix = ARGV[1]
local removed = 0
local waiting = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, k in ipairs(waiting) do
  redis.call('DEL', jobhash(prefix, k))
  removed = removed + 1
end
redis.call('DEL', KEYS[1])
if ARGV[2] == '1' then
  local delayed = redis.call('ZRANGE', KEYS[2], 0, -1)
  for _, k in ipairs(delayed) do
    redis.call('DEL', jobhash(prefix, k))
    removed = removed + 1
  end
  redis.call('DEL', KEYS[2])
end
return removed
`)

var cleanScript = redis.NewScript(luaCommon + `
-- KEYS: stateZset
-- ARGV: prefix cutoffMillis limit
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[2]), 'LIMIT', 0, tonumber(ARGV[3]))
for _, k in ipairs(keys) do
  redis.call('ZREM', KEYS[1], k)
  redis.call('DEL', jobhash(ARGV[1], k))
end
return keys
`)

var trimScript = redis.NewScript(luaCommon + `
-- KEYS: stateZset
-- ARGV: prefix keep
local keep = tonumber(ARGV[2])
local total = redis.call('ZCARD', KEYS[1])
if total <= keep then
  return {}
end
local keys = redis.call('ZRANGE', KEYS[1], 0, total - keep - 1)
for _, k in ipairs(keys) do
  redis.call('ZREM', KEYS[1], k)
  redis.call('DEL', jobhash(ARGV[1], k))
end
return keys
`)

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Insert(ctx context.Context, job *core.Job) (bool, error) {
	args, err := insertArgs(s.prefix, job)
	if err != nil {
		return false, err
	}
	seq, err := insertScript.Run(ctx, s.rdb, s.stateKeys(), args...).Int64()
	if err != nil {
		return false, err
	}
	if seq == 0 {
		return false, nil
	}
	job.Status = core.StatusWaiting
	job.Seq = uint64(seq)
	return true, nil
}

func (s *RedisStore) InsertBatch(ctx context.Context, jobs []*core.Job) ([]bool, error) {
	// One pipelined transaction: the batch becomes visible to consumers
	// atomically or not at all.
	pipe := s.rdb.TxPipeline()
	cmds := make([]*redis.Cmd, len(jobs))
	for i, job := range jobs {
		args, err := insertArgs(s.prefix, job)
		if err != nil {
			return nil, err
		}
		cmds[i] = insertScript.Run(ctx, pipe, s.stateKeys(), args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	inserted := make([]bool, len(jobs))
	for i, cmd := range cmds {
		seq, err := cmd.Int64()
		if err != nil {
			return nil, err
		}
		inserted[i] = seq != 0
		if seq != 0 {
			jobs[i].Status = core.StatusWaiting
			jobs[i].Seq = uint64(seq)
		}
	}
	return inserted, nil
}

func insertArgs(prefix string, job *core.Job) ([]any, error) {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	spec, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	caps, err := json.Marshal(job.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	return []any{
		prefix,
		job.Key(),
		job.Priority,
		string(spec),
		job.SubmittedAt.UnixMilli(),
		job.Timeout.Milliseconds(),
		job.MaxRetries,
		string(caps),
	}, nil
}

func (s *RedisStore) Claim(ctx context.Context, workerID string, capabilities []string, now time.Time) (*core.Job, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, err
	}

	res, err := claimScript.Run(ctx, s.rdb, s.stateKeys(),
		s.prefix,
		workerID,
		now.UnixMilli(),
		DefaultLeaseDuration.Milliseconds(),
		string(caps),
		100,
	).Result()
	if err == redis.Nil {
		return nil, core.ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	key, ok := res.(string)
	if !ok || key == "" {
		return nil, core.ErrNoJob
	}
	return s.Get(ctx, key)
}

func (s *RedisStore) CompleteActive(ctx context.Context, key string, result *core.JobResult) (*core.Job, error) {
	resJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	res, err := completeScript.Run(ctx, s.rdb, s.stateKeys(),
		s.prefix, key, time.Now().UnixMilli(), string(resJSON)).Slice()
	if err != nil {
		return nil, err
	}
	if err := transitionErr(res, key, core.StatusActive); err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func (s *RedisStore) FailActive(ctx context.Context, key string, errMsg string, policy core.RetryPolicy) (*core.FailOutcome, error) {
	failResult, err := json.Marshal(&core.JobResult{Success: false, Error: errMsg})
	if err != nil {
		return nil, err
	}

	res, err := failScript.Run(ctx, s.rdb, s.stateKeys(),
		s.prefix,
		key,
		errMsg,
		time.Now().UnixMilli(),
		policy.BaseDelay.Milliseconds(),
		policy.Multiplier,
		policy.MaxDelay.Milliseconds(),
		string(failResult),
	).Slice()
	if err != nil {
		return nil, err
	}
	if err := transitionErr(res, key, core.StatusActive); err != nil {
		return nil, err
	}

	code := res[0].(int64)
	attempt := int(res[2].(int64))

	job, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	outcome := &core.FailOutcome{Attempt: attempt, Job: job}
	if code == 2 {
		outcome.Terminal = true
	} else {
		outcome.NextRunAt = time.UnixMilli(res[3].(int64))
	}
	return outcome, nil
}

func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, s.rdb, s.stateKeys(),
		s.prefix, now.UnixMilli(), 1000).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) ExpiredActive(ctx context.Context, now time.Time) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.key("active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
}

func (s *RedisStore) Remove(ctx context.Context, key string) (*core.Job, error) {
	// Snapshot first so the caller gets the removed record back; the script
	// still decides atomically whether removal is legal.
	job, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	res, err := removeScript.Run(ctx, s.rdb, s.stateKeys(), s.prefix, key).Slice()
	if err != nil {
		return nil, err
	}
	if err := transitionErr(res, key, core.StatusWaiting); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *RedisStore) RequeueFailed(ctx context.Context, key string) (*core.Job, error) {
	res, err := requeueScript.Run(ctx, s.rdb, s.stateKeys(), s.prefix, key).Slice()
	if err != nil {
		return nil, err
	}
	if err := transitionErr(res, key, core.StatusFailed); err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func transitionErr(res []any, key string, expected core.JobStatus) error {
	if len(res) < 2 {
		return fmt.Errorf("dispatchq: malformed script reply for %s", key)
	}
	switch res[0].(int64) {
	case -1:
		return core.ErrJobNotFound
	case 0:
		observed, _ := res[1].(string)
		return &core.ErrStateConflict{Key: key, Observed: core.JobStatus(observed), Expected: expected}
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*core.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, core.ErrJobNotFound
	}
	return jobFromHash(fields)
}

func jobFromHash(fields map[string]string) (*core.Job, error) {
	var job core.Job
	if err := json.Unmarshal([]byte(fields["spec"]), &job); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}

	job.Status = core.JobStatus(fields["status"])
	job.Attempts = atoiOr(fields["attempts"], 0)
	job.Seq = uint64(atoi64Or(fields["seq"], 0))
	job.LastError = fields["last_error"]
	job.StartedAt = millisPtr(fields["started_at"])
	job.FinishedAt = millisPtr(fields["finished_at"])
	job.RunAt = millisPtr(fields["run_at"])
	job.LeaseExpiresAt = millisPtr(fields["lease_expires_at"])
	if w := fields["worker"]; w != "" {
		job.Metadata = withWorkerID(job.Metadata, w)
	}
	if r := fields["result"]; r != "" {
		var result core.JobResult
		if err := json.Unmarshal([]byte(r), &result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &result
	}
	return &job, nil
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atoi64Or(s string, def int64) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func millisPtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Lua may hand back float-formatted numbers.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil
		}
		ms = int64(f)
	}
	t := time.UnixMilli(ms)
	return &t
}

func (s *RedisStore) ListByStatus(ctx context.Context, status core.JobStatus, offset, limit int) ([]*core.Job, error) {
	zset, err := s.zsetFor(status)
	if err != nil {
		return nil, err
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	keys, err := s.rdb.ZRange(ctx, zset, int64(offset), stop).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*core.Job, 0, len(keys))
	for _, k := range keys {
		job, err := s.Get(ctx, k)
		if err == core.ErrJobNotFound {
			continue // cleaned between ZRANGE and HGETALL
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) zsetFor(status core.JobStatus) (string, error) {
	switch status {
	case core.StatusWaiting:
		return s.key("waiting"), nil
	case core.StatusDelayed:
		return s.key("delayed"), nil
	case core.StatusActive:
		return s.key("active"), nil
	case core.StatusCompleted:
		return s.key("completed"), nil
	case core.StatusFailed:
		return s.key("failed"), nil
	}
	return "", fmt.Errorf("dispatchq: no listing for status %q", status)
}

func (s *RedisStore) Counts(ctx context.Context) (core.QueueStats, error) {
	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, s.key("waiting"))
	active := pipe.ZCard(ctx, s.key("active"))
	completed := pipe.ZCard(ctx, s.key("completed"))
	failed := pipe.ZCard(ctx, s.key("failed"))
	delayed := pipe.ZCard(ctx, s.key("delayed"))
	paused := pipe.Get(ctx, s.key("paused"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return core.QueueStats{}, err
	}

	return core.QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == "1",
	}, nil
}

func (s *RedisStore) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return s.rdb.Set(ctx, s.key("paused"), "1", 0).Err()
	}
	return s.rdb.Del(ctx, s.key("paused")).Err()
}

func (s *RedisStore) Paused(ctx context.Context) (bool, error) {
	v, err := s.rdb.Get(ctx, s.key("paused")).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *RedisStore) Drain(ctx context.Context, includeDelayed bool) (int, error) {
	arg := "0"
	if includeDelayed {
		arg = "1"
	}
	return drainScript.Run(ctx, s.rdb, s.stateKeys(), s.prefix, arg).Int()
}

func (s *RedisStore) Clean(ctx context.Context, status core.JobStatus, olderThan time.Duration, limit int) ([]string, error) {
	zset, err := s.terminalZset(status)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	return cleanScript.Run(ctx, s.rdb, []string{zset}, s.prefix, cutoff, limit).StringSlice()
}

func (s *RedisStore) TrimTerminal(ctx context.Context, status core.JobStatus, keep int) ([]string, error) {
	zset, err := s.terminalZset(status)
	if err != nil {
		return nil, err
	}
	return trimScript.Run(ctx, s.rdb, []string{zset}, s.prefix, keep).StringSlice()
}

func (s *RedisStore) terminalZset(status core.JobStatus) (string, error) {
	switch status {
	case core.StatusCompleted:
		return s.key("completed"), nil
	case core.StatusFailed:
		return s.key("failed"), nil
	}
	return "", fmt.Errorf("dispatchq: %q is not a terminal state", status)
}

func (s *RedisStore) Publish(ctx context.Context, ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.key("events"), payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context) (<-chan core.Event, func(), error) {
	sub := s.rdb.Subscribe(ctx, s.key("events"))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan core.Event, 256)
	done := make(chan struct{})

	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev core.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
					// Slow subscriber; drop rather than back up pub/sub.
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

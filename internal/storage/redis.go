package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"convert-gateway/internal/model"
)

const (
	redisTenantSet   = "tenants"
	fieldTier        = "tier"
	fieldCreatedAt   = "created_at"
	fieldLastReset   = "last_reset"
	usedFieldPrefix  = "used:"
	limitFieldPrefix = "limit:"

	// maxWatchRetries bounds optimistic transaction retries under contention.
	maxWatchRetries = 10
)

// incrementScript atomically checks and increments a tenant counter.
//
// KEYS[1] = tenant hash, KEYS[2] = per-category usage index
// ARGV[1] = counter field, ARGV[2] = limit, ARGV[3] = tenant id
//
// Returns -1 when the tenant does not exist, 0 when the limit is reached and
// 1 when the increment was applied.
var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local used = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if used >= tonumber(ARGV[2]) then
	return 0
end
used = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('ZADD', KEYS[2], used, ARGV[3])
return 1
`)

// RedisStore is a Store backed by Redis hashes. Each tenant lives in one
// hash; a sorted set per category indexes non-zero counters for Query.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tenantKey(id string) string { return "tenant:" + id }

func usageIndexKey(category string) string { return "quota:used:" + category }

func (s *RedisStore) Get(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	fields, err := s.client.HGetAll(ctx, tenantKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeTenant(tenantID, fields)
}

func (s *RedisStore) ConditionalIncrement(ctx context.Context, tenantID, category string, limit int64) (bool, error) {
	res, err := incrementScript.Run(ctx, s.client,
		[]string{tenantKey(tenantID), usageIndexKey(category)},
		usedFieldPrefix+category, limit, tenantID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis increment: %w", err)
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (s *RedisStore) Query(ctx context.Context, category string, op Operator, value int64) ([]*model.TenantRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unsupported operator %q", op)
	}

	var ids []string
	if op.Match(0, value) {
		// Zero counters are not indexed, so scan every tenant.
		all, err := s.client.SMembers(ctx, redisTenantSet).Result()
		if err != nil {
			return nil, fmt.Errorf("redis query: %w", err)
		}
		ids = all
	} else {
		lo, hi := scoreRange(op, value)
		found, err := s.client.ZRangeByScore(ctx, usageIndexKey(category), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis query: %w", err)
		}
		ids = found
	}

	recs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	// The index may lag a concurrent increment; filter on the loaded value.
	out := recs[:0]
	for _, rec := range recs {
		if op.Match(rec.Counters[category], value) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BatchUpdate applies the batch in a WATCH/MULTI/EXEC transaction and
// retries when a concurrent writer touches one of the watched tenants.
func (s *RedisStore) BatchUpdate(ctx context.Context, updates []Update) error {
	if err := checkBatch(updates); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	keys := make([]string, len(updates))
	for i, u := range updates {
		keys[i] = tenantKey(u.TenantID)
	}

	txf := func(tx *redis.Tx) error {
		stamps := make([]*redis.SliceCmd, len(updates))
		_, err := tx.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, k := range keys {
				stamps[i] = p.HMGet(ctx, k, fieldTier, fieldLastReset)
			}
			return nil
		})
		if err != nil {
			return err
		}

		current := make([]time.Time, len(updates))
		for i, cmd := range stamps {
			vals := cmd.Val()
			if len(vals) < 2 || vals[0] == nil {
				return fmt.Errorf("batch update %s: %w", updates[i].TenantID, ErrNotFound)
			}
			if str, ok := vals[1].(string); ok {
				current[i] = parseNanos(str)
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for i, u := range updates {
				fields := make([]any, 0, 2*len(u.Counters)+2)
				for category, v := range u.Counters {
					fields = append(fields, usedFieldPrefix+category, v)
					if v > 0 {
						p.ZAdd(ctx, usageIndexKey(category), redis.Z{Score: float64(v), Member: u.TenantID})
					} else {
						p.ZRem(ctx, usageIndexKey(category), u.TenantID)
					}
				}
				if u.LastReset.After(current[i]) {
					fields = append(fields, fieldLastReset, formatNanos(u.LastReset))
				}
				if len(fields) > 0 {
					p.HSet(ctx, keys[i], fields...)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("batch update: %w after %d attempts", redis.TxFailedErr, maxWatchRetries)
}

func (s *RedisStore) Create(ctx context.Context, rec *model.TenantRecord) error {
	key := tenantKey(rec.ID)
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			fields := []any{fieldTier, rec.PriorityTier.Or(model.TierNormal).String(), fieldCreatedAt, formatNanos(createdAt)}
			for c, l := range rec.Limits {
				fields = append(fields, limitFieldPrefix+c, l)
			}
			for c, v := range rec.Counters {
				fields = append(fields, usedFieldPrefix+c, v)
				if v > 0 {
					p.ZAdd(ctx, usageIndexKey(c), redis.Z{Score: float64(v), Member: rec.ID})
				}
			}
			p.HSet(ctx, key, fields...)
			p.SAdd(ctx, redisTenantSet, rec.ID)
			return nil
		})
		return err
	}
	return s.client.Watch(ctx, txf, key)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*model.TenantRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, tenantKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis load: %w", err)
	}

	out := make([]*model.TenantRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeTenant(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeTenant(id string, fields map[string]string) (*model.TenantRecord, error) {
	rec := &model.TenantRecord{
		ID:       id,
		Counters: make(map[string]int64),
		Limits:   make(map[string]int64),
	}
	for k, v := range fields {
		switch {
		case k == fieldTier:
			tier, err := model.ParseTier(v)
			if err != nil {
				return nil, err
			}
			rec.PriorityTier = tier
		case k == fieldCreatedAt:
			rec.CreatedAt = parseNanos(v)
		case k == fieldLastReset:
			rec.LastReset = parseNanos(v)
		case strings.HasPrefix(k, usedFieldPrefix):
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("tenant %s field %s: %w", id, k, err)
			}
			rec.Counters[strings.TrimPrefix(k, usedFieldPrefix)] = n
		case strings.HasPrefix(k, limitFieldPrefix):
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("tenant %s field %s: %w", id, k, err)
			}
			rec.Limits[strings.TrimPrefix(k, limitFieldPrefix)] = n
		}
	}
	return rec, nil
}

func scoreRange(op Operator, value int64) (lo, hi string) {
	v := strconv.FormatInt(value, 10)
	switch op {
	case OpGreater:
		return "(" + v, "+inf"
	case OpGreaterEqual:
		return v, "+inf"
	case OpEqual:
		return v, v
	case OpLess:
		return "-inf", "(" + v
	default:
		return "-inf", v
	}
}

func formatNanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

/**
 * @description
 * Read-through cache for request reads. Single requests are keyed by id; list
 * pages are keyed by a digest of their filter and indexed under a tag set so a
 * write only drops the pages that could contain the touched request.
 *
 * @notes
 * - Pages filtered by initiator are tagged with that initiator; every other page
 *   is tagged "all". Writing request R drops R's own key, the "all" pages and
 *   the pages of R's initiator. Other users' pages stay warm.
 * - Pending-approval queues are never cached.
 * - Invalidation leaves a version floor per request, so a read that loaded an
 *   older row before the write cannot store it back afterwards.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RequestCache is the explicit cache layer in front of the store.
type RequestCache interface {
	Request(ctx context.Context, id uuid.UUID) (*domain.Request, bool)
	StoreRequest(ctx context.Context, req *domain.Request)
	Page(ctx context.Context, key string) (*domain.RequestPage, bool)
	StorePage(ctx context.Context, key string, initiator *uuid.UUID, page *domain.RequestPage)
	// Invalidate drops every entry a write to req can make stale. req carries
	// the version after the write.
	Invalidate(ctx context.Context, req *domain.Request)
}

// PageKey derives a stable cache key for a filtered page.
func PageKey(filter domain.RequestFilter, page domain.PageRequest) string {
	modules := make([]string, len(filter.Modules))
	for i, m := range filter.Modules {
		modules[i] = string(m)
	}
	parts := []string{
		"type=" + optional(filter.Type),
		"status=" + optional(filter.Status),
		"module=" + optional(filter.Module),
		"initiator=" + optional(filter.InitiatorID),
		"assignee=" + optional(filter.AssignedTo),
		"from=" + optional(filter.DateFrom),
		"to=" + optional(filter.DateTo),
		"modules=" + strings.Join(modules, ","),
		fmt.Sprintf("asc=%t", filter.Ascending),
		fmt.Sprintf("page=%d", page.Page),
		fmt.Sprintf("limit=%d", page.Limit),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:12])
}

func optional[T any](v *T) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}

// invalidateScript drops the request key and every page listed in the tag sets
// (KEYS[3:]), and raises the request's version floor (KEYS[2]) to ARGV[1].
var invalidateScript = redis.NewScript(`
local doomed = {KEYS[1]}
for i = 3, #KEYS do
  local members = redis.call("SMEMBERS", KEYS[i])
  for _, member in ipairs(members) do
    table.insert(doomed, member)
  end
  table.insert(doomed, KEYS[i])
end
local floor = tonumber(redis.call("GET", KEYS[2]) or "0")
if tonumber(ARGV[1]) > floor then
  redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
end
return redis.call("DEL", unpack(doomed))
`)

// storeRequestScript writes a snapshot unless its version is below the floor
// left by the last invalidation.
var storeRequestScript = redis.NewScript(`
local floor = redis.call("GET", KEYS[2])
if floor and tonumber(ARGV[2]) < tonumber(floor) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// RedisRequestCache stores JSON snapshots in Redis. Cache failures are logged
// and treated as misses.
type RedisRequestCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedisRequestCache(client redis.UniversalClient, prefix string, ttl time.Duration, log zerolog.Logger) *RedisRequestCache {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "coop:requests"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRequestCache{
		client: client,
		prefix: prefix + ":cache",
		ttl:    ttl,
		log:    log.With().Str("component", "request_cache").Logger(),
	}
}

func (c *RedisRequestCache) requestKey(id uuid.UUID) string {
	return c.prefix + ":request:" + id.String()
}

func (c *RedisRequestCache) floorKey(id uuid.UUID) string {
	return c.prefix + ":floor:" + id.String()
}

func (c *RedisRequestCache) pageKey(key string) string {
	return c.prefix + ":page:" + key
}

func (c *RedisRequestCache) tagKey(initiator *uuid.UUID) string {
	if initiator == nil {
		return c.prefix + ":pages:all"
	}
	return c.prefix + ":pages:user:" + initiator.String()
}

func (c *RedisRequestCache) Request(ctx context.Context, id uuid.UUID) (*domain.Request, bool) {
	var req domain.Request
	if !c.get(ctx, c.requestKey(id), &req) {
		return nil, false
	}
	return &req, true
}

func (c *RedisRequestCache) StoreRequest(ctx context.Context, req *domain.Request) {
	blob, err := json.Marshal(req)
	if err != nil {
		c.log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("encode request for cache")
		return
	}
	keys := []string{c.requestKey(req.ID), c.floorKey(req.ID)}
	stored, err := storeRequestScript.Run(ctx, c.client, keys, blob, req.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("cache set failed")
		return
	}
	if stored == 0 {
		c.log.Debug().Str("request_id", req.ID.String()).Int("version", req.Version).Msg("skipped outdated snapshot")
	}
}

func (c *RedisRequestCache) Page(ctx context.Context, key string) (*domain.RequestPage, bool) {
	var page domain.RequestPage
	if !c.get(ctx, c.pageKey(key), &page) {
		return nil, false
	}
	return &page, true
}

func (c *RedisRequestCache) StorePage(ctx context.Context, key string, initiator *uuid.UUID, page *domain.RequestPage) {
	blob, err := json.Marshal(page)
	if err != nil {
		c.log.Warn().Err(err).Msg("encode page for cache")
		return
	}
	tag := c.tagKey(initiator)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.pageKey(key), blob, c.ttl)
	pipe.SAdd(ctx, tag, c.pageKey(key))
	pipe.Expire(ctx, tag, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("tag", tag).Msg("cache page store failed")
	}
}

func (c *RedisRequestCache) Invalidate(ctx context.Context, req *domain.Request) {
	if req == nil {
		return
	}
	initiator := req.InitiatorID
	keys := []string{c.requestKey(req.ID), c.floorKey(req.ID), c.tagKey(nil), c.tagKey(&initiator)}
	if err := invalidateScript.Run(ctx, c.client, keys, req.Version, c.ttl.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("cache invalidation failed")
	}
}

func (c *RedisRequestCache) get(ctx context.Context, key string, dst interface{}) bool {
	blob, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return false
	}
	if err := json.Unmarshal(blob, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache entry")
		_ = c.client.Del(ctx, key).Err()
		return false
	}
	return true
}

// NoopCache is used when Redis is not configured.
type NoopCache struct{}

func (NoopCache) Request(context.Context, uuid.UUID) (*domain.Request, bool) { return nil, false }

func (NoopCache) StoreRequest(context.Context, *domain.Request) {}

func (NoopCache) Page(context.Context, string) (*domain.RequestPage, bool) { return nil, false }

func (NoopCache) StorePage(context.Context, string, *uuid.UUID, *domain.RequestPage) {}

func (NoopCache) Invalidate(context.Context, *domain.Request) {}

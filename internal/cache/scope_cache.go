package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/feedsync/internal/repository"
	"github.com/d60-Lab/feedsync/pkg/logger"
)

// Kind of display record.
type Kind string

const (
	KindGroup   Kind = "group"
	KindCompany Kind = "company"
	KindUser    Kind = "user"
)

// Snapshot contains the minimal display info the feed needs for a group,
// company or author.
type Snapshot struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ScopeCache serves display snapshots from redis, bulk-loading misses from
// the database in one query per kind. A nil redis client disables caching.
type ScopeCache struct {
	repo  repository.ScopeRepository
	cache *redis.Client
	ttl   time.Duration

	bulkLoads atomic.Int64
	hits      atomic.Int64
}

func NewScopeCache(repo repository.ScopeRepository, cache *redis.Client, ttl time.Duration) *ScopeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ScopeCache{repo: repo, cache: cache, ttl: ttl}
}

func key(kind Kind, id string) string { return fmt.Sprintf("scope:%s:%s", kind, id) }

// Load returns snapshots keyed by id. Unknown ids are simply absent.
func (s *ScopeCache) Load(ctx context.Context, kind Kind, ids []string) (map[string]Snapshot, error) {
	ids = dedupe(ids)
	out := make(map[string]Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	if s.cache != nil {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = key(kind, id)
		}
		vals, err := s.cache.MGet(ctx, keys...).Result()
		if err != nil {
			logger.Warn("scope cache mget failed, falling back to db", zap.String("kind", string(kind)), zap.Error(err))
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var snap Snapshot
			if uErr := json.Unmarshal([]byte(str), &snap); uErr == nil {
				out[ids[i]] = snap
			}
		}
		s.hits.Add(int64(len(out)))
	}

	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	s.bulkLoads.Add(1)
	loaded, err := s.loadFromDB(ctx, kind, missing)
	if err != nil {
		return nil, err
	}
	var pipe redis.Pipeliner
	if s.cache != nil {
		pipe = s.cache.Pipeline()
	}
	for _, snap := range loaded {
		out[snap.ID] = snap
		if pipe == nil {
			continue
		}
		if payload, err := json.Marshal(snap); err == nil {
			pipe.Set(ctx, key(kind, snap.ID), payload, s.ttl)
		}
	}
	if pipe != nil && pipe.Len() > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("scope cache write failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
	return out, nil
}

func (s *ScopeCache) loadFromDB(ctx context.Context, kind Kind, ids []string) ([]Snapshot, error) {
	var res []Snapshot
	switch kind {
	case KindGroup:
		rows, err := s.repo.Groups(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, g := range rows {
			res = append(res, Snapshot{ID: g.ID, Name: g.Name, Slug: g.Slug, AvatarURL: g.AvatarURL})
		}
	case KindCompany:
		rows, err := s.repo.Companies(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, c := range rows {
			res = append(res, Snapshot{ID: c.ID, Name: c.Name, Slug: c.Slug, AvatarURL: c.AvatarURL})
		}
	case KindUser:
		rows, err := s.repo.Users(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, u := range rows {
			res = append(res, Snapshot{ID: u.ID, Name: u.DisplayName, Slug: u.Username, AvatarURL: u.AvatarURL})
		}
	default:
		return nil, fmt.Errorf("unknown scope kind %q", kind)
	}
	return res, nil
}

// Counters reports how the cache has been served so far.
func (s *ScopeCache) Counters() Counters {
	return Counters{BulkLoads: s.bulkLoads.Load(), Hits: s.hits.Load()}
}

// ResetCounters clears recorded counters.
func (s *ScopeCache) ResetCounters() {
	s.bulkLoads.Store(0)
	s.hits.Store(0)
}

// Counters summarises cache hits and DB bulk loads.
type Counters struct {
	BulkLoads int64
	Hits      int64
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package cache

import (
	"context"
	"time"
)

const (
	JobStatusTTL = 30 * time.Second
	BibleTTL     = 5 * time.Minute
)

// Cache is an advisory JSON cache. Every entry may vanish at any time and
// readers must fall back to the source of truth.
type Cache interface {
	// Get decodes the entry at key into into and reports whether it existed.
	Get(ctx context.Context, key string, into any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func JobKey(id string) string {
	return "job:" + id
}

func BibleKey(sceneID string) string {
	return "bible:" + sceneID
}

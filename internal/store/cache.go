package store

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sitesafe/fieldsync/internal/models"
)

// recordCache is a read-through LRU for point lookups. Entries are cloned on
// the way in and out so callers never share a record with the cache.
type recordCache struct {
	lru *expirable.LRU[string, *models.Record]
}

func newRecordCache(size int, ttl time.Duration) *recordCache {
	if size <= 0 {
		return nil
	}
	return &recordCache{lru: expirable.NewLRU[string, *models.Record](size, nil, ttl)}
}

func cacheKey(entity models.EntityType, id string) string {
	return string(entity) + ":" + id
}

func (c *recordCache) get(entity models.EntityType, id string) (*models.Record, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(cacheKey(entity, id))
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (c *recordCache) set(entity models.EntityType, rec *models.Record) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey(entity, rec.ID), rec.Clone())
}

func (c *recordCache) invalidate(entity models.EntityType, id string) {
	if c == nil {
		return
	}
	c.lru.Remove(cacheKey(entity, id))
}

func (c *recordCache) clear() {
	if c == nil {
		return
	}
	c.lru.Purge()
}

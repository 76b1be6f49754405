package services

import (
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent
var ErrCacheMiss = errors.New("cache miss")

// Cache stores lookup responses between enrichment batches
type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, expiration time.Duration) error
}

// MemcacheCache implements Cache using memcache
type MemcacheCache struct {
	client *memcache.Client
}

func NewMemcacheCache(serverAddr string) *MemcacheCache {
	client := memcache.New(serverAddr)
	client.Timeout = 500 * time.Millisecond
	return &MemcacheCache{client: client}
}

func (m *MemcacheCache) Get(key string) ([]byte, error) {
	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (m *MemcacheCache) Set(key string, value []byte, expiration time.Duration) error {
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(expiration.Seconds()),
	})
}

func (m *MemcacheCache) Delete(key string) error {
	return m.client.Delete(key)
}

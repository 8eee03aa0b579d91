// Package tokencache memoises prompt tokenization for a loaded model.
package tokencache

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"EdgeLLM/internal/backend"
	"EdgeLLM/internal/config"
)

const defaultTTL = 10 * time.Minute

// Model decorates a backend.Model with a TTL cache in front of Tokenize.
// Every other method is served by the wrapped model.
type Model struct {
	backend.Model

	cache  *ttlcache.Cache[string, []backend.Token]
	hits   atomic.Int64
	misses atomic.Int64
}

// Wrap returns m unchanged when caching is disabled.
func Wrap(m backend.Model, cfg config.CacheConfig) backend.Model {
	if m == nil || !cfg.Enabled {
		return m
	}

	ttl := defaultTTL
	if cfg.TTL != "" {
		if d, err := time.ParseDuration(cfg.TTL); err == nil && d > 0 {
			ttl = d
		} else {
			log.Printf("tokencache: invalid ttl %q, using %s", cfg.TTL, defaultTTL)
		}
	}

	opts := []ttlcache.Option[string, []backend.Token]{
		ttlcache.WithTTL[string, []backend.Token](ttl),
		ttlcache.WithDisableTouchOnHit[string, []backend.Token](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []backend.Token](uint64(cfg.Capacity)))
	}
	return &Model{Model: m, cache: ttlcache.New[string, []backend.Token](opts...)}
}

// Tokenize returns a copy of the cached tokens for text, tokenizing on a miss.
func (m *Model) Tokenize(text string) ([]backend.Token, error) {
	if item := m.cache.Get(text); item != nil {
		m.hits.Add(1)
		return append([]backend.Token(nil), item.Value()...), nil
	}
	m.misses.Add(1)

	tokens, err := m.Model.Tokenize(text)
	if err != nil {
		return nil, err
	}
	m.cache.Set(text, append([]backend.Token(nil), tokens...), ttlcache.DefaultTTL)
	return tokens, nil
}

// Stats reports cache hits and misses since the model was wrapped.
func (m *Model) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// Len is the number of live entries.
func (m *Model) Len() int { return m.cache.Len() }

// Close drops the cache and closes the wrapped model.
func (m *Model) Close() error {
	m.cache.DeleteAll()
	return m.Model.Close()
}

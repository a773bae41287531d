// Package cache implementiert den Ergebnis-Cache: Redis als primäres
// Backend mit einem prozesslokalen LRU als Fallback, falls Redis nicht
// konfiguriert oder nicht erreichbar ist.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope umhüllt jeden Cache-Wert mit Zeitstempeln.
type envelope struct {
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Cache ist die Schnittstelle des Ergebnis-Caches.
type Cache interface {
	Get(ctx context.Context, key string, out interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, prefix string) error
	Incr(ctx context.Context, key string, ttl time.Duration) int64
	Health(ctx context.Context) error
}

// Layer ist die konkrete Implementierung des Cache-Interface.
type Layer struct {
	logger *zap.Logger
	rdb    *redis.Client
	local  *lru.LRU[string, []byte]

	mu       sync.Mutex
	counters map[string]int64
}

// New baut den Cache-Layer. Eine leere URL oder ein fehlgeschlagener
// Ping degradiert auf den lokalen LRU (mit Warnung, kein Fehler).
func New(redisURL string, ttl time.Duration, logger *zap.Logger) *Layer {
	l := &Layer{
		logger:   logger,
		local:    lru.NewLRU[string, []byte](2048, nil, ttl),
		counters: make(map[string]int64),
	}
	if redisURL == "" {
		logger.Info("Keine Cache-URL konfiguriert, nutze lokalen LRU")
		return l
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("Ungültige Cache-URL, degradiere auf lokalen LRU", zap.Error(err))
		return l
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis nicht erreichbar, degradiere auf lokalen LRU", zap.Error(err))
		_ = rdb.Close()
		return l
	}
	l.rdb = rdb
	logger.Info("Redis-Cache verbunden")
	return l
}

// Get liest einen Wert. Abgelaufene Einträge zählen als Miss.
func (l *Layer) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	var raw []byte
	if l.rdb != nil {
		data, err := l.rdb.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			return false, nil
		case err != nil:
			l.logger.Warn("Redis-Get fehlgeschlagen, versuche lokalen LRU", zap.Error(err))
		default:
			raw = data
		}
	}
	if raw == nil {
		data, ok := l.local.Get(key)
		if !ok {
			return false, nil
		}
		raw = data
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, err
	}
	if time.Now().After(env.ExpiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return false, err
	}
	return true, nil
}

// Set schreibt einen Wert in Redis und den lokalen LRU.
func (l *Layer) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now()
	raw, err := json.Marshal(envelope{CachedAt: now, ExpiresAt: now.Add(ttl), Payload: payload})
	if err != nil {
		return err
	}

	l.local.Add(key, raw)
	if l.rdb != nil {
		if err := l.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
			l.logger.Warn("Redis-Set fehlgeschlagen", zap.Error(err))
		}
	}
	return nil
}

// Invalidate löscht alle Einträge mit dem gegebenen Präfix.
func (l *Layer) Invalidate(ctx context.Context, prefix string) error {
	for _, key := range l.local.Keys() {
		if strings.HasPrefix(key, prefix) {
			l.local.Remove(key)
		}
	}
	if l.rdb == nil {
		return nil
	}
	iter := l.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := l.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Incr erhöht einen Zähler atomar im Primär-Backend (INCR + Expire).
// Ohne Redis zählt die prozesslokale Map weiter.
func (l *Layer) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	if l.rdb != nil {
		pipe := l.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			l.logger.Warn("Redis-Incr fehlgeschlagen, zähle lokal", zap.Error(err))
		} else {
			return incr.Val()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[key]++
	return l.counters[key]
}

// Health prüft die Redis-Verbindung; der lokale LRU ist immer gesund.
func (l *Layer) Health(ctx context.Context) error {
	if l.rdb == nil {
		return nil
	}
	return l.rdb.Ping(ctx).Err()
}

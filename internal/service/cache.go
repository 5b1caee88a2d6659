// cache.go — LRU-кэш метаданных образов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagestore/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных",
	})
)

// CacheService — LRU-кэш метаданных образов с автоматическим TTL.
// Каждый экземпляр сервиса имеет собственный in-memory кэш.
type CacheService struct {
	cache *expirable.LRU[string, *model.Image]
}

// NewCacheService создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	cache := expirable.NewLRU[string, *model.Image](maxSize, nil, ttl)
	return &CacheService{cache: cache}
}

// cacheKey — ключ кэша: tenant + "/" + id (id уникален в рамках арендатора).
func cacheKey(tenant, id string) string {
	return tenant + "/" + id
}

// Get возвращает образ из кэша.
// Возвращает (запись, true) при hit или (nil, false) при miss.
func (c *CacheService) Get(tenant, id string) (*model.Image, bool) {
	val, ok := c.cache.Get(cacheKey(tenant, id))
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *CacheService) Set(img *model.Image) {
	c.cache.Add(cacheKey(img.Tenant, img.ID), img)
}

// Delete удаляет запись из кэша (инвалидация при изменении состояния).
func (c *CacheService) Delete(tenant, id string) {
	c.cache.Remove(cacheKey(tenant, id))
}

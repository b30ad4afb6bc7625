// Package refcache caches the read-only lookup tables (brands, models,
// categories, countries, cities) in Redis so edit sessions across replicas
// share one copy instead of re-reading Postgres on every open.
package refcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"autosouq/pkg/domain"
	"autosouq/pkg/store"
)

// Kind names one cached lookup table.
type Kind string

const (
	KindBrands     Kind = "brands"
	KindModels     Kind = "models"
	KindCategories Kind = "categories"
	KindCountries  Kind = "countries"
	KindCities     Kind = "cities"
)

const defaultTTL = 10 * time.Minute

// Config configures Cache.
type Config struct {
	Source store.ReferenceStore
	// Client may be nil, in which case every read goes to Source.
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// Cache is a read-through Redis cache over a ReferenceStore. Entries expire
// after TTL; Invalidate drops a kind early and Warm preloads the global lists.
type Cache struct {
	source store.ReferenceStore
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New builds a cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Source == nil {
		return nil, errors.New("reference cache requires a source store")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "autosouq:ref"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{source: cfg.Source, client: cfg.Client, prefix: prefix, ttl: ttl}, nil
}

func (c *Cache) Brands(ctx context.Context) ([]domain.Brand, error) {
	return cached(ctx, c, c.key(KindBrands, ""), c.source.ListBrands)
}

func (c *Cache) Categories(ctx context.Context) ([]domain.Category, error) {
	return cached(ctx, c, c.key(KindCategories, ""), c.source.ListCategories)
}

func (c *Cache) Countries(ctx context.Context) ([]domain.Country, error) {
	return cached(ctx, c, c.key(KindCountries, ""), c.source.ListCountries)
}

// Models returns the models of one brand.
func (c *Cache) Models(ctx context.Context, brandID string) ([]domain.CarModel, error) {
	if strings.TrimSpace(brandID) == "" {
		return []domain.CarModel{}, nil
	}
	return cached(ctx, c, c.key(KindModels, brandID), func(ctx context.Context) ([]domain.CarModel, error) {
		return c.source.ListModelsByBrand(ctx, brandID)
	})
}

// Cities returns the cities of one country.
func (c *Cache) Cities(ctx context.Context, countryID string) ([]domain.City, error) {
	if strings.TrimSpace(countryID) == "" {
		return []domain.City{}, nil
	}
	return cached(ctx, c, c.key(KindCities, countryID), func(ctx context.Context) ([]domain.City, error) {
		return c.source.ListCitiesByCountry(ctx, countryID)
	})
}

// Invalidate drops every cached entry of kind.
func (c *Cache) Invalidate(ctx context.Context, kind Kind) error {
	if c.client == nil {
		return nil
	}
	keys := []string{c.key(kind, "")}
	iter := c.client.Scan(ctx, 0, c.key(kind, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return c.client.Del(ctx, keys...).Err()
}

// Warm refreshes the global lists and the cities/models of every country and brand.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	brands, err := refresh(ctx, c, c.key(KindBrands, ""), c.source.ListBrands)
	if err != nil {
		return 0, err
	}
	if _, err := refresh(ctx, c, c.key(KindCategories, ""), c.source.ListCategories); err != nil {
		return 0, err
	}
	countries, err := refresh(ctx, c, c.key(KindCountries, ""), c.source.ListCountries)
	if err != nil {
		return 0, err
	}
	entries := 3
	for _, b := range brands {
		brandID := b.ID
		if _, err := refresh(ctx, c, c.key(KindModels, brandID), func(ctx context.Context) ([]domain.CarModel, error) {
			return c.source.ListModelsByBrand(ctx, brandID)
		}); err != nil {
			return entries, err
		}
		entries++
	}
	for _, country := range countries {
		countryID := country.ID
		if _, err := refresh(ctx, c, c.key(KindCities, countryID), func(ctx context.Context) ([]domain.City, error) {
			return c.source.ListCitiesByCountry(ctx, countryID)
		}); err != nil {
			return entries, err
		}
		entries++
	}
	return entries, nil
}

func (c *Cache) key(kind Kind, scope string) string {
	if scope == "" {
		return c.prefix + ":" + string(kind)
	}
	return c.prefix + ":" + string(kind) + ":" + scope
}

// cached serves key from Redis, falling back to load on a miss or on any
// Redis failure. Loaded values are written back best-effort.
func cached[T any](ctx context.Context, c *Cache, key string, load func(context.Context) ([]T, error)) ([]T, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var items []T
			if jsonErr := json.Unmarshal(raw, &items); jsonErr == nil {
				return items, nil
			}
			slog.Warn("reference cache entry corrupt", "key", key)
		case !errors.Is(err, redis.Nil):
			slog.Warn("reference cache read failed", "key", key, "err", err)
		}
	}
	return refresh(ctx, c, key, load)
}

func refresh[T any](ctx context.Context, c *Cache, key string, load func(context.Context) ([]T, error)) ([]T, error) {
	items, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	if c.client != nil {
		if payload, err := json.Marshal(items); err == nil {
			if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
				slog.Warn("reference cache write failed", "key", key, "err", err)
			}
		}
	}
	return items, nil
}

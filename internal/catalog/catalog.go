// Package catalog serves the service catalog that orders are priced from.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"digistore/internal/apperr"
	"digistore/internal/repo"
	"digistore/internal/session"
)

const (
	defaultCacheTTL = 5 * time.Minute
	cacheKey        = "catalog:services:active"
)

// Cache is the subset of cache.Redis used for the catalog.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Catalog reads active services, cached when a cache is configured.
type Catalog struct {
	store  repo.Store
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// New constructs a Catalog. cache may be nil.
func New(store repo.Store, cache Cache, ttl time.Duration, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Catalog{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "catalog"),
	}
}

// List returns the active services.
func (c *Catalog) List(ctx context.Context) ([]repo.Service, error) {
	if c.cache != nil {
		var cached []repo.Service
		ok, err := c.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			c.logger.Warn("read catalog cache failed", "error", err)
		} else if ok {
			return cached, nil
		}
	}

	services, err := c.store.ListServices(ctx, true)
	if err != nil {
		return nil, apperr.Persistence("list services", err)
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey, services, c.ttl); err != nil {
			c.logger.Warn("set catalog cache failed", "error", err)
		}
	}
	return services, nil
}

// Get resolves an active service by id. Unknown or inactive services are
// reported as a validation failure on service_id.
func (c *Catalog) Get(ctx context.Context, id string) (*repo.Service, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Invalid("service_id", "is required")
	}

	if c.cache != nil {
		var cached []repo.Service
		if ok, err := c.cache.GetJSON(ctx, cacheKey, &cached); err == nil && ok {
			for i := range cached {
				if cached[i].ID == id {
					return &cached[i], nil
				}
			}
		}
	}

	svc, err := c.store.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.Invalid("service_id", "unknown service")
		}
		return nil, apperr.Persistence("get service", err)
	}
	if !svc.Active {
		return nil, apperr.Invalid("service_id", "service is not available")
	}
	return svc, nil
}

// Search filters the active catalog by free-text query and optional category.
func (c *Catalog) Search(ctx context.Context, query, category string) ([]repo.Service, error) {
	services, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterByQuery(services, query, category), nil
}

// Upsert creates or updates a service and drops the cached catalog.
func (c *Catalog) Upsert(ctx context.Context, sess session.Session, svc repo.Service) (*repo.Service, error) {
	if err := sess.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := validateService(svc); err != nil {
		return nil, err
	}

	out, err := c.store.UpsertService(ctx, svc)
	if err != nil {
		return nil, apperr.Persistence("upsert service", err)
	}
	c.Invalidate(ctx)
	c.logger.Info("service saved", "service_id", out.ID, "admin_id", sess.UserID)
	return out, nil
}

// Invalidate drops the cached catalog.
func (c *Catalog) Invalidate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, cacheKey); err != nil {
		c.logger.Warn("invalidate catalog cache failed", "error", err)
	}
}

var inputTypes = map[string]bool{"": true, "email": true, "telephone": true, "url": true, "text": true}

func validateService(svc repo.Service) error {
	if strings.TrimSpace(svc.Name) == "" {
		return apperr.Invalid("name", "is required")
	}
	if svc.Price.LessThan(decimal.Zero) {
		return apperr.Invalid("price", "must not be negative")
	}
	if !inputTypes[svc.InputType] {
		return apperr.Invalid("input_type", "unsupported input type %q", svc.InputType)
	}
	if svc.MinQuantity < 1 {
		return apperr.Invalid("min_quantity", "must be at least 1")
	}
	if svc.MaxQuantity < svc.MinQuantity {
		return apperr.Invalid("max_quantity", "must be at least %d", svc.MinQuantity)
	}
	return nil
}

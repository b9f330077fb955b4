package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/port"
)

// CatalogService serves per-tenant catalog snapshots from a TTL cache.
type CatalogService struct {
	store   port.CatalogStore
	cache   port.Cache[*domain.CatalogSnapshot]
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCatalogService creates the catalog service.
func NewCatalogService(
	store port.CatalogStore,
	cache port.Cache[*domain.CatalogSnapshot],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *CatalogService {
	return &CatalogService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

func catalogKey(tenantID string) string {
	return fmt.Sprintf("catalog:%s", tenantID)
}

// Snapshot returns the active products of a tenant.
func (c *CatalogService) Snapshot(ctx context.Context, tenantID string) (*domain.CatalogSnapshot, error) {
	ctx, span := tracer.Start(ctx, "CatalogService.Snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	if snap, ok := c.cache.Get(catalogKey(tenantID)); ok && snap != nil {
		c.metrics.IncrCacheHit("catalog")
		return snap, nil
	}
	c.metrics.IncrCacheMiss("catalog")

	products, err := c.store.ListActiveProducts(ctx, tenantID)
	if err != nil {
		c.logger.Error("failed to load catalog",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	snap := &domain.CatalogSnapshot{TenantID: tenantID, Products: products}
	c.cache.Set(catalogKey(tenantID), snap)
	return snap, nil
}

// Invalidate drops the cached snapshot, e.g. after stock changed.
func (c *CatalogService) Invalidate(tenantID string) {
	c.cache.Delete(catalogKey(tenantID))
}

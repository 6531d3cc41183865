// Package catalog manages the reference data the workflows run on:
// suppliers, clients, raw materials, finished products, recipes and the
// devices reporting their sync backlog.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/search"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

const (
	entitySupplier  = "Supplier"
	entityClient    = "Client"
	entityProductMP = "ProductMP"
	entityProductPF = "ProductPF"
	entityRecipe    = "Recipe"
	entityDevice    = "Device"
)

// Store is the persistence the catalog needs. *store.PostgresStore
// satisfies it.
type Store interface {
	RunInTx(context.Context, func(context.Context) error) error
	InsertAudit(context.Context, store.AuditEntry) error

	CreateSupplier(context.Context, store.Supplier) (store.Supplier, error)
	UpdateSupplier(context.Context, store.Supplier) (store.Supplier, error)
	GetSupplier(context.Context, int64) (store.Supplier, error)
	ListSuppliers(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.Supplier], error)

	CreateClient(context.Context, store.Client) (store.Client, error)
	GetClient(context.Context, int64) (store.Client, error)
	ListClients(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.Client], error)

	CreateProductMP(context.Context, store.ProductMP) (store.ProductMP, error)
	UpdateProductMP(context.Context, store.ProductMP) (store.ProductMP, error)
	GetProductMP(context.Context, int64) (store.ProductMP, error)
	GetProductsMP(context.Context, []int64) (map[int64]store.ProductMP, error)
	ListProductsMP(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.ProductMP], error)

	CreateProductPF(context.Context, store.ProductPF) (store.ProductPF, error)
	GetProductPF(context.Context, int64) (store.ProductPF, error)
	ListProductsPF(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.ProductPF], error)

	CreateRecipe(context.Context, store.Recipe) (store.Recipe, error)
	GetRecipe(context.Context, int64) (store.Recipe, error)
	ListRecipes(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.Recipe], error)

	ListLots(context.Context, store.LotFilter, pagination.CursorParams) (pagination.CursorPage[store.Lot], error)
	RecordHeartbeat(ctx context.Context, deviceID, name string, userID int64, pendingEvents int, at time.Time) (store.Device, error)
	SetDeviceActive(ctx context.Context, deviceID string, active bool) (store.Device, error)
	ListDevices(ctx context.Context) ([]store.Device, error)
}

// Indexer receives catalog documents after every write. *search.Service
// satisfies it.
type Indexer interface {
	Index(records ...search.Record)
}

type Options struct {
	Indexer Indexer
	Cache   *cache.Cache
	Logger  *zap.Logger
	Now     func() time.Time
}

type Service struct {
	store   Store
	indexer Indexer
	cache   *cache.Cache
	logger  *zap.Logger
	now     func() time.Time
}

func New(st Store, opts Options) *Service {
	s := &Service{
		store:   st,
		indexer: opts.Indexer,
		cache:   opts.Cache,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "catalog"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) index(records ...search.Record) {
	if s.indexer != nil {
		s.indexer.Index(records...)
	}
}

// ListLots lists stock lots, FIFO order first.
func (s *Service) ListLots(ctx context.Context, filter store.LotFilter, params pagination.CursorParams) (pagination.CursorPage[store.Lot], error) {
	filter.ProductType = strings.ToUpper(strings.TrimSpace(filter.ProductType))
	if filter.ProductType != "" && filter.ProductType != "MP" && filter.ProductType != "PF" {
		return pagination.CursorPage[store.Lot]{}, apperr.Validation("productType must be MP or PF", map[string]any{"productType": filter.ProductType})
	}
	return s.store.ListLots(ctx, filter, params)
}

// fields collects per-field validation messages.
type fields map[string]string

func (f fields) err(message string) error {
	if len(f) == 0 {
		return nil
	}
	return apperr.Validation(message, map[string]string(f))
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// duplicate turns a unique violation on code into a 409.
func duplicate(err error, entity, code string) error {
	if store.IsUniqueViolation(err) {
		return apperr.Conflict("DUPLICATE_CODE", fmt.Sprintf("%s code %s already exists", entity, code), map[string]any{"code": code})
	}
	return err
}

func notFound(err error, entity string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(strings.ToLower(entity) + " not found")
	}
	return err
}

func invalidateStock(ctx context.Context, c *cache.Cache) {
	c.Invalidate(ctx, cache.StockKeys...)
}

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/cache"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/search"
	"manchengo/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fixedNow = time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)
	buyer    = rbac.Principal{UserID: 3, Name: "Appro", Role: rbac.RoleAppro}
)

type fakeStore struct {
	mu        sync.Mutex
	suppliers map[int64]store.Supplier
	clients   map[int64]store.Client
	mps       map[int64]store.ProductMP
	pfs       map[int64]store.ProductPF
	recipes   map[int64]store.Recipe
	devices   map[string]store.Device
	audits    []store.AuditEntry
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suppliers: map[int64]store.Supplier{
			4: {ID: 4, Code: "FRN-004", Name: "Laiterie Nord", IsActive: true},
			5: {ID: 5, Code: "FRN-005", Name: "Ancien", IsActive: false},
		},
		clients: map[int64]store.Client{},
		mps: map[int64]store.ProductMP{
			10: {ID: 10, Code: "LAIT", Name: "Lait cru", Unit: "L", Criticite: "HAUTE", DefaultTVARate: 9, IsActive: true},
			11: {ID: 11, Code: "SEL", Name: "Sel", Unit: "KG", Criticite: "FAIBLE", DefaultTVARate: 19, IsActive: true},
			12: {ID: 12, Code: "PRESURE", Name: "Présure", Unit: "L", Criticite: "MOYENNE", DefaultTVARate: 19, IsActive: false},
		},
		pfs: map[int64]store.ProductPF{
			500: {ID: 500, Code: "CAM", Name: "Camembert", Unit: "UNITE", IsActive: true},
		},
		recipes: map[int64]store.Recipe{},
		devices: map[string]store.Device{},
		nextID:  1000,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func uniqueViolation() error {
	return fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) InsertAudit(_ context.Context, e store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) CreateSupplier(_ context.Context, in store.Supplier) (store.Supplier, error) {
	for _, s := range f.suppliers {
		if s.Code == in.Code {
			return store.Supplier{}, uniqueViolation()
		}
	}
	in.ID = f.id()
	in.CreatedAt = fixedNow
	f.suppliers[in.ID] = in
	return in, nil
}

func (f *fakeStore) UpdateSupplier(_ context.Context, in store.Supplier) (store.Supplier, error) {
	f.suppliers[in.ID] = in
	return in, nil
}

func (f *fakeStore) GetSupplier(_ context.Context, id int64) (store.Supplier, error) {
	s, ok := f.suppliers[id]
	if !ok {
		return store.Supplier{}, fmt.Errorf("get supplier: %w", sql.ErrNoRows)
	}
	return s, nil
}

func (f *fakeStore) ListSuppliers(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.Supplier], error) {
	return pagination.CursorPage[store.Supplier]{}, nil
}

func (f *fakeStore) CreateClient(_ context.Context, in store.Client) (store.Client, error) {
	for _, c := range f.clients {
		if c.Code == in.Code {
			return store.Client{}, uniqueViolation()
		}
	}
	in.ID = f.id()
	f.clients[in.ID] = in
	return in, nil
}

func (f *fakeStore) GetClient(_ context.Context, id int64) (store.Client, error) {
	c, ok := f.clients[id]
	if !ok {
		return store.Client{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) ListClients(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.Client], error) {
	return pagination.CursorPage[store.Client]{}, nil
}

func (f *fakeStore) CreateProductMP(_ context.Context, in store.ProductMP) (store.ProductMP, error) {
	for _, p := range f.mps {
		if p.Code == in.Code {
			return store.ProductMP{}, uniqueViolation()
		}
	}
	in.ID = f.id()
	f.mps[in.ID] = in
	return in, nil
}

func (f *fakeStore) UpdateProductMP(_ context.Context, in store.ProductMP) (store.ProductMP, error) {
	f.mps[in.ID] = in
	return in, nil
}

func (f *fakeStore) GetProductMP(_ context.Context, id int64) (store.ProductMP, error) {
	p, ok := f.mps[id]
	if !ok {
		return store.ProductMP{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) GetProductsMP(_ context.Context, ids []int64) (map[int64]store.ProductMP, error) {
	out := map[int64]store.ProductMP{}
	for _, id := range ids {
		if p, ok := f.mps[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeStore) ListProductsMP(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.ProductMP], error) {
	return pagination.CursorPage[store.ProductMP]{}, nil
}

func (f *fakeStore) CreateProductPF(_ context.Context, in store.ProductPF) (store.ProductPF, error) {
	in.ID = f.id()
	f.pfs[in.ID] = in
	return in, nil
}

func (f *fakeStore) GetProductPF(_ context.Context, id int64) (store.ProductPF, error) {
	p, ok := f.pfs[id]
	if !ok {
		return store.ProductPF{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListProductsPF(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.ProductPF], error) {
	return pagination.CursorPage[store.ProductPF]{}, nil
}

func (f *fakeStore) CreateRecipe(_ context.Context, in store.Recipe) (store.Recipe, error) {
	for id, r := range f.recipes {
		if r.ProductPFID == in.ProductPFID && r.IsActive {
			r.IsActive = false
			f.recipes[id] = r
		}
	}
	in.ID = f.id()
	f.recipes[in.ID] = in
	return in, nil
}

func (f *fakeStore) GetRecipe(_ context.Context, id int64) (store.Recipe, error) {
	r, ok := f.recipes[id]
	if !ok {
		return store.Recipe{}, sql.ErrNoRows
	}
	return r, nil
}

func (f *fakeStore) ListRecipes(context.Context, store.CatalogFilter, pagination.CursorParams) (pagination.CursorPage[store.Recipe], error) {
	return pagination.CursorPage[store.Recipe]{}, nil
}

func (f *fakeStore) ListLots(_ context.Context, filter store.LotFilter, _ pagination.CursorParams) (pagination.CursorPage[store.Lot], error) {
	return pagination.CursorPage[store.Lot]{Data: []store.Lot{{ID: 1, ProductType: filter.ProductType, ProductID: filter.ProductID}}}, nil
}

func (f *fakeStore) RecordHeartbeat(_ context.Context, deviceID, name string, userID int64, pending int, at time.Time) (store.Device, error) {
	d, known := f.devices[deviceID]
	if known && !d.IsActive {
		return store.Device{}, fmt.Errorf("record heartbeat: %w", sql.ErrNoRows)
	}
	if !known {
		d.ID = f.id()
	}
	d.DeviceID = deviceID
	if name != "" {
		d.Name = name
	}
	d.UserID = &userID
	d.PendingEvents = pending
	d.LastSyncAt = &at
	d.IsActive = true
	f.devices[deviceID] = d
	return d, nil
}

func (f *fakeStore) SetDeviceActive(_ context.Context, deviceID string, active bool) (store.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return store.Device{}, fmt.Errorf("set device active: %w", sql.ErrNoRows)
	}
	d.IsActive = active
	f.devices[deviceID] = d
	return d, nil
}

func (f *fakeStore) ListDevices(context.Context) ([]store.Device, error) {
	out := make([]store.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

type recordingIndexer struct {
	mu      sync.Mutex
	records []search.Record
}

func (r *recordingIndexer) Index(records ...search.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

func (r *recordingIndexer) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.ID)
	}
	return out
}

func newService(f *fakeStore, idx *recordingIndexer, c *cache.Cache) *Service {
	return New(f, Options{Indexer: idx, Cache: c, Now: func() time.Time { return fixedNow }})
}

func requireCode(t *testing.T, err error, status int, code string) *apperr.DomainError {
	t.Helper()
	domainErr, ok := apperr.As(err)
	require.True(t, ok, "expected DomainError, got %v", err)
	assert.Equal(t, status, domainErr.Status)
	assert.Equal(t, code, domainErr.Code)
	return domainErr
}

func TestCreateSupplier(t *testing.T) {
	f := newFakeStore()
	idx := &recordingIndexer{}
	svc := newService(f, idx, nil)

	created, err := svc.CreateSupplier(context.Background(), buyer, SupplierInput{Code: " frn-010 ", Name: " Fromagerie Sud ", Email: "contact@sud.dz"})
	require.NoError(t, err)
	assert.Equal(t, "FRN-010", created.Code)
	assert.Equal(t, "Fromagerie Sud", created.Name)
	assert.Equal(t, 7, created.LeadTimeDays)
	assert.True(t, created.IsActive)
	assert.Equal(t, []string{fmt.Sprintf("supplier-%d", created.ID)}, idx.ids())
	require.Len(t, f.audits, 1)
	assert.Equal(t, "SUPPLIER_CREATED", f.audits[0].Action)

	_, err = svc.CreateSupplier(context.Background(), buyer, SupplierInput{Code: "FRN-004", Name: "Copie"})
	requireCode(t, err, http.StatusConflict, "DUPLICATE_CODE")
}

func TestCreateSupplierValidation(t *testing.T) {
	svc := newService(newFakeStore(), nil, nil)
	negative := -1
	_, err := svc.CreateSupplier(context.Background(), buyer, SupplierInput{Email: "not-an-email", LeadTimeDays: &negative})
	domainErr := requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	assert.Equal(t, map[string]string{
		"code":         "required",
		"name":         "required",
		"email":        "invalid email",
		"leadTimeDays": "cannot be negative",
	}, domainErr.Details)
}

func TestUpdateSupplierDeactivates(t *testing.T) {
	f := newFakeStore()
	idx := &recordingIndexer{}
	svc := newService(f, idx, nil)

	inactive := false
	phone := " 0550 12 34 56 "
	updated, err := svc.UpdateSupplier(context.Background(), buyer, 4, SupplierPatch{IsActive: &inactive, Phone: &phone})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, "0550 12 34 56", updated.Phone)
	assert.Equal(t, "Laiterie Nord", updated.Name)
	assert.Equal(t, []string{"supplier-4"}, idx.ids())
	assert.NotEmpty(t, f.audits[0].Before)

	_, err = svc.UpdateSupplier(context.Background(), buyer, 99, SupplierPatch{})
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateProductMP(t *testing.T) {
	f := newFakeStore()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, nil)
	c.Set(context.Background(), cache.KeyApproDashboard, map[string]int{"irs": 10}, time.Minute)

	svc := newService(f, &recordingIndexer{}, c)
	supplier := int64(4)
	created, err := svc.CreateProductMP(context.Background(), buyer, ProductMPInput{
		Code:           "ferment",
		Name:           "Ferments lactiques",
		Unit:           "kg",
		MinStock:       decimal.NewFromInt(5),
		MainSupplierID: &supplier,
	})
	require.NoError(t, err)
	assert.Equal(t, "FERMENT", created.Code)
	assert.Equal(t, "KG", created.Unit)
	assert.Equal(t, "MOYENNE", created.Criticite)
	assert.Equal(t, 19, created.DefaultTVARate)
	assert.Equal(t, 7, created.LeadTimeDays)

	var dashboard map[string]int
	assert.False(t, c.Get(context.Background(), cache.KeyApproDashboard, &dashboard), "stock caches are invalidated")
}

func TestCreateProductMPValidation(t *testing.T) {
	svc := newService(newFakeStore(), nil, nil)
	inactiveSupplier := int64(5)
	unknownSupplier := int64(77)
	tva := 7

	tests := []struct {
		name  string
		in    ProductMPInput
		field string
	}{
		{name: "unit", in: ProductMPInput{Code: "X", Name: "X", Unit: "BARIL"}, field: "unit"},
		{name: "criticite", in: ProductMPInput{Code: "X", Name: "X", Criticite: "EXTREME"}, field: "criticite"},
		{name: "tva", in: ProductMPInput{Code: "X", Name: "X", DefaultTVARate: &tva}, field: "defaultTvaRate"},
		{name: "thresholds", in: ProductMPInput{Code: "X", Name: "X",
			SeuilSecurite: decimal.NewNullDecimal(decimal.NewFromInt(10)),
			SeuilCommande: decimal.NewNullDecimal(decimal.NewFromInt(5))}, field: "seuilCommande"},
		{name: "inactive supplier", in: ProductMPInput{Code: "X", Name: "X", MainSupplierID: &inactiveSupplier}, field: "mainSupplierId"},
		{name: "unknown supplier", in: ProductMPInput{Code: "X", Name: "X", MainSupplierID: &unknownSupplier}, field: "mainSupplierId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateProductMP(context.Background(), buyer, tt.in)
			domainErr := requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
			assert.Contains(t, domainErr.Details, tt.field)
		})
	}

	_, err := svc.CreateProductMP(context.Background(), buyer, ProductMPInput{Code: "lait", Name: "Doublon"})
	requireCode(t, err, http.StatusConflict, "DUPLICATE_CODE")
}

func TestUpdateProductMP(t *testing.T) {
	f := newFakeStore()
	idx := &recordingIndexer{}
	svc := newService(f, idx, nil)

	name := "Lait cru entier"
	minStock := decimal.NewFromInt(200)
	updated, err := svc.UpdateProductMP(context.Background(), buyer, 10, ProductMPPatch{Name: &name, MinStock: &minStock})
	require.NoError(t, err)
	assert.Equal(t, "Lait cru entier", updated.Name)
	assert.True(t, minStock.Equal(updated.MinStock))
	assert.Equal(t, "HAUTE", updated.Criticite)
	assert.Equal(t, []string{"mp-10"}, idx.ids())

	_, err = svc.UpdateProductMP(context.Background(), buyer, 404, ProductMPPatch{})
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateProductPF(t *testing.T) {
	idx := &recordingIndexer{}
	svc := newService(newFakeStore(), idx, nil)

	created, err := svc.CreateProductPF(context.Background(), buyer, ProductPFInput{Code: "brie", Name: "Brie 1kg", PriceHT: 120_000})
	require.NoError(t, err)
	assert.Equal(t, "BRIE", created.Code)
	assert.Equal(t, "UNITE", created.Unit)
	assert.Len(t, idx.ids(), 1)

	_, err = svc.CreateProductPF(context.Background(), buyer, ProductPFInput{Code: "x", Name: "x", PriceHT: -1})
	requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCreateRecipeReplacesActiveRecipe(t *testing.T) {
	f := newFakeStore()
	svc := newService(f, nil, nil)
	in := RecipeInput{
		ProductPFID:    500,
		Name:           "Camembert standard",
		BatchWeight:    decimal.NewFromInt(100),
		OutputQuantity: decimal.NewFromInt(40),
		Items: []RecipeItemInput{
			{ProductMPID: 10, Quantity: decimal.NewFromInt(80)},
			{ProductMPID: 11, Quantity: decimal.RequireFromString("1.5"), Unit: "g"},
		},
	}

	first, err := svc.CreateRecipe(context.Background(), buyer, in)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "L", first.Items[0].Unit, "unit defaults to the raw material's")
	assert.Equal(t, "G", first.Items[1].Unit)
	assert.True(t, first.Items[0].IsMandatory)
	assert.True(t, first.Items[0].AffectsStock)
	assert.True(t, decimal.NewFromInt(2).Equal(first.LossTolerance))
	assert.Equal(t, 90, first.ShelfLifeDays)

	second, err := svc.CreateRecipe(context.Background(), buyer, in)
	require.NoError(t, err)
	assert.False(t, f.recipes[first.ID].IsActive)
	assert.True(t, f.recipes[second.ID].IsActive)
}

func TestCreateRecipeValidation(t *testing.T) {
	svc := newService(newFakeStore(), nil, nil)
	base := func() RecipeInput {
		return RecipeInput{
			ProductPFID:    500,
			Name:           "Camembert",
			BatchWeight:    decimal.NewFromInt(100),
			OutputQuantity: decimal.NewFromInt(40),
			Items:          []RecipeItemInput{{ProductMPID: 10, Quantity: decimal.NewFromInt(80)}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*RecipeInput)
		field  string
	}{
		{name: "no items", mutate: func(in *RecipeInput) { in.Items = nil }, field: "items"},
		{name: "duplicate item", mutate: func(in *RecipeInput) { in.Items = append(in.Items, in.Items[0]) }, field: "items[1]"},
		{name: "zero quantity", mutate: func(in *RecipeInput) { in.Items[0].Quantity = decimal.Zero }, field: "items[0]"},
		{name: "inactive raw material", mutate: func(in *RecipeInput) { in.Items[0].ProductMPID = 12 }, field: "items[0]"},
		{name: "loss tolerance", mutate: func(in *RecipeInput) { in.LossTolerance = decimal.NewNullDecimal(decimal.NewFromInt(150)) }, field: "lossTolerance"},
		{name: "output", mutate: func(in *RecipeInput) { in.OutputQuantity = decimal.Zero }, field: "outputQuantity"},
		{name: "unknown product", mutate: func(in *RecipeInput) { in.ProductPFID = 9 }, field: "productPfId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base()
			tt.mutate(&in)
			_, err := svc.CreateRecipe(context.Background(), buyer, in)
			domainErr := requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
			assert.Contains(t, domainErr.Details, tt.field)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFakeStore()
	svc := newService(f, nil, nil)
	device := rbac.Principal{UserID: 8, Role: rbac.RoleCommercial}

	got, err := svc.Heartbeat(context.Background(), device, HeartbeatInput{DeviceID: " tab-1 ", Name: "Tablette quai", PendingEvents: 12})
	require.NoError(t, err)
	assert.Equal(t, "tab-1", got.DeviceID)
	assert.Equal(t, 12, got.PendingEvents)
	require.NotNil(t, got.LastSyncAt)
	assert.Equal(t, fixedNow, *got.LastSyncAt)

	_, err = svc.Heartbeat(context.Background(), device, HeartbeatInput{PendingEvents: -1})
	domainErr := requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	assert.Len(t, domainErr.Details, 2)
}

func TestRevokeAndReactivateDevice(t *testing.T) {
	f := newFakeStore()
	svc := newService(f, nil, nil)
	ctx := context.Background()
	admin := rbac.Principal{UserID: 1, Role: rbac.RoleAdmin}
	tablet := rbac.Principal{UserID: 8, Role: rbac.RoleCommercial}

	_, err := svc.Heartbeat(ctx, tablet, HeartbeatInput{DeviceID: "tab-1", PendingEvents: 3})
	require.NoError(t, err)

	revoked, err := svc.RevokeDevice(ctx, admin, " tab-1 ", "Appareil perdu")
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	last := f.audits[len(f.audits)-1]
	assert.Equal(t, AuditDeviceRevoked, last.Action)
	assert.Contains(t, string(last.After), "Appareil perdu")

	_, err = svc.Heartbeat(ctx, tablet, HeartbeatInput{DeviceID: "tab-1", PendingEvents: 0})
	requireCode(t, err, http.StatusForbidden, "FORBIDDEN")
	assert.Equal(t, 3, f.devices["tab-1"].PendingEvents, "a revoked device must not be refreshed")

	back, err := svc.ReactivateDevice(ctx, admin, "tab-1")
	require.NoError(t, err)
	assert.True(t, back.IsActive)
	assert.Equal(t, AuditDeviceReactivated, f.audits[len(f.audits)-1].Action)

	got, err := svc.Heartbeat(ctx, tablet, HeartbeatInput{DeviceID: "tab-1", PendingEvents: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, got.PendingEvents)

	_, err = svc.RevokeDevice(ctx, admin, "unknown", "")
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestListLotsValidatesProductType(t *testing.T) {
	svc := newService(newFakeStore(), nil, nil)
	page, err := svc.ListLots(context.Background(), store.LotFilter{ProductType: "mp", ProductID: 10}, pagination.CursorParams{})
	require.NoError(t, err)
	assert.Equal(t, "MP", page.Data[0].ProductType)

	_, err = svc.ListLots(context.Background(), store.LotFilter{ProductType: "XX"}, pagination.CursorParams{})
	requireCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestGetNotFound(t *testing.T) {
	svc := newService(newFakeStore(), nil, nil)
	_, err := svc.GetSupplier(context.Background(), 1)
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = svc.GetRecipe(context.Background(), 1)
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = svc.GetClient(context.Background(), 1)
	requireCode(t, err, http.StatusNotFound, "NOT_FOUND")

	created, err := svc.CreateClient(context.Background(), buyer, ClientInput{Code: "cli-9", Name: "Supérette"})
	require.NoError(t, err)
	got, err := svc.GetClient(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "CLI-9", got.Code)
}

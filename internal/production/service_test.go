package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/stock"
	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	fixedNow = time.Date(2025, 9, 8, 8, 0, 0, 0, time.UTC)
	operator = rbac.Principal{UserID: 4, Name: "Chef de production", Role: rbac.RoleProduction}
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeStore struct {
	products     map[int64]store.ProductPF
	recipes      map[int64]store.Recipe
	orders       map[int64]store.ProductionOrder
	lots         []store.Lot
	consumptions []store.ProductionConsumption
	movements    []store.StockMovement
	alerts       []store.Alert
	audits       []store.AuditEntry
	sequences    map[string]int
	nextID       int64
	failConsume  int64
}

func newFakeStore() *fakeStore {
	recipe := store.Recipe{
		ID: 50, ProductPFID: 500, ProductPFCode: "CAM", ProductPFName: "Camembert 250g", Name: "Camembert standard",
		BatchWeight: d("100"), OutputQuantity: d("40"), LossTolerance: d("5"), ShelfLifeDays: 30, IsActive: true,
		Items: []store.RecipeItem{
			{ID: 1, RecipeID: 50, ProductMPID: 100, ProductMPCode: "LAIT", ProductMPName: "Lait cru", Quantity: d("90"), IsMandatory: true, AffectsStock: true},
			{ID: 2, RecipeID: 50, ProductMPID: 101, ProductMPCode: "SEL", ProductMPName: "Sel", Quantity: d("2"), IsMandatory: true, AffectsStock: true},
			{ID: 3, RecipeID: 50, ProductMPID: 102, ProductMPCode: "FERM", ProductMPName: "Ferment", Quantity: d("0.5"), IsMandatory: false, AffectsStock: true},
			{ID: 4, RecipeID: 50, ProductMPID: 103, ProductMPCode: "EAU", ProductMPName: "Eau", Quantity: d("10"), IsMandatory: true, AffectsStock: false},
		},
	}
	empty := store.Recipe{ID: 51, ProductPFID: 502, ProductPFCode: "VIDE", BatchWeight: d("1"), OutputQuantity: d("1"), IsActive: true}
	return &fakeStore{
		products: map[int64]store.ProductPF{
			500: {ID: 500, Code: "CAM", Name: "Camembert 250g", IsActive: true},
			501: {ID: 501, Code: "BRIE", Name: "Brie", IsActive: true},
			502: {ID: 502, Code: "VIDE", Name: "Sans ingredients", IsActive: true},
		},
		recipes: map[int64]store.Recipe{50: recipe, 51: empty},
		orders:  map[int64]store.ProductionOrder{},
		lots: []store.Lot{
			{ID: 900, ProductType: store.ProductTypeMP, ProductID: 100, LotNumber: "LAIT-250905-001", InitialQuantity: d("100"), QuantityRemaining: d("100"), UnitCost: 5000, Status: "AVAILABLE", CreatedAt: fixedNow.AddDate(0, 0, -3)},
			{ID: 901, ProductType: store.ProductTypeMP, ProductID: 100, LotNumber: "LAIT-250907-001", InitialQuantity: d("200"), QuantityRemaining: d("200"), UnitCost: 6000, Status: "AVAILABLE", CreatedAt: fixedNow.AddDate(0, 0, -1)},
			{ID: 902, ProductType: store.ProductTypeMP, ProductID: 101, LotNumber: "SEL-250801-001", InitialQuantity: d("10"), QuantityRemaining: d("10"), UnitCost: 2000, Status: "AVAILABLE", CreatedAt: fixedNow.AddDate(0, -1, 0)},
		},
		sequences: map[string]int{},
		nextID:    1000,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

// tx gives the fake rollback semantics: state touched by fn is restored
// when it fails.
func (f *fakeStore) tx(ctx context.Context, fn func(context.Context) error) error {
	lots := append([]store.Lot(nil), f.lots...)
	consumptions := append([]store.ProductionConsumption(nil), f.consumptions...)
	movements := append([]store.StockMovement(nil), f.movements...)
	orders := make(map[int64]store.ProductionOrder, len(f.orders))
	for k, v := range f.orders {
		orders[k] = v
	}
	audits := append([]store.AuditEntry(nil), f.audits...)
	if err := fn(ctx); err != nil {
		f.lots, f.consumptions, f.movements, f.orders, f.audits = lots, consumptions, movements, orders, audits
		return err
	}
	return nil
}

func (f *fakeStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return f.tx(ctx, fn)
}

func (f *fakeStore) RunSerializable(ctx context.Context, fn func(context.Context) error) error {
	return f.tx(ctx, fn)
}

func (f *fakeStore) NextSequence(_ context.Context, kind store.SequenceKind, prefix string) (int, error) {
	key := string(kind) + ":" + prefix
	f.sequences[key]++
	return f.sequences[key], nil
}

func (f *fakeStore) GetProductPF(_ context.Context, id int64) (store.ProductPF, error) {
	p, ok := f.products[id]
	if !ok {
		return store.ProductPF{}, fmt.Errorf("get product pf: %w", sql.ErrNoRows)
	}
	return p, nil
}

func (f *fakeStore) GetRecipe(_ context.Context, id int64) (store.Recipe, error) {
	r, ok := f.recipes[id]
	if !ok {
		return store.Recipe{}, fmt.Errorf("get recipe: %w", sql.ErrNoRows)
	}
	return r, nil
}

func (f *fakeStore) GetActiveRecipeByProduct(_ context.Context, productPFID int64) (store.Recipe, error) {
	for _, r := range f.recipes {
		if r.ProductPFID == productPFID && r.IsActive {
			return r, nil
		}
	}
	return store.Recipe{}, fmt.Errorf("get active recipe: %w", sql.ErrNoRows)
}

func (f *fakeStore) InsertProductionOrder(_ context.Context, o store.ProductionOrder) (store.ProductionOrder, error) {
	o.ID = f.id()
	pf := f.products[o.ProductPFID]
	o.ProductPFCode = pf.Code
	o.ProductPFName = pf.Name
	o.CreatedAt = fixedNow
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeStore) GetProductionOrder(_ context.Context, id int64) (store.ProductionOrder, error) {
	o, ok := f.orders[id]
	if !ok {
		return store.ProductionOrder{}, fmt.Errorf("get production order: %w", sql.ErrNoRows)
	}
	return o, nil
}

func (f *fakeStore) GetProductionOrderForUpdate(ctx context.Context, id int64) (store.ProductionOrder, error) {
	return f.GetProductionOrder(ctx, id)
}

func (f *fakeStore) UpdateProductionOrderStatus(_ context.Context, upd store.ProductionOrderUpdate) (bool, error) {
	o, ok := f.orders[upd.ID]
	if !ok || !contains(upd.FromStatuses, o.Status) {
		return false, nil
	}
	o.Status = upd.Status
	at := upd.At
	user := upd.UserID
	switch upd.Status {
	case StatusInProgress:
		o.StartedAt, o.StartedBy = &at, &user
	case StatusCompleted:
		o.CompletedAt, o.CompletedBy = &at, &user
		o.QuantityProduced = upd.QuantityProduced
		o.YieldPercentage = upd.YieldPercentage
		o.OutputLotID = upd.OutputLotID
	case StatusCancelled:
		o.CancelledAt, o.CancelledBy = &at, &user
		o.CancelReason = upd.CancelReason
	}
	f.orders[o.ID] = o
	return true, nil
}

func (f *fakeStore) ListProductionOrders(_ context.Context, filter store.ProductionOrderFilter, _ pagination.CursorParams) (pagination.CursorPage[store.ProductionOrder], error) {
	items := make([]store.ProductionOrder, 0)
	for _, o := range f.orders {
		if filter.Status == "" || o.Status == filter.Status {
			items = append(items, o)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return pagination.CursorPage[store.ProductionOrder]{Data: items}, nil
}

func (f *fakeStore) InsertConsumption(_ context.Context, c store.ProductionConsumption) error {
	c.ID = f.id()
	f.consumptions = append(f.consumptions, c)
	return nil
}

func (f *fakeStore) ListConsumptions(_ context.Context, orderID int64) ([]store.ProductionConsumption, error) {
	out := make([]store.ProductionConsumption, 0)
	for _, c := range f.consumptions {
		if c.ProductionOrderID == orderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkConsumptionReversed(_ context.Context, id int64) error {
	for i := range f.consumptions {
		if f.consumptions[i].ID == id {
			f.consumptions[i].IsReversed = true
		}
	}
	return nil
}

func (f *fakeStore) AvailableLots(_ context.Context, productType string, productID int64, _ bool) ([]stock.Lot, error) {
	out := make([]stock.Lot, 0)
	for _, l := range f.lots {
		if l.ProductType == productType && l.ProductID == productID && l.Status == "AVAILABLE" && l.QuantityRemaining.IsPositive() {
			out = append(out, stock.Lot{ID: l.ID, LotNumber: l.LotNumber, Quantity: l.QuantityRemaining, UnitCost: l.UnitCost, CreatedAt: l.CreatedAt, ExpiryDate: l.ExpiryDate})
		}
	}
	stock.SortFIFO(out)
	return out, nil
}

func (f *fakeStore) ConsumeFIFO(ctx context.Context, req store.ConsumeRequest) (stock.Allocation, bool, error) {
	if req.ProductID == f.failConsume {
		return stock.Allocation{}, false, errors.New("connection reset")
	}
	for _, m := range f.movements {
		if strings.HasPrefix(m.IdempotencyKey, req.IdempotencyKey+"-LOT-") {
			return stock.Allocation{Requested: req.Quantity, Sufficient: true}, true, nil
		}
	}
	lots, _ := f.AvailableLots(ctx, req.ProductType, req.ProductID, true)
	allocation, err := stock.AllocateFIFO(lots, req.Quantity)
	if err != nil {
		return allocation, false, err
	}
	for _, part := range allocation.Lots {
		for i := range f.lots {
			if f.lots[i].ID == part.LotID {
				f.lots[i].QuantityRemaining = part.Remaining
				f.lots[i].Status = string(part.NewStatus)
			}
		}
		lotID := part.LotID
		f.movements = append(f.movements, store.StockMovement{
			MovementType: store.MovementOut, Origin: req.Origin, ProductType: req.ProductType, ProductID: req.ProductID,
			LotID: &lotID, Quantity: part.Quantity, UnitCost: part.UnitCost, Reference: req.Reference,
			IdempotencyKey: fmt.Sprintf("%s-LOT-%d", req.IdempotencyKey, part.LotID),
		})
	}
	return allocation, false, nil
}

func (f *fakeStore) RestoreLot(_ context.Context, lotID int64, qty decimal.Decimal) error {
	for i := range f.lots {
		if f.lots[i].ID == lotID {
			f.lots[i].QuantityRemaining = f.lots[i].QuantityRemaining.Add(qty)
			f.lots[i].Status = "AVAILABLE"
		}
	}
	return nil
}

func (f *fakeStore) InsertLot(_ context.Context, lot store.Lot) (store.Lot, error) {
	lot.ID = f.id()
	lot.QuantityRemaining = lot.InitialQuantity
	lot.Status = "AVAILABLE"
	f.lots = append(f.lots, lot)
	return lot, nil
}

func (f *fakeStore) InsertStockMovement(_ context.Context, m store.StockMovement) (bool, error) {
	f.movements = append(f.movements, m)
	return true, nil
}

func (f *fakeStore) UpsertAlert(_ context.Context, a store.Alert) (store.Alert, bool, error) {
	for i, existing := range f.alerts {
		if existing.Type == a.Type && existing.EntityID == a.EntityID {
			f.alerts[i].Value = a.Value
			f.alerts[i].Metadata = a.Metadata
			return f.alerts[i], false, nil
		}
	}
	a.ID = f.id()
	a.Status = "OPEN"
	f.alerts = append(f.alerts, a)
	return a, true, nil
}

func (f *fakeStore) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) lot(id int64) store.Lot {
	for _, l := range f.lots {
		if l.ID == id {
			return l
		}
	}
	return store.Lot{}
}

func newService(f *fakeStore) *Service {
	svc := New(f, nil, nil, time.UTC)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func requireDomainError(t *testing.T, err error, status int, code string) *apperr.DomainError {
	t.Helper()
	require.Error(t, err)
	domainErr, ok := apperr.As(err)
	require.True(t, ok, "expected domain error, got %v", err)
	assert.Equal(t, status, domainErr.Status)
	assert.Equal(t, code, domainErr.Code)
	return domainErr
}

func createOrder(t *testing.T, svc *Service, batches int) store.ProductionOrder {
	t.Helper()
	order, err := svc.Create(context.Background(), operator, CreateInput{ProductPFID: 500, BatchCount: batches})
	require.NoError(t, err)
	return order
}

func TestCreatePlansTargetAndReference(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)

	order := createOrder(t, svc, 2)
	assert.Equal(t, "OP-250908-001", order.Reference)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, int64(50), order.RecipeID)
	assert.True(t, d("80").Equal(order.TargetQuantity))
	assert.Equal(t, operator.UserID, order.CreatedBy)

	second := createOrder(t, svc, 1)
	assert.Equal(t, "OP-250908-002", second.Reference)

	require.Len(t, f.audits, 2)
	assert.Equal(t, AuditCreated, f.audits[0].Action)
	assert.Empty(t, f.alerts)
}

func TestCreateRejectsInsufficientStockAndRaisesAlert(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)

	_, err := svc.Create(context.Background(), operator, CreateInput{ProductPFID: 500, BatchCount: 4})
	domainErr := requireDomainError(t, err, http.StatusBadRequest, "INSUFFICIENT_STOCK")
	blockers := domainErr.Details.(map[string]any)["blockers"].([]Blocker)
	require.Len(t, blockers, 1)
	assert.Equal(t, int64(100), blockers[0].ProductMPID)
	assert.True(t, d("360").Equal(blockers[0].Required))
	assert.True(t, d("300").Equal(blockers[0].Available))
	assert.True(t, d("60").Equal(blockers[0].Shortage))
	assert.Empty(t, f.orders)

	require.Len(t, f.alerts, 1)
	assert.Equal(t, "PRODUCTION_BLOCKED", f.alerts[0].Type)
	assert.Equal(t, "CRITICAL", f.alerts[0].Severity)
	assert.Equal(t, "50", f.alerts[0].EntityID)

	_, err = svc.Create(context.Background(), operator, CreateInput{ProductPFID: 500, BatchCount: 5})
	require.Error(t, err)
	assert.Len(t, f.alerts, 1, "the open alert is refreshed, not duplicated")
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		in     CreateInput
		status int
	}{
		{name: "no batches", in: CreateInput{ProductPFID: 500, BatchCount: 0}, status: http.StatusUnprocessableEntity},
		{name: "unknown product", in: CreateInput{ProductPFID: 999, BatchCount: 1}, status: http.StatusNotFound},
		{name: "no active recipe", in: CreateInput{ProductPFID: 501, BatchCount: 1}, status: http.StatusUnprocessableEntity},
		{name: "recipe without items", in: CreateInput{ProductPFID: 502, BatchCount: 1}, status: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(newFakeStore())
			_, err := svc.Create(context.Background(), operator, tt.in)
			domainErr, ok := apperr.As(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.status, domainErr.Status)
		})
	}
}

func TestStartConsumesOldestLotsFirst(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 2)

	detail, err := svc.Start(context.Background(), operator, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, detail.Status)
	require.NotNil(t, detail.StartedBy)
	assert.Equal(t, operator.UserID, *detail.StartedBy)

	require.Len(t, detail.Consumptions, 3)
	assert.Equal(t, int64(900), detail.Consumptions[0].LotID)
	assert.True(t, d("100").Equal(detail.Consumptions[0].QuantityConsumed))
	assert.Equal(t, int64(901), detail.Consumptions[1].LotID)
	assert.True(t, d("80").Equal(detail.Consumptions[1].QuantityConsumed))
	assert.Equal(t, int64(902), detail.Consumptions[2].LotID)
	assert.True(t, d("4").Equal(detail.Consumptions[2].QuantityConsumed))

	assert.Equal(t, "CONSUMED", f.lot(900).Status)
	assert.True(t, d("120").Equal(f.lot(901).QuantityRemaining))
	assert.True(t, d("6").Equal(f.lot(902).QuantityRemaining))

	keys := make([]string, 0, len(f.movements))
	for _, m := range f.movements {
		keys = append(keys, m.IdempotencyKey)
	}
	assert.Equal(t, []string{
		fmt.Sprintf("PROD-%d-100-LOT-900", order.ID),
		fmt.Sprintf("PROD-%d-100-LOT-901", order.ID),
		fmt.Sprintf("PROD-%d-101-LOT-902", order.ID),
	}, keys)

	_, err = svc.Start(context.Background(), operator, order.ID)
	requireDomainError(t, err, http.StatusConflict, "INVALID_STATUS")
}

func TestStartShortageLeavesOrderPending(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 2)
	f.lots[2].QuantityRemaining = d("1")

	_, err := svc.Start(context.Background(), operator, order.ID)
	domainErr := requireDomainError(t, err, http.StatusBadRequest, "INSUFFICIENT_STOCK")
	blockers := domainErr.Details.(map[string]any)["blockers"].([]Blocker)
	require.Len(t, blockers, 1)
	assert.Equal(t, "SEL", blockers[0].Code)
	assert.True(t, d("3").Equal(blockers[0].Shortage))

	assert.Equal(t, StatusPending, f.orders[order.ID].Status)
	assert.Empty(t, f.movements)
	assert.Empty(t, f.consumptions)
}

func TestStartFailureRollsBackEarlierConsumption(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 2)
	f.failConsume = 101

	_, err := svc.Start(context.Background(), operator, order.ID)
	require.Error(t, err)
	_, isDomain := apperr.As(err)
	assert.False(t, isDomain)

	assert.True(t, d("100").Equal(f.lot(900).QuantityRemaining))
	assert.Equal(t, "AVAILABLE", f.lot(900).Status)
	assert.True(t, d("200").Equal(f.lot(901).QuantityRemaining))
	assert.Empty(t, f.consumptions)
	assert.Empty(t, f.movements)
	assert.Equal(t, StatusPending, f.orders[order.ID].Status)
}

func TestCompleteCreatesCostedLot(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 2)
	_, err := svc.Start(context.Background(), operator, order.ID)
	require.NoError(t, err)

	result, err := svc.Complete(context.Background(), operator, order.ID, CompleteInput{QuantityProduced: d("76")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Order.Status)
	assert.True(t, d("95").Equal(result.Order.YieldPercentage.Decimal))
	assert.Empty(t, result.YieldWarning)

	lot := result.Lot
	assert.Equal(t, "CAM-250908-001", lot.LotNumber)
	assert.Equal(t, store.ProductTypePF, lot.ProductType)
	assert.Equal(t, int64(500), lot.ProductID)
	assert.Equal(t, int64(13000), lot.UnitCost, "(100×5000 + 80×6000 + 4×2000) / 76")
	require.NotNil(t, lot.ExpiryDate)
	assert.Equal(t, time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC), *lot.ExpiryDate)
	require.NotNil(t, result.Order.OutputLotID)
	assert.Equal(t, lot.ID, *result.Order.OutputLotID)

	last := f.movements[len(f.movements)-1]
	assert.Equal(t, store.MovementIn, last.MovementType)
	assert.Equal(t, "PRODUCTION_IN", last.Origin)
	assert.True(t, d("76").Equal(last.Quantity))
}

func TestCompleteWarnsOnLowYield(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 2)
	_, err := svc.Start(context.Background(), operator, order.ID)
	require.NoError(t, err)

	result, err := svc.Complete(context.Background(), operator, order.ID, CompleteInput{QuantityProduced: d("70")})
	require.NoError(t, err)
	assert.True(t, d("87.5").Equal(result.Order.YieldPercentage.Decimal))
	assert.Contains(t, result.YieldWarning, "87.50%")
	assert.Contains(t, result.YieldWarning, "95.00%")
}

func TestCompleteRules(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 1)

	_, err := svc.Complete(context.Background(), operator, order.ID, CompleteInput{QuantityProduced: d("10")})
	requireDomainError(t, err, http.StatusConflict, "INVALID_STATUS")

	_, err = svc.Start(context.Background(), operator, order.ID)
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), operator, order.ID, CompleteInput{QuantityProduced: decimal.Zero})
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCancelInProgressRestoresLots(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 2)
	_, err := svc.Start(context.Background(), operator, order.ID)
	require.NoError(t, err)

	detail, err := svc.Cancel(context.Background(), operator, order.ID, CancelInput{Reason: "panne pasteurisateur"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, detail.Status)
	assert.Equal(t, "panne pasteurisateur", detail.CancelReason)

	assert.True(t, d("100").Equal(f.lot(900).QuantityRemaining))
	assert.Equal(t, "AVAILABLE", f.lot(900).Status)
	assert.True(t, d("200").Equal(f.lot(901).QuantityRemaining))
	assert.True(t, d("10").Equal(f.lot(902).QuantityRemaining))

	var restores int
	for _, m := range f.movements {
		if m.Origin == "PRODUCTION_CANCEL" {
			restores++
			assert.Equal(t, store.MovementIn, m.MovementType)
		}
	}
	assert.Equal(t, 3, restores)
	for _, c := range detail.Consumptions {
		assert.True(t, c.IsReversed)
	}
}

func TestCancelRules(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	order := createOrder(t, svc, 1)

	_, err := svc.Cancel(context.Background(), operator, order.ID, CancelInput{Reason: "  "})
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	detail, err := svc.Cancel(context.Background(), operator, order.ID, CancelInput{Reason: "planning revu"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, detail.Status)
	assert.Empty(t, f.movements)

	_, err = svc.Cancel(context.Background(), operator, order.ID, CancelInput{Reason: "encore"})
	requireDomainError(t, err, http.StatusConflict, "INVALID_STATUS")

	_, err = svc.Cancel(context.Background(), operator, 4242, CancelInput{Reason: "inconnu"})
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestCheckStock(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)

	check, err := svc.CheckStock(context.Background(), 50, 3)
	require.NoError(t, err)
	assert.True(t, check.CanStart)
	assert.Empty(t, check.Blockers)

	check, err = svc.CheckStock(context.Background(), 50, 6)
	require.NoError(t, err)
	assert.False(t, check.CanStart)
	require.Len(t, check.Blockers, 2)
	assert.Equal(t, "LAIT", check.Blockers[0].Code)
	assert.Equal(t, "SEL", check.Blockers[1].Code)
	assert.True(t, d("2").Equal(check.Blockers[1].Shortage))
	require.Len(t, f.alerts, 1)
	assert.True(t, d("2").Equal(f.alerts[0].Value.Decimal))

	_, err = svc.CheckStock(context.Background(), 77, 1)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestPreviewConsumption(t *testing.T) {
	svc := newService(newFakeStore())

	preview, err := svc.PreviewConsumption(context.Background(), 100, d("150"))
	require.NoError(t, err)
	assert.True(t, preview.Sufficient)
	require.Len(t, preview.Lots, 2)
	assert.Equal(t, "LAIT-250905-001", preview.Lots[0].LotNumber)
	assert.True(t, d("50").Equal(preview.Lots[1].Quantity))

	_, err = svc.PreviewConsumption(context.Background(), 100, d("-1"))
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestYieldAndUnitCost(t *testing.T) {
	assert.True(t, d("33.33").Equal(Yield(d("10"), d("30"))))
	assert.True(t, decimal.Zero.Equal(Yield(d("10"), decimal.Zero)))

	consumptions := []store.ProductionConsumption{
		{QuantityConsumed: d("2.5"), UnitCost: 1000},
		{QuantityConsumed: d("1"), UnitCost: 400},
		{QuantityConsumed: d("9"), UnitCost: 9999, IsReversed: true},
	}
	assert.Equal(t, int64(967), UnitCost(consumptions, d("3")), "2900 / 3 rounded")
	assert.Equal(t, int64(0), UnitCost(consumptions, decimal.Zero))
}

func TestListRejectsUnknownStatus(t *testing.T) {
	f := newFakeStore()
	svc := newService(f)
	createOrder(t, svc, 1)

	page, err := svc.List(context.Background(), store.ProductionOrderFilter{Status: "pending"}, pagination.CursorParams{})
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)

	_, err = svc.List(context.Background(), store.ProductionOrderFilter{Status: "DONE"}, pagination.CursorParams{})
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"manchengo/api/internal/pagination"
	"manchengo/api/internal/stock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore returns a store on a freshly migrated schema. It skips
// unless ERP_TEST_DATABASE_URL points at a disposable database.
func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ERP_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ERP_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)
	return NewPostgresStore(db), ctx
}

func seedRawMaterial(t *testing.T, ctx context.Context, s *PostgresStore) (User, ProductMP) {
	t.Helper()
	user, err := s.CreateUser(ctx, User{Email: "appro@manchengo.dz", FirstName: "Amel", PasswordHash: "x", Role: "APPRO", IsActive: true})
	require.NoError(t, err)
	mp, err := s.CreateProductMP(ctx, ProductMP{Code: "LAIT", Name: "Lait cru", Unit: "L", MinStock: decimal.NewFromInt(100), LeadTimeDays: 3, Criticite: "HAUTE", DefaultTVARate: 19, IsActive: true})
	require.NoError(t, err)
	return user, mp
}

func seedLot(t *testing.T, ctx context.Context, s *PostgresStore, mp ProductMP, number string, qty int64, createdBy int64) Lot {
	t.Helper()
	lot, err := s.InsertLot(ctx, Lot{ProductType: ProductTypeMP, ProductID: mp.ID, LotNumber: number, InitialQuantity: decimal.NewFromInt(qty), UnitCost: 100})
	require.NoError(t, err)
	lotID := lot.ID
	_, err = s.InsertStockMovement(ctx, StockMovement{
		MovementType: MovementIn, Origin: "RECEPTION", ProductType: ProductTypeMP, ProductID: mp.ID,
		LotID: &lotID, Quantity: decimal.NewFromInt(qty), UnitCost: 100, CreatedBy: &createdBy,
	})
	require.NoError(t, err)
	return lot
}

func TestConsumeFIFOIsIdempotentPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	user, mp := seedRawMaterial(t, ctx, s)
	first := seedLot(t, ctx, s, mp, "LAIT-260101-001", 30, user.ID)
	seedLot(t, ctx, s, mp, "LAIT-260102-001", 50, user.ID)

	req := ConsumeRequest{
		ProductType: ProductTypeMP, ProductID: mp.ID, Quantity: decimal.NewFromInt(45),
		Origin: "PRODUCTION_OUT", ReferenceType: "PRODUCTION_ORDER", ReferenceID: 1,
		Reference: "OP-260101-001", IdempotencyKey: "PROD-1-10", UserID: user.ID,
	}

	var allocation stock.Allocation
	var replayed bool
	require.NoError(t, s.RunSerializable(ctx, func(ctx context.Context) error {
		var err error
		allocation, replayed, err = s.ConsumeFIFO(ctx, req)
		return err
	}))
	assert.False(t, replayed)
	require.Len(t, allocation.Lots, 2)
	assert.Equal(t, first.ID, allocation.Lots[0].LotID)

	require.NoError(t, s.RunSerializable(ctx, func(ctx context.Context) error {
		var err error
		allocation, replayed, err = s.ConsumeFIFO(ctx, req)
		return err
	}))
	assert.True(t, replayed)
	assert.True(t, allocation.Allocated.Equal(decimal.NewFromInt(45)))

	levels, err := s.CurrentStock(ctx, ProductTypeMP, []int64{mp.ID})
	require.NoError(t, err)
	assert.True(t, levels[mp.ID].Equal(decimal.NewFromInt(35)), "stock = %s", levels[mp.ID])
}

func TestConsumeFIFORollsBackOnShortage(t *testing.T) {
	s, ctx := openTestStore(t)
	user, mp := seedRawMaterial(t, ctx, s)
	seedLot(t, ctx, s, mp, "LAIT-260101-001", 10, user.ID)

	err := s.RunSerializable(ctx, func(ctx context.Context) error {
		_, _, err := s.ConsumeFIFO(ctx, ConsumeRequest{
			ProductType: ProductTypeMP, ProductID: mp.ID, Quantity: decimal.NewFromInt(25),
			Origin: "PRODUCTION_OUT", IdempotencyKey: "PROD-2-10", UserID: user.ID,
		})
		return err
	})
	var insufficient *stock.ErrInsufficientStock
	require.True(t, errors.As(err, &insufficient))

	lots, err := s.AvailableLots(ctx, ProductTypeMP, mp.ID, false)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestUpsertAlertRefreshesActiveAlertPostgres(t *testing.T) {
	s, ctx := openTestStore(t)

	first, created, err := s.UpsertAlert(ctx, Alert{
		Type: "LOW_STOCK_MP", Severity: "WARNING", Title: "Stock bas", EntityType: "PRODUCT_MP", EntityID: "7",
		Value: decimal.NewNullDecimal(decimal.NewFromInt(5)),
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.UpsertAlert(ctx, Alert{
		Type: "LOW_STOCK_MP", Severity: "CRITICAL", Title: "Stock bas", EntityType: "PRODUCT_MP", EntityID: "7",
		Value: decimal.NewNullDecimal(decimal.Zero),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "CRITICAL", second.Severity)

	history, err := s.AlertHistory(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "CREATED", history[0].Action)
}

func TestNextSequenceSurvivesDeletedDraftPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	user, _ := seedRawMaterial(t, ctx, s)

	var ids []int64
	for _, ref := range []string{"REQ-MP-2026-001", "REQ-MP-2026-002"} {
		d, err := s.InsertDemande(ctx, Demande{Reference: ref, Status: "BROUILLON", Priority: "NORMALE", CreatedBy: user.ID})
		require.NoError(t, err)
		ids = append(ids, d.ID)
	}
	require.NoError(t, s.DeleteDemande(ctx, ids[0]))

	next, err := s.NextSequence(ctx, SeqDemande, "REQ-MP-2026-")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	_, err = s.InsertDemande(ctx, Demande{Reference: "REQ-MP-2026-003", Status: "BROUILLON", Priority: "NORMALE", CreatedBy: user.ID})
	require.NoError(t, err)

	fresh, err := s.NextSequence(ctx, SeqDemande, "REQ-MP-2027-")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh)
}

func TestNextSequenceMatchesPrefixLiterallyPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	user, mp := seedRawMaterial(t, ctx, s)
	seedLot(t, ctx, s, mp, "LAXT-260101-007", 5, user.ID)
	seedLot(t, ctx, s, mp, "LA_T-260101-001", 5, user.ID)

	next, err := s.NextSequence(ctx, SeqLot, "LA_T-260101-")
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	next, err = s.NextSequence(ctx, SeqLot, "LA%-260101-")
	require.NoError(t, err)
	assert.Equal(t, 1, next)
}

func TestListPurchaseOrdersWalksNullDeliveryDatesPostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	user, _ := seedRawMaterial(t, ctx, s)
	supplier, err := s.CreateSupplier(ctx, Supplier{Code: "FRN-001", Name: "Laiterie Nord", LeadTimeDays: 3, IsActive: true})
	require.NoError(t, err)

	march := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april := march.AddDate(0, 1, 0)
	for i, delivery := range []*time.Time{&march, nil, &april, nil} {
		_, err := s.InsertPurchaseOrder(ctx, PurchaseOrder{
			Reference: fmt.Sprintf("BC-2026-%05d", i+1), SupplierID: supplier.ID, Status: "DRAFT",
			ExpectedDelivery: delivery, CreatedBy: user.ID,
		})
		require.NoError(t, err)
	}

	for _, order := range []pagination.Order{pagination.Asc, pagination.Desc} {
		t.Run(string(order), func(t *testing.T) {
			seen := map[int64]bool{}
			params := pagination.CursorParams{Limit: 1, SortBy: "expectedDelivery", SortOrder: order}
			for pages := 0; pages < 10; pages++ {
				page, err := s.ListPurchaseOrders(ctx, PurchaseOrderFilter{}, params)
				require.NoError(t, err)
				for _, po := range page.Data {
					require.False(t, seen[po.ID], "purchase order %d repeated", po.ID)
					seen[po.ID] = true
				}
				if page.Pagination.NextCursor == nil {
					break
				}
				params.Cursor = *page.Pagination.NextCursor
			}
			assert.Len(t, seen, 4)
		})
	}
}

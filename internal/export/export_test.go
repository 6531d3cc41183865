package export

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squash drops the locale's grouping spaces so assertions do not depend on
// the exact CLDR separator.
func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Zs, r) {
			return -1
		}
		return r
	}, s)
}

func TestMoney(t *testing.T) {
	tests := []struct {
		centimes int64
		want     string
	}{
		{0, "0,00DA"},
		{5, "0,05DA"},
		{1_190_000, "11900,00DA"},
		{12_138_050, "121380,50DA"},
		{-250, "-2,50DA"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, squash(Money(tt.centimes)), "Money(%d)", tt.centimes)
	}
	assert.True(t, strings.HasSuffix(Money(100), " DA"))
}

func TestQuantityAndPercent(t *testing.T) {
	assert.Equal(t, "1500", squash(Quantity(decimal.NewFromInt(1500))))
	assert.Equal(t, "1,5", Quantity(decimal.RequireFromString("1.5")))
	assert.Equal(t, "0,125", Quantity(decimal.RequireFromString("0.125")))
	assert.Equal(t, "1,5%", squash(Percent(decimal.RequireFromString("0.015"))))
	assert.Equal(t, "14/03/2025", Date(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)))
}

func samplePO() store.PurchaseOrder {
	expected := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	return store.PurchaseOrder{
		ID:               12,
		Reference:        "BC-2026-00012",
		SupplierName:     "Laiterie <Nord>",
		TotalHT:          4_500_000,
		ExpectedDelivery: &expected,
		CreatedAt:        time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		Items: []store.PurchaseOrderItem{
			{ProductMPCode: "LAIT", ProductMPName: "Lait cru", Unit: "L", Quantity: decimal.NewFromInt(1000), UnitPrice: 4500, TVARate: 9, TotalHT: 4_500_000},
		},
	}
}

func TestRenderPurchaseOrderHTML(t *testing.T) {
	html, err := RenderPurchaseOrderHTML(Company{Name: "Manchengo SARL", NIF: "000016"}, samplePO())
	require.NoError(t, err)
	assert.Contains(t, html, "BON DE COMMANDE")
	assert.Contains(t, html, "BC-2026-00012")
	assert.Contains(t, html, "Laiterie &lt;Nord&gt;", "values are escaped")
	assert.Contains(t, html, "20/02/2026")
	assert.Contains(t, squash(html), "45000,00DA")
	assert.Contains(t, html, "NIF : 000016")
}

func TestRenderInvoiceHTML(t *testing.T) {
	inv := store.Invoice{
		Reference:     "F-250314-001",
		ClientName:    "Superette El Amel",
		InvoiceDate:   time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		PaymentMethod: "ESPECES",
		TotalHT:       950_000,
		TotalTVA:      180_500,
		TotalTTC:      1_130_500,
		TimbreRate:    decimal.RequireFromString("0.01"),
		TimbreFiscal:  11_305,
		NetToPay:      1_141_805,
	}
	html, err := RenderInvoiceHTML(Company{Name: "Manchengo SARL"}, inv)
	require.NoError(t, err)
	assert.Contains(t, html, "Timbre fiscal")
	assert.Contains(t, squash(html), "11418,05DA")

	inv.TimbreFiscal = 0
	html, err = RenderInvoiceHTML(Company{Name: "Manchengo SARL"}, inv)
	require.NoError(t, err)
	assert.NotContains(t, html, "Timbre fiscal")
}

type fakeRenderer struct {
	html string
	err  error
}

func (f *fakeRenderer) PDF(_ context.Context, html string) ([]byte, error) {
	f.html = html
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.4 fake"), nil
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return f.err
}

func TestPurchaseOrderPDFIsArchived(t *testing.T) {
	renderer := &fakeRenderer{}
	archive := &fakeArchive{}
	svc := NewService(renderer, archive, Company{Name: "Manchengo SARL"}, nil)

	data, err := svc.PurchaseOrderPDF(context.Background(), samplePO())
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
	assert.Contains(t, renderer.html, "BC-2026-00012")
	assert.Equal(t, []string{"purchase-orders/2026/BC-2026-00012.pdf"}, archive.keys)
}

func TestArchiveFailureDoesNotFailRendering(t *testing.T) {
	archive := &fakeArchive{err: errors.New("bucket offline")}
	svc := NewService(&fakeRenderer{}, archive, Company{}, nil)

	_, err := svc.InvoicePDF(context.Background(), store.Invoice{Reference: "F-250314-001", InvoiceDate: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices/2025/F-250314-001.pdf"}, archive.keys)
}

func TestRendererErrorPropagates(t *testing.T) {
	archive := &fakeArchive{}
	svc := NewService(&fakeRenderer{err: ErrPDFDependencyMissing}, archive, Company{}, nil)
	_, err := svc.PurchaseOrderPDF(context.Background(), samplePO())
	assert.ErrorIs(t, err, ErrPDFDependencyMissing)
	assert.Empty(t, archive.keys)
}

func TestNewArchiveDisabledWithoutEndpoint(t *testing.T) {
	_, err := NewArchive(ArchiveConfig{}, nil)
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "BC-2026-00012", sanitizeFilename("BC-2026-00012"))
	assert.Equal(t, "Facture-mars", sanitizeFilename("Facture mars!"))
	assert.Equal(t, "document", sanitizeFilename("***"))
	assert.Equal(t, "F-250314-001.pdf", Filename("F-250314-001"))
}

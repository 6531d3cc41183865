package export

import (
	"bytes"
	"embed"
	"html/template"

	"manchengo/api/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"money":   Money,
	"qty":     Quantity,
	"percent": Percent,
	"date":    Date,
}).ParseFS(templateFS, "templates/*.html"))

type purchaseOrderData struct {
	Company Company
	PO      store.PurchaseOrder
}

type invoiceData struct {
	Company Company
	Invoice store.Invoice
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderPurchaseOrderHTML renders the printable BC page.
func RenderPurchaseOrderHTML(company Company, po store.PurchaseOrder) (string, error) {
	return render("purchase_order.html", purchaseOrderData{Company: company, PO: po})
}

// RenderInvoiceHTML renders the printable invoice page.
func RenderInvoiceHTML(company Company, inv store.Invoice) (string, error) {
	return render("invoice.html", invoiceData{Company: company, Invoice: inv})
}

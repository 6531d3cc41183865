package util

import (
	"fmt"
	"strings"
	"time"
)

// Business document references. Sequences restart with each period encoded in
// the reference (year for BC and demandes, day for the others).

func PurchaseOrderRef(at time.Time, seq int) string {
	return fmt.Sprintf("BC-%d-%05d", at.Year(), seq)
}

func ReceptionRef(at time.Time, seq int) string {
	return fmt.Sprintf("REC-%s-%03d", at.Format("20060102"), seq)
}

func DemandeRef(at time.Time, seq int) string {
	return fmt.Sprintf("REQ-MP-%d-%03d", at.Year(), seq)
}

func ProductionOrderRef(at time.Time, seq int) string {
	return fmt.Sprintf("OP-%s-%03d", at.Format("060102"), seq)
}

func InvoiceRef(at time.Time, seq int) string {
	return fmt.Sprintf("F-%s-%03d", at.Format("060102"), seq)
}

func InventoryRef(at time.Time, seq int) string {
	return fmt.Sprintf("INV-%s-%03d", at.Format("20060102"), seq)
}

// LotNumber builds "{CODE}-YYMMDD-NNN" from a product code.
func LotNumber(productCode string, at time.Time, seq int) string {
	code := strings.ToUpper(strings.TrimSpace(productCode))
	return fmt.Sprintf("%s-%s-%03d", code, at.Format("060102"), seq)
}

// RefPrefix returns the part of a reference shared by one sequence period,
// matched literally when computing the next number.
func RefPrefix(ref string) string {
	idx := strings.LastIndex(ref, "-")
	if idx < 0 {
		return ref
	}
	return ref[:idx+1]
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

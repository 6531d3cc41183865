package invoicing

import (
	"github.com/shopspring/decimal"
)

const (
	PaymentCash     = "ESPECES"
	PaymentCheque   = "CHEQUE"
	PaymentTransfer = "VIREMENT"
)

// Amounts are in centimes.
const (
	timbreLowCeiling int64 = 3_000_000  // 30 000 DA
	timbreMidCeiling int64 = 10_000_000 // 100 000 DA
)

var (
	TVARate       = decimal.RequireFromString("0.19")
	timbreLowRate = decimal.RequireFromString("0.01")
	timbreMidRate = decimal.RequireFromString("0.015")
	timbreTopRate = decimal.RequireFromString("0.02")
)

type Totals struct {
	TotalHT      int64           `json:"totalHt"`
	TotalTVA     int64           `json:"totalTva"`
	TotalTTC     int64           `json:"totalTtc"`
	TimbreRate   decimal.Decimal `json:"timbreRate"`
	TimbreFiscal int64           `json:"timbreFiscal"`
	NetToPay     int64           `json:"netToPay"`
}

// LineHT is quantity × unit price rounded to the centime.
func LineHT(qty decimal.Decimal, unitPriceHT int64) int64 {
	return qty.Mul(decimal.NewFromInt(unitPriceHT)).Round(0).IntPart()
}

// TimbreRate is the stamp duty bracket for a TTC amount.
func TimbreRate(ttc int64) decimal.Decimal {
	switch {
	case ttc <= timbreLowCeiling:
		return timbreLowRate
	case ttc <= timbreMidCeiling:
		return timbreMidRate
	}
	return timbreTopRate
}

// ComputeTotals applies 19% TVA to the HT sum and, for cash payments with
// applyTimbre set, the stamp duty on TTC.
func ComputeTotals(totalHT int64, paymentMethod string, applyTimbre bool) Totals {
	tva := decimal.NewFromInt(totalHT).Mul(TVARate).Round(0).IntPart()
	t := Totals{
		TotalHT:    totalHT,
		TotalTVA:   tva,
		TotalTTC:   totalHT + tva,
		TimbreRate: decimal.Zero,
	}
	if paymentMethod == PaymentCash && applyTimbre {
		t.TimbreRate = TimbreRate(t.TotalTTC)
		t.TimbreFiscal = decimal.NewFromInt(t.TotalTTC).Mul(t.TimbreRate).Round(0).IntPart()
	}
	t.NetToPay = t.TotalTTC + t.TimbreFiscal
	return t
}

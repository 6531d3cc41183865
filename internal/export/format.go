package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var frPrinter = message.NewPrinter(language.French)

// Money formats an amount in centimes as French dinars, e.g. "11 900,00 DA".
func Money(centimes int64) string {
	sign := ""
	if centimes < 0 {
		sign = "-"
		centimes = -centimes
	}
	return sign + frPrinter.Sprintf("%d", centimes/100) + fmt.Sprintf(",%02d DA", centimes%100)
}

// Quantity prints a decimal with a comma separator and no trailing zeros.
func Quantity(q decimal.Decimal) string {
	whole := q.Truncate(0)
	frac := q.Sub(whole).Abs()
	out := frPrinter.Sprintf("%d", whole.IntPart())
	if q.IsNegative() && whole.IsZero() {
		out = "-" + out
	}
	if !frac.IsZero() {
		out += "," + strings.TrimPrefix(frac.String(), "0.")
	}
	return out
}

// Percent prints a rate such as 0.015 as "1,5 %".
func Percent(rate decimal.Decimal) string {
	return Quantity(rate.Shift(2)) + " %"
}

func Date(t time.Time) string {
	return t.Format("02/01/2006")
}

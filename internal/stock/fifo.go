// Package stock holds the lot allocation rules shared by production and
// stock adjustments. It has no storage dependency: callers load the candidate
// lots (already locked) and persist the resulting allocation.
package stock

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type LotStatus string

const (
	LotAvailable LotStatus = "AVAILABLE"
	LotConsumed  LotStatus = "CONSUMED"
	LotBlocked   LotStatus = "BLOCKED"
)

// Lot is a consumable quantity of one product.
type Lot struct {
	ID         int64
	LotNumber  string
	Quantity   decimal.Decimal
	UnitCost   int64
	CreatedAt  time.Time
	ExpiryDate *time.Time
}

// LotAllocation is the share taken from one lot.
type LotAllocation struct {
	LotID      int64           `json:"lotId"`
	LotNumber  string          `json:"lotNumber"`
	Quantity   decimal.Decimal `json:"quantity"`
	Remaining  decimal.Decimal `json:"remaining"`
	UnitCost   int64           `json:"unitCost"`
	ExpiryDate *time.Time      `json:"expiryDate,omitempty"`
	NewStatus  LotStatus       `json:"newStatus"`
}

type Allocation struct {
	Requested  decimal.Decimal `json:"requested"`
	Allocated  decimal.Decimal `json:"allocated"`
	Available  decimal.Decimal `json:"available"`
	Shortage   decimal.Decimal `json:"shortage"`
	Sufficient bool            `json:"sufficient"`
	Lots       []LotAllocation `json:"lots"`
}

// TotalCost is the consumption value in centimes, rounded per lot.
func (a Allocation) TotalCost() int64 {
	var total int64
	for _, lot := range a.Lots {
		total += lot.Quantity.Mul(decimal.NewFromInt(lot.UnitCost)).Round(0).IntPart()
	}
	return total
}

// ErrInsufficientStock is returned when the lots cannot cover a request.
type ErrInsufficientStock struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ErrInsufficientStock) Error() string {
	return fmt.Sprintf("insufficient stock: requested %s, available %s", e.Requested, e.Available)
}

func (e *ErrInsufficientStock) Shortage() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// SortFIFO orders lots oldest first: creation date, then earliest expiry
// (lots without expiry last), then id.
func SortFIFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		switch {
		case a.ExpiryDate != nil && b.ExpiryDate != nil:
			if !a.ExpiryDate.Equal(*b.ExpiryDate) {
				return a.ExpiryDate.Before(*b.ExpiryDate)
			}
		case a.ExpiryDate != nil:
			return true
		case b.ExpiryDate != nil:
			return false
		}
		return a.ID < b.ID
	})
}

// PreviewFIFO walks the lots in the given order and reports how much of qty
// they cover. It never fails; Sufficient is false on a shortfall.
func PreviewFIFO(lots []Lot, qty decimal.Decimal) Allocation {
	result := Allocation{
		Requested: qty,
		Allocated: decimal.Zero,
		Available: decimal.Zero,
		Lots:      make([]LotAllocation, 0),
	}
	remaining := qty
	for _, lot := range lots {
		if !lot.Quantity.IsPositive() {
			continue
		}
		result.Available = result.Available.Add(lot.Quantity)
		if !remaining.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, lot.Quantity)
		left := lot.Quantity.Sub(take)
		status := LotAvailable
		if left.IsZero() {
			status = LotConsumed
		}
		result.Lots = append(result.Lots, LotAllocation{
			LotID:      lot.ID,
			LotNumber:  lot.LotNumber,
			Quantity:   take,
			Remaining:  left,
			UnitCost:   lot.UnitCost,
			ExpiryDate: lot.ExpiryDate,
			NewStatus:  status,
		})
		result.Allocated = result.Allocated.Add(take)
		remaining = remaining.Sub(take)
	}
	result.Sufficient = !remaining.IsPositive()
	if remaining.IsPositive() {
		result.Shortage = remaining
	} else {
		result.Shortage = decimal.Zero
	}
	return result
}

// AllocateFIFO is PreviewFIFO that refuses partial allocations.
func AllocateFIFO(lots []Lot, qty decimal.Decimal) (Allocation, error) {
	if !qty.IsPositive() {
		return Allocation{}, fmt.Errorf("allocation quantity must be positive, got %s", qty)
	}
	result := PreviewFIFO(lots, qty)
	if !result.Sufficient {
		return result, &ErrInsufficientStock{Requested: qty, Available: result.Available}
	}
	return result, nil
}

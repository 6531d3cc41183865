package appro

import (
	"github.com/shopspring/decimal"
)

type StockState string

const (
	StateSain               StockState = "SAIN"
	StateSousSeuil          StockState = "SOUS_SEUIL"
	StateACommander         StockState = "A_COMMANDER"
	StateRupture            StockState = "RUPTURE"
	StateBloquantProduction StockState = "BLOQUANT_PRODUCTION"
)

const (
	CriticiteFaible    = "FAIBLE"
	CriticiteMoyenne   = "MOYENNE"
	CriticiteHaute     = "HAUTE"
	CriticiteBloquante = "BLOQUANTE"
)

var criticiteRank = map[string]int{
	CriticiteFaible:    0,
	CriticiteMoyenne:   1,
	CriticiteHaute:     2,
	CriticiteBloquante: 3,
}

type IRSStatus string

const (
	IRSSain         IRSStatus = "SAIN"
	IRSSurveillance IRSStatus = "SURVEILLANCE"
	IRSCritique     IRSStatus = "CRITIQUE"
)

var orderFactor = decimal.RequireFromString("1.5")

// Thresholds returns the safety and reorder levels in force for a raw
// material: seuilSecurite defaults to minStock and seuilCommande to
// round(minStock × 1.5).
func Thresholds(minStock decimal.Decimal, securite, commande decimal.NullDecimal) (decimal.Decimal, decimal.Decimal) {
	s := minStock
	if securite.Valid {
		s = securite.Decimal
	}
	c := minStock.Mul(orderFactor).Round(0)
	if commande.Valid {
		c = commande.Decimal
	}
	return s, c
}

// ComputeState classifies a stock level. criticite is the effective level.
func ComputeState(current, minStock decimal.Decimal, securite, commande decimal.NullDecimal, criticite string, usedInActiveRecipe bool) StockState {
	seuilSecurite, seuilCommande := Thresholds(minStock, securite, commande)
	switch {
	case !current.IsPositive():
		if usedInActiveRecipe || criticite == CriticiteBloquante {
			return StateBloquantProduction
		}
		return StateRupture
	case current.LessThanOrEqual(seuilCommande):
		if criticite == CriticiteBloquante && current.LessThan(seuilSecurite) {
			return StateBloquantProduction
		}
		return StateACommander
	case current.LessThanOrEqual(seuilSecurite):
		return StateSousSeuil
	}
	return StateSain
}

// EffectiveCriticite is the higher of the configured level and the level
// implied by the number of active recipes using the material.
func EffectiveCriticite(param string, activeRecipes int) string {
	fromRecipes := CriticiteFaible
	switch {
	case activeRecipes >= 3:
		fromRecipes = CriticiteBloquante
	case activeRecipes >= 2:
		fromRecipes = CriticiteHaute
	case activeRecipes >= 1:
		fromRecipes = CriticiteMoyenne
	}
	if rank, known := criticiteRank[param]; known && rank >= criticiteRank[fromRecipes] {
		return param
	}
	return fromRecipes
}

type StateCounts struct {
	Total              int `json:"total"`
	Sain               int `json:"sain"`
	SousSeuil          int `json:"sousSeuil"`
	ACommander         int `json:"aCommander"`
	Rupture            int `json:"rupture"`
	BloquantProduction int `json:"bloquantProduction"`
}

func (c *StateCounts) add(state StockState) {
	c.Total++
	switch state {
	case StateSain:
		c.Sain++
	case StateSousSeuil:
		c.SousSeuil++
	case StateACommander:
		c.ACommander++
	case StateRupture:
		c.Rupture++
	case StateBloquantProduction:
		c.BloquantProduction++
	}
}

type IRS struct {
	Value   int       `json:"value"`
	Status  IRSStatus `json:"status"`
	Details IRSDetail `json:"details"`
}

type IRSDetail struct {
	MPRupture             int `json:"mpRupture"`
	MPSousSeuil           int `json:"mpSousSeuil"`
	MPCritiquesProduction int `json:"mpCritiquesProduction"`
}

// ComputeIRS scores stock risk from 0 to 100. It is derived on every read.
func ComputeIRS(c StateCounts) IRS {
	if c.Total == 0 {
		return IRS{Value: 0, Status: IRSSain}
	}
	value := min(100, 30*c.BloquantProduction+20*c.Rupture+10*c.SousSeuil)
	status := IRSCritique
	switch {
	case value <= 30:
		status = IRSSain
	case value <= 60:
		status = IRSSurveillance
	}
	return IRS{
		Value:  value,
		Status: status,
		Details: IRSDetail{
			MPRupture:             c.Rupture,
			MPSousSeuil:           c.SousSeuil,
			MPCritiquesProduction: c.BloquantProduction,
		},
	}
}

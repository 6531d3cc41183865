package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"manchengo/api/internal/appro"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/search"
	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	mpUnits  = []string{"KG", "G", "L", "ML", "UNITE"}
	pfUnits  = []string{"UNITE", "KG", "CARTON"}
	tvaRates = []int{0, 9, 19}
)

type ProductMPInput struct {
	Code                string              `json:"code"`
	Name                string              `json:"name"`
	Unit                string              `json:"unit"`
	Category            string              `json:"category"`
	MinStock            decimal.Decimal     `json:"minStock"`
	SeuilSecurite       decimal.NullDecimal `json:"seuilSecurite"`
	SeuilCommande       decimal.NullDecimal `json:"seuilCommande"`
	LeadTimeDays        *int                `json:"leadTimeDays,omitempty"`
	Criticite           string              `json:"criticite"`
	ConsommationMoyJour decimal.NullDecimal `json:"consommationMoyJour"`
	MainSupplierID      *int64              `json:"mainSupplierId,omitempty"`
	DefaultTVARate      *int                `json:"defaultTvaRate,omitempty"`
}

type ProductMPPatch struct {
	Name           *string          `json:"name,omitempty"`
	Unit           *string          `json:"unit,omitempty"`
	Category       *string          `json:"category,omitempty"`
	MinStock       *decimal.Decimal `json:"minStock,omitempty"`
	MainSupplierID *int64           `json:"mainSupplierId,omitempty"`
	DefaultTVARate *int             `json:"defaultTvaRate,omitempty"`
	IsActive       *bool            `json:"isActive,omitempty"`
}

func validateProductMP(p store.ProductMP) error {
	f := fields{}
	if p.Code == "" {
		f["code"] = "required"
	}
	if p.Name == "" {
		f["name"] = "required"
	}
	if !containsString(mpUnits, p.Unit) {
		f["unit"] = "must be one of " + strings.Join(mpUnits, ", ")
	}
	if p.MinStock.IsNegative() {
		f["minStock"] = "cannot be negative"
	}
	if p.SeuilSecurite.Valid && p.SeuilSecurite.Decimal.IsNegative() {
		f["seuilSecurite"] = "cannot be negative"
	}
	if p.SeuilCommande.Valid && p.SeuilSecurite.Valid && p.SeuilCommande.Decimal.LessThan(p.SeuilSecurite.Decimal) {
		f["seuilCommande"] = "must be at least seuilSecurite"
	}
	if p.LeadTimeDays < 0 {
		f["leadTimeDays"] = "cannot be negative"
	}
	switch p.Criticite {
	case appro.CriticiteFaible, appro.CriticiteMoyenne, appro.CriticiteHaute, appro.CriticiteBloquante:
	default:
		f["criticite"] = "must be FAIBLE, MOYENNE, HAUTE or BLOQUANTE"
	}
	if !containsInt(tvaRates, p.DefaultTVARate) {
		f["defaultTvaRate"] = "must be 0, 9 or 19"
	}
	return f.err("invalid raw material")
}

func (s *Service) CreateProductMP(ctx context.Context, p rbac.Principal, in ProductMPInput) (store.ProductMP, error) {
	mp := store.ProductMP{
		Code:                normalizeCode(in.Code),
		Name:                strings.TrimSpace(in.Name),
		Unit:                strings.ToUpper(strings.TrimSpace(in.Unit)),
		Category:            strings.TrimSpace(in.Category),
		MinStock:            in.MinStock,
		SeuilSecurite:       in.SeuilSecurite,
		SeuilCommande:       in.SeuilCommande,
		LeadTimeDays:        7,
		Criticite:           strings.ToUpper(strings.TrimSpace(in.Criticite)),
		ConsommationMoyJour: in.ConsommationMoyJour,
		MainSupplierID:      in.MainSupplierID,
		DefaultTVARate:      19,
		IsActive:            true,
	}
	if mp.Unit == "" {
		mp.Unit = "KG"
	}
	if mp.Criticite == "" {
		mp.Criticite = appro.CriticiteMoyenne
	}
	if in.LeadTimeDays != nil {
		mp.LeadTimeDays = *in.LeadTimeDays
	}
	if in.DefaultTVARate != nil {
		mp.DefaultTVARate = *in.DefaultTVARate
	}
	if err := validateProductMP(mp); err != nil {
		return store.ProductMP{}, err
	}

	var created store.ProductMP
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.checkSupplier(ctx, mp.MainSupplierID); err != nil {
			return err
		}
		var err error
		created, err = s.store.CreateProductMP(ctx, mp)
		if err != nil {
			return duplicate(err, entityProductMP, mp.Code)
		}
		return audit.Record(ctx, s.store, p, "PRODUCT_MP_CREATED", entityProductMP, created.ID, nil, created, "")
	})
	if err != nil {
		return store.ProductMP{}, err
	}
	invalidateStock(ctx, s.cache)
	s.index(search.ProductMPRecord(created))
	s.logger.Info("raw material created", zap.Int64("product_mp_id", created.ID), zap.String("code", created.Code))
	return created, nil
}

// UpdateProductMP patches descriptive fields. Procurement thresholds go
// through the appro service.
func (s *Service) UpdateProductMP(ctx context.Context, p rbac.Principal, id int64, patch ProductMPPatch) (store.ProductMP, error) {
	var updated store.ProductMP
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		before, err := s.store.GetProductMP(ctx, id)
		if err != nil {
			return notFound(err, entityProductMP)
		}
		next := before
		setString(&next.Name, patch.Name)
		setString(&next.Category, patch.Category)
		if patch.Unit != nil {
			next.Unit = strings.ToUpper(strings.TrimSpace(*patch.Unit))
		}
		if patch.MinStock != nil {
			next.MinStock = *patch.MinStock
		}
		if patch.MainSupplierID != nil {
			next.MainSupplierID = patch.MainSupplierID
			if err := s.checkSupplier(ctx, next.MainSupplierID); err != nil {
				return err
			}
		}
		if patch.DefaultTVARate != nil {
			next.DefaultTVARate = *patch.DefaultTVARate
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}
		if err := validateProductMP(next); err != nil {
			return err
		}
		updated, err = s.store.UpdateProductMP(ctx, next)
		if err != nil {
			return err
		}
		return audit.Record(ctx, s.store, p, "PRODUCT_MP_UPDATED", entityProductMP, id, before, updated, "")
	})
	if err != nil {
		return store.ProductMP{}, err
	}
	invalidateStock(ctx, s.cache)
	s.index(search.ProductMPRecord(updated))
	return updated, nil
}

func (s *Service) checkSupplier(ctx context.Context, id *int64) error {
	if id == nil {
		return nil
	}
	sup, err := s.store.GetSupplier(ctx, *id)
	if errors.Is(err, sql.ErrNoRows) {
		return fields{"mainSupplierId": "unknown supplier"}.err("invalid raw material")
	}
	if err != nil {
		return err
	}
	if !sup.IsActive {
		return fields{"mainSupplierId": "supplier is inactive"}.err("invalid raw material")
	}
	return nil
}

func (s *Service) GetProductMP(ctx context.Context, id int64) (store.ProductMP, error) {
	mp, err := s.store.GetProductMP(ctx, id)
	return mp, notFound(err, entityProductMP)
}

func (s *Service) ListProductsMP(ctx context.Context, filter store.CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[store.ProductMP], error) {
	return s.store.ListProductsMP(ctx, filter, params)
}

type ProductPFInput struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	PriceHT  int64           `json:"priceHt"`
	MinStock decimal.Decimal `json:"minStock"`
}

func (s *Service) CreateProductPF(ctx context.Context, p rbac.Principal, in ProductPFInput) (store.ProductPF, error) {
	pf := store.ProductPF{
		Code:     normalizeCode(in.Code),
		Name:     strings.TrimSpace(in.Name),
		Unit:     strings.ToUpper(strings.TrimSpace(in.Unit)),
		PriceHT:  in.PriceHT,
		MinStock: in.MinStock,
		IsActive: true,
	}
	if pf.Unit == "" {
		pf.Unit = "UNITE"
	}
	f := fields{}
	if pf.Code == "" {
		f["code"] = "required"
	}
	if pf.Name == "" {
		f["name"] = "required"
	}
	if !containsString(pfUnits, pf.Unit) {
		f["unit"] = "must be one of " + strings.Join(pfUnits, ", ")
	}
	if pf.PriceHT < 0 {
		f["priceHt"] = "cannot be negative"
	}
	if pf.MinStock.IsNegative() {
		f["minStock"] = "cannot be negative"
	}
	if err := f.err("invalid finished product"); err != nil {
		return store.ProductPF{}, err
	}

	var created store.ProductPF
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateProductPF(ctx, pf)
		if err != nil {
			return duplicate(err, entityProductPF, pf.Code)
		}
		return audit.Record(ctx, s.store, p, "PRODUCT_PF_CREATED", entityProductPF, created.ID, nil, created, "")
	})
	if err != nil {
		return store.ProductPF{}, err
	}
	invalidateStock(ctx, s.cache)
	s.index(search.ProductPFRecord(created))
	return created, nil
}

func (s *Service) GetProductPF(ctx context.Context, id int64) (store.ProductPF, error) {
	pf, err := s.store.GetProductPF(ctx, id)
	return pf, notFound(err, entityProductPF)
}

func (s *Service) ListProductsPF(ctx context.Context, filter store.CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[store.ProductPF], error) {
	return s.store.ListProductsPF(ctx, filter, params)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

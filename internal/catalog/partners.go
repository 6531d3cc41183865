package catalog

import (
	"context"
	"net/mail"
	"strings"

	"manchengo/api/internal/audit"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/search"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

type SupplierInput struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
	NIF          string `json:"nif"`
	LeadTimeDays *int   `json:"leadTimeDays,omitempty"`
}

// SupplierPatch changes only the fields that are set.
type SupplierPatch struct {
	Name         *string `json:"name,omitempty"`
	Email        *string `json:"email,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	Address      *string `json:"address,omitempty"`
	NIF          *string `json:"nif,omitempty"`
	LeadTimeDays *int    `json:"leadTimeDays,omitempty"`
	IsActive     *bool   `json:"isActive,omitempty"`
}

func validateSupplier(sup store.Supplier) error {
	f := fields{}
	if sup.Code == "" {
		f["code"] = "required"
	}
	if sup.Name == "" {
		f["name"] = "required"
	}
	if sup.Email != "" {
		if _, err := mail.ParseAddress(sup.Email); err != nil {
			f["email"] = "invalid email"
		}
	}
	if sup.LeadTimeDays < 0 {
		f["leadTimeDays"] = "cannot be negative"
	}
	return f.err("invalid supplier")
}

func (s *Service) CreateSupplier(ctx context.Context, p rbac.Principal, in SupplierInput) (store.Supplier, error) {
	sup := store.Supplier{
		Code:         normalizeCode(in.Code),
		Name:         strings.TrimSpace(in.Name),
		Email:        strings.TrimSpace(in.Email),
		Phone:        strings.TrimSpace(in.Phone),
		Address:      strings.TrimSpace(in.Address),
		NIF:          strings.TrimSpace(in.NIF),
		LeadTimeDays: 7,
		IsActive:     true,
	}
	if in.LeadTimeDays != nil {
		sup.LeadTimeDays = *in.LeadTimeDays
	}
	if err := validateSupplier(sup); err != nil {
		return store.Supplier{}, err
	}

	var created store.Supplier
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateSupplier(ctx, sup)
		if err != nil {
			return duplicate(err, entitySupplier, sup.Code)
		}
		return audit.Record(ctx, s.store, p, "SUPPLIER_CREATED", entitySupplier, created.ID, nil, created, "")
	})
	if err != nil {
		return store.Supplier{}, err
	}
	s.index(search.SupplierRecord(created))
	s.logger.Info("supplier created", zap.Int64("supplier_id", created.ID), zap.String("code", created.Code))
	return created, nil
}

// UpdateSupplier applies a patch. Setting isActive to false deactivates the
// supplier; existing purchase orders keep referencing it.
func (s *Service) UpdateSupplier(ctx context.Context, p rbac.Principal, id int64, patch SupplierPatch) (store.Supplier, error) {
	var updated store.Supplier
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		before, err := s.store.GetSupplier(ctx, id)
		if err != nil {
			return notFound(err, entitySupplier)
		}
		next := before
		setString(&next.Name, patch.Name)
		setString(&next.Email, patch.Email)
		setString(&next.Phone, patch.Phone)
		setString(&next.Address, patch.Address)
		setString(&next.NIF, patch.NIF)
		if patch.LeadTimeDays != nil {
			next.LeadTimeDays = *patch.LeadTimeDays
		}
		if patch.IsActive != nil {
			next.IsActive = *patch.IsActive
		}
		if err := validateSupplier(next); err != nil {
			return err
		}
		updated, err = s.store.UpdateSupplier(ctx, next)
		if err != nil {
			return err
		}
		return audit.Record(ctx, s.store, p, "SUPPLIER_UPDATED", entitySupplier, id, before, updated, "")
	})
	if err != nil {
		return store.Supplier{}, err
	}
	s.index(search.SupplierRecord(updated))
	return updated, nil
}

func (s *Service) GetSupplier(ctx context.Context, id int64) (store.Supplier, error) {
	sup, err := s.store.GetSupplier(ctx, id)
	return sup, notFound(err, entitySupplier)
}

func (s *Service) ListSuppliers(ctx context.Context, filter store.CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[store.Supplier], error) {
	return s.store.ListSuppliers(ctx, filter, params)
}

type ClientInput struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	NIF     string `json:"nif"`
	Address string `json:"address"`
}

func (s *Service) CreateClient(ctx context.Context, p rbac.Principal, in ClientInput) (store.Client, error) {
	c := store.Client{
		Code:     normalizeCode(in.Code),
		Name:     strings.TrimSpace(in.Name),
		NIF:      strings.TrimSpace(in.NIF),
		Address:  strings.TrimSpace(in.Address),
		IsActive: true,
	}
	f := fields{}
	if c.Code == "" {
		f["code"] = "required"
	}
	if c.Name == "" {
		f["name"] = "required"
	}
	if err := f.err("invalid client"); err != nil {
		return store.Client{}, err
	}

	var created store.Client
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.store.CreateClient(ctx, c)
		if err != nil {
			return duplicate(err, entityClient, c.Code)
		}
		return audit.Record(ctx, s.store, p, "CLIENT_CREATED", entityClient, created.ID, nil, created, "")
	})
	if err != nil {
		return store.Client{}, err
	}
	return created, nil
}

func (s *Service) GetClient(ctx context.Context, id int64) (store.Client, error) {
	c, err := s.store.GetClient(ctx, id)
	return c, notFound(err, entityClient)
}

func (s *Service) ListClients(ctx context.Context, filter store.CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[store.Client], error) {
	return s.store.ListClients(ctx, filter, params)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

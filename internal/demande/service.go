// Package demande handles internal raw material requests (demandes MP) from
// production to purchasing.
package demande

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/audit"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
	"manchengo/api/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	StatusBrouillon       = "BROUILLON"
	StatusSoumise         = "SOUMISE"
	StatusValidee         = "VALIDEE"
	StatusRejetee         = "REJETEE"
	StatusEnCoursCommande = "EN_COURS_COMMANDE"

	PriorityNormale  = "NORMALE"
	PriorityUrgente  = "URGENTE"
	PriorityCritique = "CRITIQUE"

	entityDemande = "DemandeMP"
)

var priorities = map[string]struct{}{
	PriorityNormale:  {},
	PriorityUrgente:  {},
	PriorityCritique: {},
}

var statuses = map[string]struct{}{
	StatusBrouillon:       {},
	StatusSoumise:         {},
	StatusValidee:         {},
	StatusRejetee:         {},
	StatusEnCoursCommande: {},
}

type Store interface {
	RunInTx(context.Context, func(context.Context) error) error
	NextSequence(context.Context, store.SequenceKind, string) (int, error)
	GetProductsMP(context.Context, []int64) (map[int64]store.ProductMP, error)
	InsertDemande(context.Context, store.Demande) (store.Demande, error)
	ReplaceDemande(context.Context, store.Demande) (store.Demande, error)
	DeleteDemande(context.Context, int64) error
	GetDemande(context.Context, int64) (store.Demande, error)
	GetDemandeForUpdate(context.Context, int64) (store.Demande, error)
	UpdateDemandeStatus(context.Context, store.DemandeUpdate) (bool, error)
	SetValidatedQuantity(context.Context, int64, decimal.Decimal) error
	ListDemandes(context.Context, store.DemandeFilter, pagination.OffsetParams) (pagination.OffsetPage[store.Demande], error)
	DemandeStats(context.Context, *int64) (store.DemandeStats, error)
	InsertReception(context.Context, store.Reception) (store.Reception, error)
	InsertAudit(context.Context, store.AuditEntry) error
}

type Service struct {
	store  Store
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time
}

func New(st Store, logger *zap.Logger, loc *time.Location) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  st,
		logger: logger.With(zap.String("component", "demande")),
		loc:    loc,
		now:    time.Now,
	}
}

type LineInput struct {
	ProductMPID      int64           `json:"productMpId"`
	QuantiteDemandee decimal.Decimal `json:"quantiteDemandee"`
	Commentaire      string          `json:"commentaire"`
}

type Input struct {
	Priority    string      `json:"priority"`
	Commentaire string      `json:"commentaire"`
	Lines       []LineInput `json:"lines"`
}

type ValidationLine struct {
	LineID          int64           `json:"lineId"`
	QuantiteValidee decimal.Decimal `json:"quantiteValidee"`
}

type ValiderInput struct {
	Lines []ValidationLine `json:"lines"`
}

type RejeterInput struct {
	Motif string `json:"motif"`
}

type TransformResult struct {
	Demande   store.Demande   `json:"demande"`
	Reception store.Reception `json:"reception"`
}

func (s *Service) Create(ctx context.Context, p rbac.Principal, in Input) (store.Demande, error) {
	if p.Role != rbac.RoleProduction && !p.IsAdmin() {
		return store.Demande{}, apperr.Forbidden("only production or an administrator can create a demande")
	}
	d, err := s.build(ctx, in)
	if err != nil {
		return store.Demande{}, err
	}
	d.Status = StatusBrouillon
	d.CreatedBy = p.UserID

	var created store.Demande
	err = store.RetryOnUniqueViolation(3, func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			local := s.now().In(s.loc)
			seq, err := s.store.NextSequence(ctx, store.SeqDemande, util.RefPrefix(util.DemandeRef(local, 0)))
			if err != nil {
				return err
			}
			d.Reference = util.DemandeRef(local, seq)
			created, err = s.store.InsertDemande(ctx, d)
			if err != nil {
				return err
			}
			return audit.Record(ctx, s.store, p, "DEMANDE_CREATED", entityDemande, created.ID, nil,
				map[string]any{"reference": created.Reference, "priority": created.Priority, "lines": len(created.Lines)}, "")
		})
	})
	if err != nil {
		return store.Demande{}, err
	}
	s.logger.Info("demande created", zap.Int64("demande_id", created.ID), zap.String("reference", created.Reference))
	return created, nil
}

// build validates the editable part of a demande.
func (s *Service) build(ctx context.Context, in Input) (store.Demande, error) {
	priority := strings.ToUpper(strings.TrimSpace(in.Priority))
	if priority == "" {
		priority = PriorityNormale
	}
	if _, ok := priorities[priority]; !ok {
		return store.Demande{}, apperr.Validation("priority must be NORMALE, URGENTE or CRITIQUE", map[string]any{"priority": in.Priority})
	}
	if len(in.Lines) == 0 {
		return store.Demande{}, apperr.Validation("a demande needs at least one line", nil)
	}
	ids := make([]int64, 0, len(in.Lines))
	for _, line := range in.Lines {
		ids = append(ids, line.ProductMPID)
	}
	products, err := s.store.GetProductsMP(ctx, ids)
	if err != nil {
		return store.Demande{}, err
	}
	d := store.Demande{
		Priority:    priority,
		Commentaire: strings.TrimSpace(in.Commentaire),
		Lines:       make([]store.DemandeLine, 0, len(in.Lines)),
	}
	for i, line := range in.Lines {
		if _, ok := products[line.ProductMPID]; !ok {
			return store.Demande{}, apperr.Validation("unknown raw material", map[string]any{"line": i, "productMpId": line.ProductMPID})
		}
		if !line.QuantiteDemandee.IsPositive() {
			return store.Demande{}, apperr.Validation("quantiteDemandee must be positive", map[string]any{"line": i, "productMpId": line.ProductMPID})
		}
		d.Lines = append(d.Lines, store.DemandeLine{
			ProductMPID:      line.ProductMPID,
			QuantiteDemandee: line.QuantiteDemandee,
			Commentaire:      strings.TrimSpace(line.Commentaire),
		})
	}
	return d, nil
}

// Update rewrites a BROUILLON demande owned by p.
func (s *Service) Update(ctx context.Context, p rbac.Principal, id int64, in Input) (store.Demande, error) {
	replacement, err := s.build(ctx, in)
	if err != nil {
		return store.Demande{}, err
	}
	var updated store.Demande
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.editable(ctx, p, id, "modified")
		if err != nil {
			return err
		}
		replacement.ID = d.ID
		updated, err = s.store.ReplaceDemande(ctx, replacement)
		if err != nil {
			return err
		}
		return audit.Record(ctx, s.store, p, "DEMANDE_UPDATED", entityDemande, d.ID,
			map[string]any{"priority": d.Priority, "lines": len(d.Lines)},
			map[string]any{"priority": updated.Priority, "lines": len(updated.Lines)}, "")
	})
	if err != nil {
		return store.Demande{}, err
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, p rbac.Principal, id int64) error {
	return s.store.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.editable(ctx, p, id, "deleted")
		if err != nil {
			return err
		}
		if err := s.store.DeleteDemande(ctx, d.ID); err != nil {
			return err
		}
		return audit.Record(ctx, s.store, p, "DEMANDE_DELETED", entityDemande, d.ID,
			map[string]any{"reference": d.Reference, "status": d.Status}, nil, "")
	})
}

func (s *Service) editable(ctx context.Context, p rbac.Principal, id int64, action string) (store.Demande, error) {
	d, err := s.store.GetDemandeForUpdate(ctx, id)
	if err != nil {
		return store.Demande{}, notFound(err)
	}
	if !p.IsAdmin() && d.CreatedBy != p.UserID {
		return store.Demande{}, apperr.Forbidden("you can only change your own demandes")
	}
	if d.Status != StatusBrouillon {
		return store.Demande{}, apperr.InvalidStatus("demande", d.Status, action)
	}
	return d, nil
}

// Envoyer submits a draft to purchasing.
func (s *Service) Envoyer(ctx context.Context, p rbac.Principal, id int64) (store.Demande, error) {
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.store.GetDemandeForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if !p.IsAdmin() && d.CreatedBy != p.UserID {
			return apperr.Forbidden("only the author or an administrator can submit this demande")
		}
		return s.transition(ctx, p, d, StatusBrouillon, StatusSoumise, "submitted", "DEMANDE_SUBMITTED", "")
	})
	if err != nil {
		return store.Demande{}, err
	}
	return s.Get(ctx, p, id)
}

// Valider approves a submitted demande, optionally adjusting quantities.
// Lines not mentioned are validated at the requested quantity.
func (s *Service) Valider(ctx context.Context, p rbac.Principal, id int64, in ValiderInput) (store.Demande, error) {
	if err := requireApprover(p); err != nil {
		return store.Demande{}, err
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.store.GetDemandeForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		if d.Status != StatusSoumise {
			return apperr.InvalidStatus("demande", d.Status, "validated")
		}
		quantities, err := validatedQuantities(d, in.Lines)
		if err != nil {
			return err
		}
		for _, line := range d.Lines {
			if err := s.store.SetValidatedQuantity(ctx, line.ID, quantities[line.ID]); err != nil {
				return err
			}
		}
		return s.transition(ctx, p, d, StatusSoumise, StatusValidee, "validated", "DEMANDE_VALIDATED", "")
	})
	if err != nil {
		return store.Demande{}, err
	}
	s.logger.Info("demande validated", zap.Int64("demande_id", id), zap.Int64("user_id", p.UserID))
	return s.Get(ctx, p, id)
}

func validatedQuantities(d store.Demande, overrides []ValidationLine) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal, len(d.Lines))
	for _, line := range d.Lines {
		out[line.ID] = line.QuantiteDemandee
	}
	for _, o := range overrides {
		if _, ok := out[o.LineID]; !ok {
			return nil, apperr.Validation("line does not belong to this demande", map[string]any{"lineId": o.LineID})
		}
		if o.QuantiteValidee.IsNegative() {
			return nil, apperr.Validation("quantiteValidee cannot be negative", map[string]any{"lineId": o.LineID})
		}
		out[o.LineID] = o.QuantiteValidee
	}
	return out, nil
}

func (s *Service) Rejeter(ctx context.Context, p rbac.Principal, id int64, in RejeterInput) (store.Demande, error) {
	if err := requireApprover(p); err != nil {
		return store.Demande{}, err
	}
	motif := strings.TrimSpace(in.Motif)
	if motif == "" {
		return store.Demande{}, apperr.Validation("a rejection motif is required", nil)
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.store.GetDemandeForUpdate(ctx, id)
		if err != nil {
			return notFound(err)
		}
		return s.transition(ctx, p, d, StatusSoumise, StatusRejetee, "rejected", "DEMANDE_REJECTED", motif)
	})
	if err != nil {
		return store.Demande{}, err
	}
	return s.Get(ctx, p, id)
}

// Transformer turns a validated demande into a DRAFT reception, once.
func (s *Service) Transformer(ctx context.Context, p rbac.Principal, id int64) (TransformResult, error) {
	if err := requireApprover(p); err != nil {
		return TransformResult{}, err
	}
	var reception store.Reception
	err := store.RetryOnUniqueViolation(3, func() error {
		return s.store.RunInTx(ctx, func(ctx context.Context) error {
			d, err := s.store.GetDemandeForUpdate(ctx, id)
			if err != nil {
				return notFound(err)
			}
			if d.ReceptionID != nil {
				return apperr.Conflict("ALREADY_TRANSFORMED", "this demande already has a reception",
					map[string]any{"receptionId": *d.ReceptionID})
			}
			if d.Status != StatusValidee {
				return apperr.InvalidStatus("demande", d.Status, "transformed")
			}

			ids := make([]int64, 0, len(d.Lines))
			for _, line := range d.Lines {
				ids = append(ids, line.ProductMPID)
			}
			products, err := s.store.GetProductsMP(ctx, ids)
			if err != nil {
				return err
			}
			local := s.now().In(s.loc)
			demandeID := d.ID
			rec := store.Reception{
				DemandeID:     &demandeID,
				Source:        store.ReceptionSourceDemande,
				Status:        store.ReceptionDraft,
				ReceptionDate: local,
				CreatedBy:     p.UserID,
			}
			for _, line := range d.Lines {
				if !line.QuantiteValidee.Valid || !line.QuantiteValidee.Decimal.IsPositive() {
					continue
				}
				product := products[line.ProductMPID]
				if rec.SupplierID == nil && product.MainSupplierID != nil {
					supplierID := *product.MainSupplierID
					rec.SupplierID = &supplierID
				}
				rec.Lines = append(rec.Lines, store.ReceptionLine{
					ProductMPID: line.ProductMPID,
					Quantity:    line.QuantiteValidee.Decimal,
					TVARate:     product.DefaultTVARate,
				})
			}
			if len(rec.Lines) == 0 {
				return apperr.Validation("no validated quantity to receive", nil)
			}
			seq, err := s.store.NextSequence(ctx, store.SeqReception, util.RefPrefix(util.ReceptionRef(local, 0)))
			if err != nil {
				return err
			}
			rec.Reference = util.ReceptionRef(local, seq)
			reception, err = s.store.InsertReception(ctx, rec)
			if err != nil {
				return err
			}
			d.ReceptionID = &reception.ID
			return s.transition(ctx, p, d, StatusValidee, StatusEnCoursCommande, "transformed", "DEMANDE_TRANSFORMED", "")
		})
	})
	if err != nil {
		return TransformResult{}, err
	}
	s.logger.Info("demande transformed", zap.Int64("demande_id", id), zap.String("reception", reception.Reference))
	d, err := s.Get(ctx, p, id)
	if err != nil {
		return TransformResult{}, err
	}
	return TransformResult{Demande: d, Reception: reception}, nil
}

// transition applies one guarded status change and audits it.
func (s *Service) transition(ctx context.Context, p rbac.Principal, d store.Demande, from, to, verb, action, motif string) error {
	if d.Status != from {
		return apperr.InvalidStatus("demande", d.Status, verb)
	}
	ok, err := s.store.UpdateDemandeStatus(ctx, store.DemandeUpdate{
		ID:         d.ID,
		FromStatus: from,
		Status:     to,
		At:         s.now(),
		UserID:     p.UserID,
		MotifRejet: motif,
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperr.InvalidStatus("demande", d.Status, verb)
	}
	after := map[string]any{"status": to}
	if motif != "" {
		after["motifRejet"] = motif
	}
	if d.ReceptionID != nil {
		after["receptionId"] = *d.ReceptionID
	}
	return audit.Record(ctx, s.store, p, action, entityDemande, d.ID, map[string]any{"status": from}, after, "")
}

// Get returns a demande as p may see it.
func (s *Service) Get(ctx context.Context, p rbac.Principal, id int64) (store.Demande, error) {
	d, err := s.store.GetDemande(ctx, id)
	if err != nil {
		return store.Demande{}, notFound(err)
	}
	if p.Role == rbac.RoleProduction {
		if d.CreatedBy != p.UserID {
			return store.Demande{}, apperr.NotFound("demande not found")
		}
		hideValidator(&d)
	}
	return d, nil
}

// List pages demandes. Production users only see their own, without the
// identity of whoever validated them.
func (s *Service) List(ctx context.Context, p rbac.Principal, status string, params pagination.OffsetParams) (pagination.OffsetPage[store.Demande], error) {
	filter := store.DemandeFilter{Status: strings.ToUpper(strings.TrimSpace(status))}
	if filter.Status != "" {
		if _, ok := statuses[filter.Status]; !ok {
			return pagination.OffsetPage[store.Demande]{}, apperr.Validation("unknown demande status", map[string]any{"status": status})
		}
	}
	if p.Role == rbac.RoleProduction {
		own := p.UserID
		filter.CreatedBy = &own
	}
	page, err := s.store.ListDemandes(ctx, filter, params)
	if err != nil {
		return page, err
	}
	if p.Role == rbac.RoleProduction {
		for i := range page.Data {
			hideValidator(&page.Data[i])
		}
	}
	return page, nil
}

func (s *Service) Stats(ctx context.Context, p rbac.Principal) (store.DemandeStats, error) {
	var createdBy *int64
	if p.Role == rbac.RoleProduction {
		own := p.UserID
		createdBy = &own
	}
	return s.store.DemandeStats(ctx, createdBy)
}

func hideValidator(d *store.Demande) {
	d.ValidatedBy = nil
	d.ValidatedByName = ""
}

func requireApprover(p rbac.Principal) error {
	if p.IsAdmin() || p.Role == rbac.RoleAppro {
		return nil
	}
	return apperr.Forbidden("only purchasing or an administrator can decide on a demande")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("demande not found")
	}
	return err
}

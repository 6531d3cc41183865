package app

import (
	"net/http"
	"strings"

	"manchengo/api/internal/demande"
	"manchengo/api/internal/procurement"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
)

func (s *HTTPServer) handlePurchaseOrders(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	po := s.service.Procurement

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, p, rbac.ActionViewPurchasing) {
				return
			}
			supplierID, err := queryInt64(r, "supplierId")
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			params, err := cursorParams(r)
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			page, err := po.List(r.Context(), store.PurchaseOrderFilter{
				Status:     strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
				SupplierID: supplierID,
			}, params)
			s.respond(w, r, p, http.StatusOK, page, err)
		case http.MethodPost:
			if !s.allow(w, r, p, rbac.ActionManagePurchasing) {
				return
			}
			var body procurement.CreateInput
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			created, err := po.CreateDirect(r.Context(), p, body)
			s.respond(w, r, p, http.StatusCreated, created, err)
		default:
			notFoundRoute(w)
		}
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet && (parts[0] == "late" || parts[0] == "delay-stats") {
		if !s.allow(w, r, p, rbac.ActionViewPurchasing) {
			return
		}
		if parts[0] == "late" {
			late, err := po.LatePurchaseOrders(r.Context())
			s.respond(w, r, p, http.StatusOK, late, err)
			return
		}
		stats, err := po.DelayStats(r.Context())
		s.respond(w, r, p, http.StatusOK, stats, err)
		return
	}

	id, err := parseID(parts[0])
	if err != nil {
		s.fail(w, r, p, err)
		return
	}

	if r.Method == http.MethodGet {
		if !s.allow(w, r, p, rbac.ActionViewPurchasing) {
			return
		}
		switch {
		case len(parts) == 1:
			order, err := po.Get(r.Context(), id)
			s.respond(w, r, p, http.StatusOK, order, err)
		case len(parts) == 2 && parts[1] == "pdf":
			order, pdf, err := po.RenderPDF(r.Context(), id)
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			writePDF(w, order.Reference, pdf)
		default:
			notFoundRoute(w)
		}
		return
	}

	if r.Method != http.MethodPost || len(parts) != 2 {
		notFoundRoute(w)
		return
	}
	s.handlePurchaseOrderAction(w, r, p, id, parts[1])
}

func (s *HTTPServer) handlePurchaseOrderAction(w http.ResponseWriter, r *http.Request, p rbac.Principal, id int64, action string) {
	po := s.service.Procurement
	required := rbac.ActionManagePurchasing
	if action == "cancel" {
		required = rbac.ActionCancelPurchasing
	}
	if !s.allow(w, r, p, required) {
		return
	}

	switch action {
	case "send":
		var body procurement.SendInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		order, err := po.Send(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, order, err)
	case "confirm":
		var body procurement.ConfirmInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		order, err := po.Confirm(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, order, err)
	case "cancel":
		var body procurement.CancelInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		order, err := po.Cancel(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, order, err)
	case "receive":
		var body procurement.ReceiveInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		body.IdempotencyKey = idempotencyKey(r, body.IdempotencyKey)
		result, err := po.Receive(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, result, err)
	case "lock":
		state, err := po.AcquireLock(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, state, err)
	case "unlock":
		released, err := po.ReleaseLock(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, map[string]any{"released": released}, err)
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleReceptions(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if r.Method != http.MethodPost || len(parts) != 2 || parts[1] != "validate" {
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionManagePurchasing) {
		return
	}
	id, err := parseID(parts[0])
	if err != nil {
		s.fail(w, r, p, err)
		return
	}
	var body procurement.ValidateReceptionInput
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	reception, err := s.service.Procurement.ValidateReception(r.Context(), p, id, body)
	s.respond(w, r, p, http.StatusOK, reception, err)
}

// Demandes carry their own ownership rules in the service; the RBAC table
// only gates visibility here.
func (s *HTTPServer) handleDemandes(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	svc := s.service.Demandes
	if !s.allow(w, r, p, rbac.ActionViewDemandes) {
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			params, err := offsetParams(r)
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
			page, err := svc.List(r.Context(), p, status, params)
			s.respond(w, r, p, http.StatusOK, page, err)
		case http.MethodPost:
			var body demande.Input
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			created, err := svc.Create(r.Context(), p, body)
			s.respond(w, r, p, http.StatusCreated, created, err)
		default:
			notFoundRoute(w)
		}
		return
	}

	if len(parts) == 1 && parts[0] == "stats" && r.Method == http.MethodGet {
		stats, err := svc.Stats(r.Context(), p)
		s.respond(w, r, p, http.StatusOK, stats, err)
		return
	}

	id, err := parseID(parts[0])
	if err != nil {
		s.fail(w, r, p, err)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			d, err := svc.Get(r.Context(), p, id)
			s.respond(w, r, p, http.StatusOK, d, err)
		case http.MethodPut:
			var body demande.Input
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			d, err := svc.Update(r.Context(), p, id, body)
			s.respond(w, r, p, http.StatusOK, d, err)
		case http.MethodDelete:
			err := svc.Delete(r.Context(), p, id)
			s.respond(w, r, p, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			notFoundRoute(w)
		}
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		notFoundRoute(w)
		return
	}
	switch parts[1] {
	case "envoyer":
		d, err := svc.Envoyer(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, d, err)
	case "valider":
		var body demande.ValiderInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		d, err := svc.Valider(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, d, err)
	case "rejeter":
		var body demande.RejeterInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		d, err := svc.Rejeter(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, d, err)
	case "transformer":
		result, err := svc.Transformer(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, result, err)
	default:
		notFoundRoute(w)
	}
}

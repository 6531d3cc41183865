package app

import (
	"net/http"
	"strings"

	"manchengo/api/internal/invoicing"
	"manchengo/api/internal/production"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
)

func (s *HTTPServer) handleProduction(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if len(parts) == 0 || parts[0] != "orders" {
		notFoundRoute(w)
		return
	}
	parts = parts[1:]
	svc := s.service.Production

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, p, rbac.ActionViewProduction) {
				return
			}
			productID, err := queryInt64(r, "productPfId")
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			params, err := cursorParams(r)
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			page, err := svc.List(r.Context(), store.ProductionOrderFilter{
				Status:      strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
				ProductPFID: productID,
			}, params)
			s.respond(w, r, p, http.StatusOK, page, err)
		case http.MethodPost:
			if !s.allow(w, r, p, rbac.ActionManageProduction) {
				return
			}
			var body production.CreateInput
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			order, err := svc.Create(r.Context(), p, body)
			s.respond(w, r, p, http.StatusCreated, order, err)
		default:
			notFoundRoute(w)
		}
		return
	}

	id, err := parseID(parts[0])
	if err != nil {
		s.fail(w, r, p, err)
		return
	}
	if len(parts) == 1 && r.Method == http.MethodGet {
		if !s.allow(w, r, p, rbac.ActionViewProduction) {
			return
		}
		detail, err := svc.Get(r.Context(), id)
		s.respond(w, r, p, http.StatusOK, detail, err)
		return
	}
	if len(parts) != 2 || r.Method != http.MethodPost {
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionManageProduction) {
		return
	}
	switch parts[1] {
	case "start":
		detail, err := svc.Start(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, detail, err)
	case "complete":
		var body production.CompleteInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		result, err := svc.Complete(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, result, err)
	case "cancel":
		var body production.CancelInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		detail, err := svc.Cancel(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, detail, err)
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleInvoices(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	svc := s.service.Invoicing

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, p, rbac.ActionViewInvoices) {
				return
			}
			clientID, err := queryInt64(r, "clientId")
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			params, err := cursorParams(r)
			if err != nil {
				s.fail(w, r, p, err)
				return
			}
			page, err := svc.List(r.Context(), store.InvoiceFilter{
				Status:        strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
				ClientID:      clientID,
				PaymentMethod: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("paymentMethod"))),
			}, params)
			s.respond(w, r, p, http.StatusOK, page, err)
		case http.MethodPost:
			if !s.allow(w, r, p, rbac.ActionManageInvoices) {
				return
			}
			var body invoicing.CreateInput
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			inv, err := svc.Create(r.Context(), p, body)
			s.respond(w, r, p, http.StatusCreated, inv, err)
		default:
			notFoundRoute(w)
		}
		return
	}

	id, err := parseID(parts[0])
	if err != nil {
		s.fail(w, r, p, err)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewInvoices) {
			return
		}
		inv, err := svc.Get(r.Context(), id)
		s.respond(w, r, p, http.StatusOK, inv, err)
	case len(parts) == 1 && r.Method == http.MethodPut:
		if !s.allow(w, r, p, rbac.ActionManageInvoices) {
			return
		}
		var body invoicing.UpdateInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		inv, err := svc.Update(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, inv, err)
	case len(parts) == 2 && parts[1] == "pdf" && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewInvoices) {
			return
		}
		inv, pdf, err := svc.RenderPDF(r.Context(), id)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		writePDF(w, inv.Reference, pdf)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageInvoices) {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		inv, err := svc.UpdateStatus(r.Context(), p, id, body.Status)
		s.respond(w, r, p, http.StatusOK, inv, err)
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleAppro(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if r.Method != http.MethodGet || len(parts) != 1 {
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionViewAppro) {
		return
	}
	switch parts[0] {
	case "dashboard":
		dashboard, err := s.service.Appro.Dashboard(r.Context())
		s.respond(w, r, p, http.StatusOK, dashboard, err)
	case "suggestions":
		suggestions, err := s.service.Appro.SuggestedRequisitions(r.Context())
		s.respond(w, r, p, http.StatusOK, suggestions, err)
	case "critical":
		states, err := s.service.Appro.CriticalMP(r.Context())
		s.respond(w, r, p, http.StatusOK, states, err)
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleMonitoring(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	svc := s.service.Monitoring
	if len(parts) == 0 {
		notFoundRoute(w)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "kpis" && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewMonitoring) {
			return
		}
		kpis, err := svc.KPIs(r.Context())
		s.respond(w, r, p, http.StatusOK, kpis, err)

	case len(parts) == 1 && parts[0] == "alerts" && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewMonitoring) {
			return
		}
		params, err := offsetParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		q := r.URL.Query()
		page, err := svc.ListAlerts(r.Context(), store.AlertFilter{
			Status:   strings.ToUpper(strings.TrimSpace(q.Get("status"))),
			Severity: strings.ToUpper(strings.TrimSpace(q.Get("severity"))),
			Type:     strings.ToUpper(strings.TrimSpace(q.Get("type"))),
		}, params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case len(parts) == 1 && parts[0] == "check" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageAlerts) {
			return
		}
		report, err := svc.RunChecks(r.Context())
		s.respond(w, r, p, http.StatusOK, report, err)

	case len(parts) >= 2 && parts[0] == "alerts":
		id, err := parseID(parts[1])
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		s.handleAlert(w, r, p, id, parts[2:])

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleAlert(w http.ResponseWriter, r *http.Request, p rbac.Principal, id int64, parts []string) {
	svc := s.service.Monitoring
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewMonitoring) {
			return
		}
		alert, err := svc.GetAlert(r.Context(), id)
		s.respond(w, r, p, http.StatusOK, alert, err)
	case len(parts) == 1 && parts[0] == "history" && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewMonitoring) {
			return
		}
		history, err := svc.AlertHistory(r.Context(), id)
		s.respond(w, r, p, http.StatusOK, history, err)
	case len(parts) == 1 && parts[0] == "acknowledge" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageAlerts) {
			return
		}
		alert, err := svc.Acknowledge(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, alert, err)
	case len(parts) == 1 && parts[0] == "close" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageAlerts) {
			return
		}
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		alert, err := svc.Close(r.Context(), p, id, body.Comment)
		s.respond(w, r, p, http.StatusOK, alert, err)
	default:
		notFoundRoute(w)
	}
}

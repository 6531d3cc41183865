package app

import (
	"net/http"
	"strconv"
	"strings"

	"manchengo/api/internal/appro"
	"manchengo/api/internal/catalog"
	"manchengo/api/internal/inventory"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/search"
	"manchengo/api/internal/store"

	"github.com/shopspring/decimal"
)

func catalogFilter(r *http.Request) store.CatalogFilter {
	return store.CatalogFilter{
		Search:     strings.TrimSpace(r.URL.Query().Get("search")),
		ActiveOnly: queryBool(r, "activeOnly"),
	}
}

func (s *HTTPServer) handleSuppliers(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	cat := s.service.Catalog
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewCatalog) {
			return
		}
		params, err := cursorParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		page, err := cat.ListSuppliers(r.Context(), catalogFilter(r), params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case len(parts) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageCatalog) {
			return
		}
		var body catalog.SupplierInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		supplier, err := cat.CreateSupplier(r.Context(), p, body)
		s.respond(w, r, p, http.StatusCreated, supplier, err)

	case len(parts) == 1:
		id, err := parseID(parts[0])
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if !s.allow(w, r, p, rbac.ActionViewCatalog) {
				return
			}
			supplier, err := cat.GetSupplier(r.Context(), id)
			s.respond(w, r, p, http.StatusOK, supplier, err)
		case http.MethodPatch:
			if !s.allow(w, r, p, rbac.ActionManageCatalog) {
				return
			}
			var body catalog.SupplierPatch
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			supplier, err := cat.UpdateSupplier(r.Context(), p, id, body)
			s.respond(w, r, p, http.StatusOK, supplier, err)
		default:
			notFoundRoute(w)
		}

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleClients(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	cat := s.service.Catalog
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewInvoices) {
			return
		}
		params, err := cursorParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		page, err := cat.ListClients(r.Context(), catalogFilter(r), params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case len(parts) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageInvoices) {
			return
		}
		var body catalog.ClientInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		client, err := cat.CreateClient(r.Context(), p, body)
		s.respond(w, r, p, http.StatusCreated, client, err)

	case len(parts) == 1 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewInvoices) {
			return
		}
		id, err := parseID(parts[0])
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		client, err := cat.GetClient(r.Context(), id)
		s.respond(w, r, p, http.StatusOK, client, err)

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleProducts(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if len(parts) == 0 {
		notFoundRoute(w)
		return
	}
	switch parts[0] {
	case "mp":
		s.handleProductsMP(w, r, p, parts[1:])
	case "pf":
		s.handleProductsPF(w, r, p, parts[1:])
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleProductsMP(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	cat := s.service.Catalog
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewCatalog) {
			return
		}
		params, err := cursorParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		page, err := cat.ListProductsMP(r.Context(), catalogFilter(r), params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case len(parts) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageCatalog) {
			return
		}
		var body catalog.ProductMPInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		mp, err := cat.CreateProductMP(r.Context(), p, body)
		s.respond(w, r, p, http.StatusCreated, mp, err)

	case len(parts) == 1 || (len(parts) == 2 && parts[1] == "appro"):
		id, err := parseID(parts[0])
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		switch {
		case len(parts) == 2 && r.Method == http.MethodPatch:
			if !s.allow(w, r, p, rbac.ActionManageThresholds) {
				return
			}
			var body appro.ThresholdsInput
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			mp, err := s.service.Appro.UpdateMPThresholds(r.Context(), p, id, body)
			s.respond(w, r, p, http.StatusOK, mp, err)
		case len(parts) == 1 && r.Method == http.MethodGet:
			if !s.allow(w, r, p, rbac.ActionViewCatalog) {
				return
			}
			mp, err := cat.GetProductMP(r.Context(), id)
			s.respond(w, r, p, http.StatusOK, mp, err)
		case len(parts) == 1 && r.Method == http.MethodPatch:
			if !s.allow(w, r, p, rbac.ActionManageCatalog) {
				return
			}
			var body catalog.ProductMPPatch
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			mp, err := cat.UpdateProductMP(r.Context(), p, id, body)
			s.respond(w, r, p, http.StatusOK, mp, err)
		default:
			notFoundRoute(w)
		}

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleProductsPF(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	cat := s.service.Catalog
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewCatalog) {
			return
		}
		params, err := cursorParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		page, err := cat.ListProductsPF(r.Context(), catalogFilter(r), params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case len(parts) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageCatalog) {
			return
		}
		var body catalog.ProductPFInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		pf, err := cat.CreateProductPF(r.Context(), p, body)
		s.respond(w, r, p, http.StatusCreated, pf, err)

	case len(parts) == 1 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewCatalog) {
			return
		}
		id, err := parseID(parts[0])
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		pf, err := cat.GetProductPF(r.Context(), id)
		s.respond(w, r, p, http.StatusOK, pf, err)

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleRecipes(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	cat := s.service.Catalog
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionViewCatalog) {
			return
		}
		params, err := cursorParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		page, err := cat.ListRecipes(r.Context(), catalogFilter(r), params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case len(parts) == 0 && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionManageProduction) {
			return
		}
		var body catalog.RecipeInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		recipe, err := cat.CreateRecipe(r.Context(), p, body)
		s.respond(w, r, p, http.StatusCreated, recipe, err)

	case (len(parts) == 1 || (len(parts) == 2 && parts[1] == "stock-check")) && r.Method == http.MethodGet:
		id, err := parseID(parts[0])
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		if len(parts) == 1 {
			if !s.allow(w, r, p, rbac.ActionViewCatalog) {
				return
			}
			recipe, err := cat.GetRecipe(r.Context(), id)
			s.respond(w, r, p, http.StatusOK, recipe, err)
			return
		}
		if !s.allow(w, r, p, rbac.ActionViewProduction) {
			return
		}
		batchCount := 1
		if raw := strings.TrimSpace(r.URL.Query().Get("batchCount")); raw != "" {
			batchCount, err = strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "batchCount must be an integer", nil)
				return
			}
		}
		check, err := s.service.Production.CheckStock(r.Context(), id, batchCount)
		s.respond(w, r, p, http.StatusOK, check, err)

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleStock(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if r.Method == http.MethodPost {
		s.handleStockAdjust(w, r, p, parts)
		return
	}
	if r.Method != http.MethodGet || len(parts) != 1 {
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionViewStock) {
		return
	}
	switch parts[0] {
	case "lots":
		productID, err := queryInt64(r, "productId")
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		params, err := cursorParams(r)
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		page, err := s.service.Catalog.ListLots(r.Context(), store.LotFilter{
			ProductType: r.URL.Query().Get("productType"),
			ProductID:   productID,
			Status:      strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
		}, params)
		s.respond(w, r, p, http.StatusOK, page, err)

	case "fifo-preview":
		productID, err := queryInt64(r, "productMpId")
		if err != nil {
			s.fail(w, r, p, err)
			return
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(r.URL.Query().Get("quantity")))
		if err != nil || productID == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "productMpId and a numeric quantity are required", nil)
			return
		}
		allocation, err := s.service.Production.PreviewConsumption(r.Context(), productID, qty)
		s.respond(w, r, p, http.StatusOK, allocation, err)

	default:
		notFoundRoute(w)
	}
}

// handleStockAdjust serves POST /stock/adjust and the per-type shortcuts
// /stock/mp/inventory and /stock/pf/inventory.
func (s *HTTPServer) handleStockAdjust(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	productType := ""
	switch {
	case len(parts) == 1 && parts[0] == "adjust":
	case len(parts) == 2 && parts[1] == "inventory" && (parts[0] == "mp" || parts[0] == "pf"):
		productType = strings.ToUpper(parts[0])
	default:
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionAdjustStock) {
		return
	}
	var body inventory.AdjustInput
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	if productType != "" {
		body.ProductType = productType
	}
	result, err := s.service.Inventory.Adjust(r.Context(), p, body)
	s.respond(w, r, p, http.StatusOK, result, err)
}

func (s *HTTPServer) handleDevices(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	cat := s.service.Catalog
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !s.allow(w, r, p, rbac.ActionAdmin) {
			return
		}
		devices, err := cat.ListDevices(r.Context())
		s.respond(w, r, p, http.StatusOK, devices, err)

	case len(parts) == 1 && parts[0] == "heartbeat" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionReportDeviceState) {
			return
		}
		var body catalog.HeartbeatInput
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		device, err := cat.Heartbeat(r.Context(), p, body)
		s.respond(w, r, p, http.StatusOK, device, err)

	case len(parts) == 2 && parts[1] == "revoke" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionAdmin) {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		device, err := cat.RevokeDevice(r.Context(), p, parts[0], body.Reason)
		s.respond(w, r, p, http.StatusOK, device, err)

	case len(parts) == 2 && parts[1] == "reactivate" && r.Method == http.MethodPost:
		if !s.allow(w, r, p, rbac.ActionAdmin) {
			return
		}
		device, err := cat.ReactivateDevice(r.Context(), p, parts[0])
		s.respond(w, r, p, http.StatusOK, device, err)

	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if r.Method != http.MethodGet || len(parts) != 0 {
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionViewCatalog) {
		return
	}
	kind, ok := search.ParseKind(strings.TrimSpace(r.URL.Query().Get("type")))
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be mp, pf or supplier", nil)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, s.service.Search.Search(search.Query{
		Text:  r.URL.Query().Get("q"),
		Kind:  kind,
		Limit: limit,
	}))
}

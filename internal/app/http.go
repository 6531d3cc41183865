package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/auth"
	"manchengo/api/internal/export"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/util"

	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger.With(zap.String("component", "http"))}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ready, checks := s.service.Readiness(r.Context())
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		s.handleRefresh(w, r)
		return
	}

	principal, claims, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "auth":
		s.handleAuth(w, r, principal, claims, parts[2:])
	case "users":
		s.handleUsers(w, r, principal, parts[2:])
	case "suppliers":
		s.handleSuppliers(w, r, principal, parts[2:])
	case "clients":
		s.handleClients(w, r, principal, parts[2:])
	case "products":
		s.handleProducts(w, r, principal, parts[2:])
	case "recipes":
		s.handleRecipes(w, r, principal, parts[2:])
	case "stock":
		s.handleStock(w, r, principal, parts[2:])
	case "purchase-orders":
		s.handlePurchaseOrders(w, r, principal, parts[2:])
	case "receptions":
		s.handleReceptions(w, r, principal, parts[2:])
	case "demandes-mp":
		s.handleDemandes(w, r, principal, parts[2:])
	case "production":
		s.handleProduction(w, r, principal, parts[2:])
	case "invoices":
		s.handleInvoices(w, r, principal, parts[2:])
	case "appro":
		s.handleAppro(w, r, principal, parts[2:])
	case "monitoring":
		s.handleMonitoring(w, r, principal, parts[2:])
	case "devices":
		s.handleDevices(w, r, principal, parts[2:])
	case "security-logs":
		s.handleSecurityLogs(w, r, principal, parts[2:])
	case "search":
		s.handleSearch(w, r, principal, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (rbac.Principal, auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return rbac.Principal{}, auth.Claims{}, false
	}
	principal, claims, err := s.service.Auth.Authenticate(r.Context(), token)
	if err != nil {
		s.fail(w, r, rbac.Principal{}, err)
		return rbac.Principal{}, auth.Claims{}, false
	}
	return principal, claims, true
}

// allow checks the RBAC table and writes a 403 when the role lacks the
// action. Every denial goes to the security log.
func (s *HTTPServer) allow(w http.ResponseWriter, r *http.Request, p rbac.Principal, action rbac.Action) bool {
	if p.Can(action) {
		return true
	}
	s.forbid(w, r, p)
	return false
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, p rbac.Principal) {
	s.service.Auth.LogAccessDenied(r.Context(), p, r.Method, r.URL.Path, clientIP(r))
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Accès refusé", nil)
}

// fail maps err to the error envelope. Domain 403s are logged like RBAC
// denials.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, p rbac.Principal, err error) {
	status, code, message, details := mapError(err)
	switch {
	case status == http.StatusForbidden:
		s.service.Auth.LogAccessDenied(r.Context(), p, r.Method, r.URL.Path, clientIP(r))
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed",
			zap.String("request_id", util.RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")
		}
		r = r.WithContext(util.WithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, Content-Disposition")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writePDF(w http.ResponseWriter, reference string, pdf []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(reference)))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// idempotencyKey prefers the body value and falls back to the header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if key := strings.TrimSpace(fromBody); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("id must be a positive integer", nil)
	}
	return id, nil
}

// queryInt64 reads an optional positive integer query parameter.
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, apperr.Validation(name+" must be a positive integer", nil)
	}
	return v, nil
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func mapError(err error) (status int, code, message string, details any) {
	if domainErr, ok := apperr.As(err); ok {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF generation is not available on this server", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// respond writes payload with status, or the mapped error when err is set.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, p rbac.Principal, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, p, err)
		return
	}
	writeJSON(w, status, payload)
}

func notFoundRoute(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func invalidBody(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}

func cursorParams(r *http.Request) (pagination.CursorParams, error) {
	params, err := pagination.ParseCursorParams(r.URL.Query())
	if err != nil {
		return pagination.CursorParams{}, apperr.Validation(err.Error(), nil)
	}
	return params, nil
}

func offsetParams(r *http.Request) (pagination.OffsetParams, error) {
	params, err := pagination.ParseOffsetParams(r.URL.Query())
	if err != nil {
		return pagination.OffsetParams{}, apperr.Validation(err.Error(), nil)
	}
	return params, nil
}

package app

import (
	"net/http"

	"manchengo/api/internal/auth"
	"manchengo/api/internal/authpw"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"
)

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body authpw.LoginRequest
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	body.IPAddress = clientIP(r)
	tokens, err := s.service.Auth.Login(r.Context(), body)
	s.respond(w, r, rbac.Principal{}, http.StatusOK, tokens, err)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		invalidBody(w, err)
		return
	}
	tokens, err := s.service.Auth.Refresh(r.Context(), body.RefreshToken)
	s.respond(w, r, rbac.Principal{}, http.StatusOK, tokens, err)
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, p rbac.Principal, claims auth.Claims, parts []string) {
	switch {
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "logout":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		err := s.service.Auth.Logout(r.Context(), claims, body.RefreshToken, clientIP(r))
		s.respond(w, r, p, http.StatusOK, map[string]any{"ok": true}, err)
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "me":
		user, err := s.service.Auth.Me(r.Context(), p.UserID)
		s.respond(w, r, p, http.StatusOK, user, err)
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if !s.allow(w, r, p, rbac.ActionAdmin) {
		return
	}
	svc := s.service.Auth
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			users, err := svc.ListUsers(r.Context(), p)
			s.respond(w, r, p, http.StatusOK, users, err)
		case http.MethodPost:
			var body authpw.CreateUserRequest
			if err := decodeBody(r, &body); err != nil {
				invalidBody(w, err)
				return
			}
			user, err := svc.CreateUser(r.Context(), p, body)
			s.respond(w, r, p, http.StatusCreated, user, err)
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
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body authpw.UpdateUserRequest
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		user, err := svc.UpdateUser(r.Context(), p, id, body)
		s.respond(w, r, p, http.StatusOK, user, err)
	case len(parts) == 2 && parts[1] == "reset-password" && r.Method == http.MethodPost:
		var body struct {
			NewPassword string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			invalidBody(w, err)
			return
		}
		err := svc.ResetPassword(r.Context(), p, id, body.NewPassword)
		s.respond(w, r, p, http.StatusOK, map[string]bool{"success": true}, err)
	case len(parts) == 2 && parts[1] == "toggle-status" && r.Method == http.MethodPost:
		user, err := svc.ToggleStatus(r.Context(), p, id)
		s.respond(w, r, p, http.StatusOK, user, err)
	default:
		notFoundRoute(w)
	}
}

func (s *HTTPServer) handleSecurityLogs(w http.ResponseWriter, r *http.Request, p rbac.Principal, parts []string) {
	if r.Method != http.MethodGet || len(parts) != 0 {
		notFoundRoute(w)
		return
	}
	if !s.allow(w, r, p, rbac.ActionAdmin) {
		return
	}
	userID, err := queryInt64(r, "userId")
	if err != nil {
		s.fail(w, r, p, err)
		return
	}
	params, err := cursorParams(r)
	if err != nil {
		s.fail(w, r, p, err)
		return
	}
	page, err := s.service.Auth.SecurityLogs(r.Context(), p, store.SecurityLogFilter{
		Action: r.URL.Query().Get("action"),
		UserID: userID,
	}, params)
	s.respond(w, r, p, http.StatusOK, page, err)
}

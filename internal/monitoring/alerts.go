package monitoring

import (
	"context"
	"strings"

	"manchengo/api/internal/apperr"
	"manchengo/api/internal/pagination"
	"manchengo/api/internal/rbac"
	"manchengo/api/internal/store"

	"go.uber.org/zap"
)

// AlertPage is a page of alerts plus the global open and critical counters.
type AlertPage struct {
	Data          []store.Alert         `json:"data"`
	Pagination    pagination.OffsetMeta `json:"pagination"`
	OpenCount     int                   `json:"openCount"`
	CriticalCount int                   `json:"criticalCount"`
}

func (s *Service) ListAlerts(ctx context.Context, filter store.AlertFilter, params pagination.OffsetParams) (AlertPage, error) {
	filter.Status = strings.ToUpper(strings.TrimSpace(filter.Status))
	filter.Severity = strings.ToUpper(strings.TrimSpace(filter.Severity))
	filter.Type = strings.ToUpper(strings.TrimSpace(filter.Type))
	if filter.Status != "" && !contains(statuses, filter.Status) {
		return AlertPage{}, apperr.Validation("unknown alert status", map[string]any{"status": filter.Status})
	}
	if filter.Severity != "" && !contains(severities, filter.Severity) {
		return AlertPage{}, apperr.Validation("unknown alert severity", map[string]any{"severity": filter.Severity})
	}
	if filter.Type != "" && !contains(alertTypes, filter.Type) {
		return AlertPage{}, apperr.Validation("unknown alert type", map[string]any{"type": filter.Type})
	}

	page, err := s.store.ListAlerts(ctx, filter, params.Normalize())
	if err != nil {
		return AlertPage{}, err
	}
	open, critical, err := s.store.AlertCounts(ctx)
	if err != nil {
		return AlertPage{}, err
	}
	return AlertPage{
		Data:          page.Data,
		Pagination:    page.Pagination,
		OpenCount:     open,
		CriticalCount: critical,
	}, nil
}

func (s *Service) GetAlert(ctx context.Context, id int64) (store.Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return store.Alert{}, apperr.NotFound("alert not found")
		}
		return store.Alert{}, err
	}
	return a, nil
}

func (s *Service) AlertHistory(ctx context.Context, id int64) ([]store.AlertHistory, error) {
	if _, err := s.GetAlert(ctx, id); err != nil {
		return nil, err
	}
	return s.store.AlertHistory(ctx, id)
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, p rbac.Principal, id int64) (store.Alert, error) {
	return s.transition(ctx, p, id, []string{StatusOpen}, StatusAcknowledged, "acknowledged", "")
}

// Close ends an OPEN or ACKNOWLEDGED alert.
func (s *Service) Close(ctx context.Context, p rbac.Principal, id int64, comment string) (store.Alert, error) {
	return s.transition(ctx, p, id, []string{StatusOpen, StatusAcknowledged}, StatusClosed, "closed", strings.TrimSpace(comment))
}

func (s *Service) transition(ctx context.Context, p rbac.Principal, id int64, from []string, to, action, comment string) (store.Alert, error) {
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		if !contains(from, current.Status) {
			return apperr.InvalidStatus("alert", current.Status, action)
		}
		ok, err := s.store.TransitionAlert(ctx, id, from, to, p.UserID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidStatus("alert", current.Status, action)
		}
		userID := p.UserID
		return s.store.InsertAlertHistory(ctx, store.AlertHistory{
			AlertID:    id,
			Action:     to,
			FromStatus: current.Status,
			ToStatus:   to,
			UserID:     &userID,
			Comment:    comment,
		})
	})
	if err != nil {
		return store.Alert{}, err
	}
	s.logger.Info("alert updated", zap.Int64("alert_id", id), zap.String("status", to), zap.Int64("user_id", p.UserID))
	return s.GetAlert(ctx, id)
}

// ExpireAlerts marks active alerts past their expiry as EXPIRED.
func (s *Service) ExpireAlerts(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireAlerts(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("alerts expired", zap.Int64("count", n))
	}
	return n, nil
}

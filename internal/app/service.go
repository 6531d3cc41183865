package app

import (
	"context"
	"sync"
	"time"

	"manchengo/api/internal/appro"
	"manchengo/api/internal/authpw"
	"manchengo/api/internal/catalog"
	"manchengo/api/internal/demande"
	"manchengo/api/internal/inventory"
	"manchengo/api/internal/invoicing"
	"manchengo/api/internal/monitoring"
	"manchengo/api/internal/procurement"
	"manchengo/api/internal/production"
	"manchengo/api/internal/search"

	"golang.org/x/sync/errgroup"
)

// Probe checks one dependency for the readiness endpoint.
type Probe func(ctx context.Context) error

// Service groups the domain services behind the HTTP surface.
type Service struct {
	Auth        *authpw.Service
	Catalog     *catalog.Service
	Procurement *procurement.Service
	Demandes    *demande.Service
	Production  *production.Service
	Inventory   *inventory.Service
	Invoicing   *invoicing.Service
	Appro       *appro.Service
	Monitoring  *monitoring.Service
	Search      *search.Service

	// Probes are run by /api/ready. A failing "database" probe makes the
	// service not ready; the others only degrade it.
	Probes map[string]Probe
}

type probeResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness runs every probe concurrently.
func (s *Service) Readiness(ctx context.Context) (ready bool, checks map[string]probeResult) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	checks = make(map[string]probeResult, len(s.Probes))
	var g errgroup.Group
	for name, probe := range s.Probes {
		g.Go(func() error {
			result := probeResult{Status: "ok"}
			if err := probe(ctx); err != nil {
				result = probeResult{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			checks[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ready = true
	if db, ok := checks["database"]; ok && db.Status != "ok" {
		ready = false
	}
	return ready, checks
}

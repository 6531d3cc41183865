package search

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Engine runs a catalog search.
type Engine interface {
	Name() string
	Healthy() bool
	Search(q Query) ([]Result, int, error)
}

// Index is an engine that also accepts documents.
type Index interface {
	Engine
	Upsert(records []Record) error
}

// Source lists every record for a full reindex.
type Source interface {
	LoadAllRecords(ctx context.Context) ([]Record, error)
}

// Service tries the index first and falls back to the database.
type Service struct {
	index    Index
	fallback Engine
	source   Source
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, fallback Engine, source Source, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		index:    index,
		fallback: fallback,
		source:   source,
		logger:   logger.With(zap.String("component", "search")),
	}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func normalizeQuery(q Query) Query {
	q.Text = strings.TrimSpace(q.Text)
	switch {
	case q.Limit <= 0:
		q.Limit = defaultLimit
	case q.Limit > maxLimit:
		q.Limit = maxLimit
	}
	return q
}

func (s *Service) Search(q Query) Response {
	q = normalizeQuery(q)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: s.index.Name()}
		}
		s.logger.Warn("index search failed, falling back", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Engine: s.fallback.Name()}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: s.fallback.Name()}
}

// Index pushes records to the index in the background. Failures are logged;
// a reindex repairs any gap.
func (s *Service) Index(records ...Record) {
	if !s.indexReady() || len(records) == 0 {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.Upsert(records); err != nil {
			s.logger.Warn("index records failed", zap.Int("count", len(records)), zap.Error(err))
		}
	}()
}

// Wait blocks until background index writes are done.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Reindex reloads every catalog entity from the database into the index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, fmt.Errorf("search index is not configured")
	}
	if !s.index.Healthy() {
		return 0, fmt.Errorf("search index is unavailable")
	}
	if s.source == nil {
		return 0, fmt.Errorf("no record source configured")
	}
	records, err := s.source.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.index.Upsert(records); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}
	s.logger.Info("catalog reindexed", zap.Int("records", len(records)))
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

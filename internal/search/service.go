package search

import (
	"context"

	"go.uber.org/zap"
)

// Loader reads every searchable record from the primary database.
type Loader interface {
	LoadAllRecords(ctx context.Context) ([]RequestRecord, []OutcomeRecord, error)
}

// IndexSearcher is the Meilisearch side of the facade.
type IndexSearcher interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    IndexSearcher
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili IndexSearcher, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{meili: meili, fallback: fallback, log: log.With(zap.String("module", "search"))}
}

func (s *Service) primaryReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRequest indexes an edit request (fire-and-forget to Meilisearch).
func (s *Service) IndexRequest(r RequestRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.meili.IndexRequests([]RequestRecord{r}); err != nil {
			s.log.Warn("index request", zap.String("id", r.ID), zap.Error(err))
		}
	}()
}

// IndexOutcome indexes an apply log entry (fire-and-forget to Meilisearch).
func (s *Service) IndexOutcome(o OutcomeRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.meili.IndexOutcomes([]OutcomeRecord{o}); err != nil {
			s.log.Warn("index outcome", zap.String("id", o.ID), zap.Error(err))
		}
	}()
}

// ReindexAll reads all entities through loader and pushes them to
// Meilisearch. Called at startup when Meilisearch is reachable.
func (s *Service) ReindexAll(ctx context.Context, loader Loader) {
	if !s.primaryReady() || loader == nil {
		return
	}
	requests, outcomes, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexRequests(requests); err != nil {
		s.log.Error("reindex requests", zap.Error(err))
	}
	if err := s.meili.IndexOutcomes(outcomes); err != nil {
		s.log.Error("reindex outcomes", zap.Error(err))
	}
	s.log.Info("reindexed", zap.Int("requests", len(requests)), zap.Int("outcomes", len(outcomes)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

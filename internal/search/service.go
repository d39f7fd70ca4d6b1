package search

import (
	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to the update log in
// Postgres when it is down or errors.
type Service struct {
	meili  *Meili
	pg     *PgSearch
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili, pg *PgSearch, logger *zap.Logger) *Service {
	return &Service{meili: meili, pg: pg, logger: logger}
}

// Search answers a movement query from the best available backend.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		s.logger.Error("postgres movement search failed", zap.Error(err))
		return Response{Results: []MovementRecord{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMovement pushes a committed movement into the index without
// blocking the caller.
func (s *Service) IndexMovement(rec MovementRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMovement(rec); err != nil {
			s.logger.Warn("index movement", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// Backfill bulk-indexes existing update log entries, used at startup
// when the index is empty.
func (s *Service) Backfill(recs []MovementRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(recs) == 0 {
		return
	}
	if err := s.meili.IndexMovements(recs); err != nil {
		s.logger.Warn("backfill movement index", zap.Error(err))
	}
}

func nonNil(r []MovementRecord) []MovementRecord {
	if r == nil {
		return []MovementRecord{}
	}
	return r
}

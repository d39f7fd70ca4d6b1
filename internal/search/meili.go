package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxMovements = "waypoint_movements"

// Meili indexes and searches bookmark movements via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the movement
// index. The instance stays usable when the server is down; a
// background loop flips it healthy once the server comes back.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))
	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}
	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxMovements,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create movement index (may already exist)", zap.Error(err))
	}
	index := m.client.Index(idxMovements)
	filterable := []interface{}{"repo", "operation", "reason"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"bookmark", "from", "to", "reason"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the movement index.
func (m *Meili) Search(q Query) ([]MovementRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
	}
	if q.FilterRepo != "" {
		sr.Filter = []string{fmt.Sprintf("repo = %q", q.FilterRepo)}
	}

	resp, err := m.client.Index(idxMovements).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]MovementRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToRecord(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToRecord(hit meili.Hit) MovementRecord {
	rec := MovementRecord{
		ID:        decodeString(hit, "id"),
		Repo:      decodeString(hit, "repo"),
		Bookmark:  decodeString(hit, "bookmark"),
		Operation: decodeString(hit, "operation"),
		Reason:    decodeString(hit, "reason"),
		From:      decodeString(hit, "from"),
		To:        decodeString(hit, "to"),
	}
	if ts := decodeString(hit, "timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = parsed
		}
	}
	return rec
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexMovement adds or updates one movement in the index.
func (m *Meili) IndexMovement(rec MovementRecord) error {
	_, err := m.client.Index(idxMovements).AddDocuments([]MovementRecord{rec}, nil)
	return err
}

// IndexMovements bulk-indexes movements, used when backfilling from
// the update log.
func (m *Meili) IndexMovements(recs []MovementRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxMovements).AddDocuments(recs, nil)
	return err
}

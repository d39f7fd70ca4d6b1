package search

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PgSearch implements Searcher over the bookmark update log as a
// fallback when Meilisearch is unavailable.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates a PostgreSQL movement searcher.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; if Postgres is down, the whole service
// is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search matches the query text against bookmark names, changeset ids
// and reasons in the update log, newest first.
func (p *PgSearch) Search(q Query) ([]MovementRecord, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "TRUE"
	args := []any{}
	argN := 1
	if strings.TrimSpace(q.Text) != "" {
		where = fmt.Sprintf("(bookmark ILIKE $%d OR reason ILIKE $%d OR coalesce(from_changeset, '') ILIKE $%d OR coalesce(to_changeset, '') ILIKE $%d)",
			argN, argN, argN, argN)
		args = append(args, "%"+q.Text+"%")
		argN++
	}
	if q.FilterRepo != "" {
		where += fmt.Sprintf(" AND repo = $%d", argN)
		args = append(args, q.FilterRepo)
		argN++
	}

	var total int
	countQuery := "SELECT count(*) FROM bookmark_update_log WHERE " + where
	if err := p.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count movements: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, repo, bookmark, reason,
			coalesce(from_changeset, ''), coalesce(to_changeset, ''), created_at
		FROM bookmark_update_log
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`, where, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search movements: %w", err)
	}
	defer rows.Close()

	var results []MovementRecord
	for rows.Next() {
		var rec MovementRecord
		var id int64
		if err := rows.Scan(&id, &rec.Repo, &rec.Bookmark, &rec.Reason, &rec.From, &rec.To, &rec.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan movement: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		rec.Operation = operationFromTargets(rec.From, rec.To)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return results, total, nil
}

func operationFromTargets(from, to string) string {
	switch {
	case from == "":
		return "create"
	case to == "":
		return "delete"
	default:
		return "update"
	}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"waypoint/api/internal/bookmarks"
)

// PostgresStore is the durable bookmark store. Transaction.Commit is the
// single serialization point for a given bookmark: the conditional
// insert/update/delete enforces at-most-one-winner semantics under
// concurrent movement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func kindFromColumn(kind string) bookmarks.Kind {
	if kind == "scratch" {
		return bookmarks.KindScratch
	}
	return bookmarks.KindPublishing
}

// Bookmark returns the stored entry, or nil when the bookmark is absent.
func (s *PostgresStore) Bookmark(ctx context.Context, repo string, key bookmarks.Key) (*bookmarks.Entry, error) {
	var (
		changeset string
		kind      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT changeset, kind FROM bookmarks WHERE repo=$1 AND name=$2`,
		repo, key.String()).Scan(&changeset, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup bookmark %s: %w", key, err)
	}
	target, err := bookmarks.ParseChangesetID(changeset)
	if err != nil {
		return nil, fmt.Errorf("bookmark %s: %w", key, err)
	}
	return &bookmarks.Entry{Key: key, Target: target, Kind: kindFromColumn(kind)}, nil
}

// PublishingHeads returns the targets of all non-scratch bookmarks. The
// affected-changeset validator excludes their ancestors from hook scope.
func (s *PostgresStore) PublishingHeads(ctx context.Context, repo string) ([]bookmarks.ChangesetID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT changeset FROM bookmarks WHERE repo=$1 AND kind <> 'scratch'`, repo)
	if err != nil {
		return nil, fmt.Errorf("list publishing heads: %w", err)
	}
	defer rows.Close()

	var heads []bookmarks.ChangesetID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan publishing head: %w", err)
		}
		id, err := bookmarks.ParseChangesetID(raw)
		if err != nil {
			return nil, fmt.Errorf("publishing head: %w", err)
		}
		heads = append(heads, id)
	}
	return heads, rows.Err()
}

// ListBookmarks returns all bookmarks in the repo, name-ordered.
func (s *PostgresStore) ListBookmarks(ctx context.Context, repo string) ([]bookmarks.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, changeset, kind FROM bookmarks WHERE repo=$1 ORDER BY name`, repo)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	var entries []bookmarks.Entry
	for rows.Next() {
		var (
			name      string
			changeset string
			kind      string
		)
		if err := rows.Scan(&name, &changeset, &kind); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		target, err := bookmarks.ParseChangesetID(changeset)
		if err != nil {
			return nil, fmt.Errorf("bookmark %s: %w", name, err)
		}
		entries = append(entries, bookmarks.Entry{Key: bookmarks.Key(name), Target: target, Kind: kindFromColumn(kind)})
	}
	return entries, rows.Err()
}

// UpdateLog returns the most recent update log entries for the repo.
func (s *PostgresStore) UpdateLog(ctx context.Context, repo string, limit int) ([]UpdateLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo, name, COALESCE(from_changeset, ''), COALESCE(to_changeset, ''), reason, created_at
		FROM bookmark_update_log
		WHERE repo=$1
		ORDER BY id DESC
		LIMIT $2
	`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("list update log: %w", err)
	}
	defer rows.Close()

	var entries []UpdateLogEntry
	for rows.Next() {
		var entry UpdateLogEntry
		if err := rows.Scan(&entry.ID, &entry.Repo, &entry.Bookmark, &entry.FromChangeset, &entry.ToChangeset, &entry.Reason, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan update log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GitMapping returns the git commit a changeset maps to, or "" when no
// mapping has been populated.
func (s *PostgresStore) GitMapping(ctx context.Context, repo string, id bookmarks.ChangesetID) (string, error) {
	var sha string
	err := s.db.QueryRowContext(ctx,
		`SELECT git_sha FROM git_mapping WHERE repo=$1 AND changeset=$2`,
		repo, id.String()).Scan(&sha)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup git mapping %s: %w", id, err)
	}
	return sha, nil
}

// GetPrincipal returns a provisioned API principal.
func (s *PostgresStore) GetPrincipal(ctx context.Context, name string) (Principal, error) {
	var (
		p             Principal
		identitiesRaw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, secret_hash, identities, created_at FROM principals WHERE name=$1`,
		name).Scan(&p.Name, &p.SecretHash, &identitiesRaw, &p.CreatedAt)
	if err != nil {
		return Principal{}, fmt.Errorf("lookup principal %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(identitiesRaw), &p.Identities); err != nil {
		return Principal{}, fmt.Errorf("decode principal identities: %w", err)
	}
	return p, nil
}

// CreatePrincipal provisions an API principal.
func (s *PostgresStore) CreatePrincipal(ctx context.Context, p Principal) error {
	identitiesRaw, err := json.Marshal(p.Identities)
	if err != nil {
		return fmt.Errorf("encode principal identities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO principals (name, secret_hash, identities)
		VALUES ($1, $2, $3)
	`, p.Name, p.SecretHash, string(identitiesRaw))
	if err != nil {
		return fmt.Errorf("insert principal %s: %w", p.Name, err)
	}
	return nil
}

// CreateTransaction starts a staging area for one atomic bookmark mutation
// in the repo.
func (s *PostgresStore) CreateTransaction(repo string) bookmarks.Transaction {
	return &pgTransaction{store: s, repo: repo}
}

type stagedOp struct {
	op      bookmarks.OperationType
	key     bookmarks.Key
	new     bookmarks.ChangesetID
	old     bookmarks.ChangesetID
	reason  bookmarks.UpdateReason
	scratch bool
}

type pgTransaction struct {
	store     *PostgresStore
	repo      string
	staged    *stagedOp
	committed bool
}

func (t *pgTransaction) stage(op stagedOp) error {
	if t.committed {
		return fmt.Errorf("transaction already committed")
	}
	if t.staged != nil {
		return fmt.Errorf("transaction already has a staged operation")
	}
	t.staged = &op
	return nil
}

func (t *pgTransaction) Create(key bookmarks.Key, target bookmarks.ChangesetID, reason bookmarks.UpdateReason) error {
	return t.stage(stagedOp{op: bookmarks.OpCreate, key: key, new: target, reason: reason})
}

func (t *pgTransaction) CreateScratch(key bookmarks.Key, target bookmarks.ChangesetID) error {
	return t.stage(stagedOp{op: bookmarks.OpCreate, key: key, new: target, scratch: true})
}

func (t *pgTransaction) Update(key bookmarks.Key, newTarget, oldTarget bookmarks.ChangesetID, reason bookmarks.UpdateReason) error {
	return t.stage(stagedOp{op: bookmarks.OpUpdate, key: key, new: newTarget, old: oldTarget, reason: reason})
}

func (t *pgTransaction) UpdateScratch(key bookmarks.Key, newTarget, oldTarget bookmarks.ChangesetID) error {
	return t.stage(stagedOp{op: bookmarks.OpUpdate, key: key, new: newTarget, old: oldTarget, scratch: true})
}

func (t *pgTransaction) Delete(key bookmarks.Key, oldTarget bookmarks.ChangesetID, reason bookmarks.UpdateReason) error {
	return t.stage(stagedOp{op: bookmarks.OpDelete, key: key, old: oldTarget, reason: reason})
}

func (t *pgTransaction) DeleteScratch(key bookmarks.Key, oldTarget bookmarks.ChangesetID) error {
	return t.stage(stagedOp{op: bookmarks.OpDelete, key: key, old: oldTarget, scratch: true})
}

type pgSideEffectTx struct {
	tx   *sql.Tx
	repo string
}

func (s *pgSideEffectTx) AddGitMappings(ctx context.Context, entries []bookmarks.GitMappingEntry) error {
	for _, entry := range entries {
		_, err := s.tx.ExecContext(ctx, `
			INSERT INTO git_mapping (repo, changeset, git_sha)
			VALUES ($1, $2, $3)
			ON CONFLICT (repo, changeset) DO NOTHING
		`, s.repo, entry.Changeset.String(), entry.GitSHA)
		if err != nil {
			return fmt.Errorf("insert git mapping %s: %w", entry.Changeset, err)
		}
	}
	return nil
}

func (t *pgTransaction) Commit(ctx context.Context, hooks []bookmarks.TxnHook) (bookmarks.UpdateLogID, error) {
	if t.committed {
		return 0, fmt.Errorf("transaction already committed")
	}
	if t.staged == nil {
		return 0, fmt.Errorf("transaction has no staged operation")
	}
	t.committed = true
	op := t.staged

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bookmark tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	kind := "publishing"
	if op.scratch {
		kind = "scratch"
	}

	var result sql.Result
	switch op.op {
	case bookmarks.OpCreate:
		result, err = tx.ExecContext(ctx, `
			INSERT INTO bookmarks (repo, name, changeset, kind)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (repo, name) DO NOTHING
		`, t.repo, op.key.String(), op.new.String(), kind)
	case bookmarks.OpUpdate:
		result, err = tx.ExecContext(ctx, `
			UPDATE bookmarks SET changeset=$1
			WHERE repo=$2 AND name=$3 AND changeset=$4
		`, op.new.String(), t.repo, op.key.String(), op.old.String())
	case bookmarks.OpDelete:
		result, err = tx.ExecContext(ctx, `
			DELETE FROM bookmarks
			WHERE repo=$1 AND name=$2 AND changeset=$3
		`, t.repo, op.key.String(), op.old.String())
	default:
		return 0, fmt.Errorf("unknown staged operation %q", op.op)
	}
	if err != nil {
		return 0, fmt.Errorf("apply bookmark %s: %w", op.op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bookmark %s rows affected: %w", op.op, err)
	}
	if affected == 0 {
		return 0, bookmarks.ErrTransactionConflict
	}

	sideEffects := &pgSideEffectTx{tx: tx, repo: t.repo}
	for _, hook := range hooks {
		if err := hook.Run(ctx, sideEffects); err != nil {
			return 0, fmt.Errorf("transaction hook %s: %w", hook.Name(), err)
		}
	}

	var logID bookmarks.UpdateLogID
	if !op.scratch {
		var fromChangeset, toChangeset any
		if !op.old.IsZero() {
			fromChangeset = op.old.String()
		}
		if !op.new.IsZero() {
			toChangeset = op.new.String()
		}
		var id int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO bookmark_update_log (repo, name, from_changeset, to_changeset, reason)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, t.repo, op.key.String(), fromChangeset, toChangeset, string(op.reason)).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert update log entry: %w", err)
		}
		logID = bookmarks.UpdateLogID(id)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bookmark tx: %w", err)
	}
	return logID, nil
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"waypoint/api/internal/bookmarks"
)

// MemoryStore mirrors the postgres store's compare-and-swap semantics in
// process memory. It backs tests and single-process deployments.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]map[bookmarks.Key]memEntry
	updateLog   []UpdateLogEntry
	gitMappings map[string]map[bookmarks.ChangesetID]string
	nextLogID   int64
}

type memEntry struct {
	target  bookmarks.ChangesetID
	scratch bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]map[bookmarks.Key]memEntry),
		gitMappings: make(map[string]map[bookmarks.ChangesetID]string),
		nextLogID:   1,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Bookmark(ctx context.Context, repo string, key bookmarks.Key) (*bookmarks.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[repo][key]
	if !ok {
		return nil, nil
	}
	kind := bookmarks.KindPublishing
	if entry.scratch {
		kind = bookmarks.KindScratch
	}
	return &bookmarks.Entry{Key: key, Target: entry.target, Kind: kind}, nil
}

func (s *MemoryStore) PublishingHeads(ctx context.Context, repo string) ([]bookmarks.ChangesetID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var heads []bookmarks.ChangesetID
	for _, entry := range s.entries[repo] {
		if !entry.scratch {
			heads = append(heads, entry.target)
		}
	}
	return heads, nil
}

func (s *MemoryStore) ListBookmarks(ctx context.Context, repo string) ([]bookmarks.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []bookmarks.Entry
	for key, entry := range s.entries[repo] {
		kind := bookmarks.KindPublishing
		if entry.scratch {
			kind = bookmarks.KindScratch
		}
		entries = append(entries, bookmarks.Entry{Key: key, Target: entry.target, Kind: kind})
	}
	return entries, nil
}

func (s *MemoryStore) UpdateLog(ctx context.Context, repo string, limit int) ([]UpdateLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var entries []UpdateLogEntry
	for i := len(s.updateLog) - 1; i >= 0 && len(entries) < limit; i-- {
		if s.updateLog[i].Repo == repo {
			entries = append(entries, s.updateLog[i])
		}
	}
	return entries, nil
}

func (s *MemoryStore) GitMapping(ctx context.Context, repo string, id bookmarks.ChangesetID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gitMappings[repo][id], nil
}

func (s *MemoryStore) CreateTransaction(repo string) bookmarks.Transaction {
	return &memTransaction{store: s, repo: repo}
}

type memTransaction struct {
	store     *MemoryStore
	repo      string
	staged    *stagedOp
	committed bool
}

func (t *memTransaction) stage(op stagedOp) error {
	if t.committed {
		return fmt.Errorf("transaction already committed")
	}
	if t.staged != nil {
		return fmt.Errorf("transaction already has a staged operation")
	}
	t.staged = &op
	return nil
}

func (t *memTransaction) Create(key bookmarks.Key, target bookmarks.ChangesetID, reason bookmarks.UpdateReason) error {
	return t.stage(stagedOp{op: bookmarks.OpCreate, key: key, new: target, reason: reason})
}

func (t *memTransaction) CreateScratch(key bookmarks.Key, target bookmarks.ChangesetID) error {
	return t.stage(stagedOp{op: bookmarks.OpCreate, key: key, new: target, scratch: true})
}

func (t *memTransaction) Update(key bookmarks.Key, newTarget, oldTarget bookmarks.ChangesetID, reason bookmarks.UpdateReason) error {
	return t.stage(stagedOp{op: bookmarks.OpUpdate, key: key, new: newTarget, old: oldTarget, reason: reason})
}

func (t *memTransaction) UpdateScratch(key bookmarks.Key, newTarget, oldTarget bookmarks.ChangesetID) error {
	return t.stage(stagedOp{op: bookmarks.OpUpdate, key: key, new: newTarget, old: oldTarget, scratch: true})
}

func (t *memTransaction) Delete(key bookmarks.Key, oldTarget bookmarks.ChangesetID, reason bookmarks.UpdateReason) error {
	return t.stage(stagedOp{op: bookmarks.OpDelete, key: key, old: oldTarget, reason: reason})
}

func (t *memTransaction) DeleteScratch(key bookmarks.Key, oldTarget bookmarks.ChangesetID) error {
	return t.stage(stagedOp{op: bookmarks.OpDelete, key: key, old: oldTarget, scratch: true})
}

type memSideEffectTx struct {
	// mappings staged by hooks; applied only if the whole commit succeeds.
	mappings []bookmarks.GitMappingEntry
}

func (m *memSideEffectTx) AddGitMappings(ctx context.Context, entries []bookmarks.GitMappingEntry) error {
	m.mappings = append(m.mappings, entries...)
	return nil
}

func (t *memTransaction) Commit(ctx context.Context, hooks []bookmarks.TxnHook) (bookmarks.UpdateLogID, error) {
	if t.committed {
		return 0, fmt.Errorf("transaction already committed")
	}
	if t.staged == nil {
		return 0, fmt.Errorf("transaction has no staged operation")
	}
	t.committed = true
	op := t.staged

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	repo := s.entries[t.repo]
	if repo == nil {
		repo = make(map[bookmarks.Key]memEntry)
		s.entries[t.repo] = repo
	}

	current, exists := repo[op.key]
	switch op.op {
	case bookmarks.OpCreate:
		if exists {
			return 0, bookmarks.ErrTransactionConflict
		}
	case bookmarks.OpUpdate, bookmarks.OpDelete:
		if !exists || current.target != op.old {
			return 0, bookmarks.ErrTransactionConflict
		}
	default:
		return 0, fmt.Errorf("unknown staged operation %q", op.op)
	}

	sideEffects := &memSideEffectTx{}
	for _, hook := range hooks {
		if err := hook.Run(ctx, sideEffects); err != nil {
			return 0, fmt.Errorf("transaction hook %s: %w", hook.Name(), err)
		}
	}

	switch op.op {
	case bookmarks.OpCreate, bookmarks.OpUpdate:
		repo[op.key] = memEntry{target: op.new, scratch: op.scratch}
	case bookmarks.OpDelete:
		delete(repo, op.key)
	}

	mappings := s.gitMappings[t.repo]
	if mappings == nil {
		mappings = make(map[bookmarks.ChangesetID]string)
		s.gitMappings[t.repo] = mappings
	}
	for _, entry := range sideEffects.mappings {
		if _, ok := mappings[entry.Changeset]; !ok {
			mappings[entry.Changeset] = entry.GitSHA
		}
	}

	var logID bookmarks.UpdateLogID
	if !op.scratch {
		entry := UpdateLogEntry{
			ID:        s.nextLogID,
			Repo:      t.repo,
			Bookmark:  op.key.String(),
			Reason:    string(op.reason),
			Timestamp: time.Now().UTC(),
		}
		if !op.old.IsZero() {
			entry.FromChangeset = op.old.String()
		}
		if !op.new.IsZero() {
			entry.ToChangeset = op.new.String()
		}
		s.updateLog = append(s.updateLog, entry)
		s.nextLogID++
		logID = bookmarks.UpdateLogID(entry.ID)
	}
	return logID, nil
}

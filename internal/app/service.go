package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"waypoint/api/internal/authz"
	"waypoint/api/internal/blobstore"
	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
	"waypoint/api/internal/movement"
	"waypoint/api/internal/repolock"
	"waypoint/api/internal/search"
	"waypoint/api/internal/store"
)

// Store is the storage surface the service reads outside of movement
// transactions.
type Store interface {
	movement.Store
	ListBookmarks(ctx context.Context, repo string) ([]bookmarks.Entry, error)
	UpdateLog(ctx context.Context, repo string, limit int) ([]store.UpdateLogEntry, error)
	Ping(ctx context.Context) error
}

// LockAdmin manages repo write locks.
type LockAdmin interface {
	Status(ctx context.Context, repo string) (repolock.State, error)
	Lock(ctx context.Context, repo, reason, lockedBy string) error
	Unlock(ctx context.Context, repo string) error
}

// Authenticator exchanges bearer tokens for identities.
type Authenticator interface {
	Verify(token string) (identities []string, sub string, err error)
}

// Service owns the per-repo movement pipelines and everything the
// HTTP surface exposes.
type Service struct {
	store  Store
	locks  LockAdmin
	auth   Authenticator
	search *search.Service
	blobs  *blobstore.Store
	logger *zap.Logger

	repos map[string]*movement.Repo
}

func NewService(st Store, locks LockAdmin, authn Authenticator, searcher *search.Service, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		locks:  locks,
		auth:   authn,
		search: searcher,
		logger: logger,
		repos:  make(map[string]*movement.Repo),
	}
}

// SetBlobstore enables durable changeset uploads; without one the
// upload endpoint reports the feature as unavailable.
func (s *Service) SetBlobstore(b *blobstore.Store) {
	s.blobs = b
}

// PutChangeset stores changeset metadata so later movements can
// resolve it without the caller re-sending it inline.
func (s *Service) PutChangeset(ctx context.Context, repoName string, p ChangesetPayload) error {
	if s.blobs == nil {
		return domainError(http.StatusNotImplemented, "NO_BLOBSTORE", "changeset storage is not configured", nil)
	}
	if _, err := s.repo(repoName); err != nil {
		return err
	}
	cs, err := p.toChangeset()
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_CHANGESET", err.Error(), nil)
	}
	return s.blobs.PutChangeset(ctx, repoName, cs)
}

// AddRepo registers a repo with its policy and graph backends. Hooks
// are resolved from the policy here so a bad hook name fails startup,
// not the first push.
func (s *Service) AddRepo(cfg *config.RepoConfig, g movement.Graph, source movement.ChangesetSource, hooks movement.HookManager, scribe movement.Scribe) error {
	if _, ok := s.repos[cfg.Repo]; ok {
		return fmt.Errorf("repo %s already registered", cfg.Repo)
	}
	s.repos[cfg.Repo] = &movement.Repo{
		Name:       cfg.Repo,
		Config:     cfg,
		Store:      s.store,
		Graph:      g,
		Changesets: source,
		Hooks:      hooks,
		Locks:      s.locks,
		Scribe:     scribe,
		Logger:     s.logger,
	}
	return nil
}

func (s *Service) repo(name string) (*movement.Repo, error) {
	repo, ok := s.repos[name]
	if !ok {
		return nil, domainError(http.StatusNotFound, "UNKNOWN_REPO", fmt.Sprintf("repo %q is not served here", name), nil)
	}
	return repo, nil
}

func (s *Service) authContext(repo *movement.Repo, identities []string) *authz.Context {
	return authz.NewContext(authz.NewRuleProvider(repo.Config.ACL), identities, authz.ModeEnforce, s.logger)
}

// MoveRequest is one bookmark create or update. Changesets uploaded
// with the move are validated without a round trip to the changeset
// backend.
type MoveRequest struct {
	Target     string             `json:"target"`
	Reason     string             `json:"reason,omitempty"`
	Pushvars   map[string]string  `json:"pushvars,omitempty"`
	Changesets []ChangesetPayload `json:"changesets,omitempty"`
}

// ChangesetPayload is changeset metadata supplied inline with a move.
type ChangesetPayload struct {
	ID        string    `json:"id"`
	Parents   []string  `json:"parents,omitempty"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	GitSHA    string    `json:"gitSha,omitempty"`
	FileCount int       `json:"fileCount,omitempty"`
}

func (p ChangesetPayload) toChangeset() (*bookmarks.Changeset, error) {
	id, err := bookmarks.ParseChangesetID(p.ID)
	if err != nil {
		return nil, err
	}
	cs := &bookmarks.Changeset{
		ID:        id,
		Author:    p.Author,
		Message:   p.Message,
		Timestamp: p.Timestamp,
		GitSHA:    p.GitSHA,
		FileCount: p.FileCount,
	}
	for _, raw := range p.Parents {
		parent, err := bookmarks.ParseChangesetID(raw)
		if err != nil {
			return nil, err
		}
		cs.Parents = append(cs.Parents, parent)
	}
	return cs, nil
}

func parseChangesets(payloads []ChangesetPayload) ([]*bookmarks.Changeset, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	changesets := make([]*bookmarks.Changeset, 0, len(payloads))
	for _, p := range payloads {
		cs, err := p.toChangeset()
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "INVALID_CHANGESET", err.Error(), nil)
		}
		changesets = append(changesets, cs)
	}
	return changesets, nil
}

// MoveResult reports where the bookmark ended up.
type MoveResult struct {
	Bookmark    string `json:"bookmark"`
	Target      string `json:"target"`
	Operation   string `json:"operation"`
	UpdateLogID int64  `json:"updateLogId,omitempty"`
}

func parsePushvars(raw map[string]string) bookmarks.Pushvars {
	if len(raw) == 0 {
		return nil
	}
	pv := make(bookmarks.Pushvars, len(raw))
	for k, v := range raw {
		pv[k] = []byte(v)
	}
	return pv
}

func parseReason(raw string) (bookmarks.UpdateReason, error) {
	if raw == "" {
		return bookmarks.ReasonAPIRequest, nil
	}
	switch reason := bookmarks.UpdateReason(strings.ToLower(raw)); reason {
	case bookmarks.ReasonPush, bookmarks.ReasonPushrebase, bookmarks.ReasonAPIRequest,
		bookmarks.ReasonBackfill, bookmarks.ReasonManualMove, bookmarks.ReasonTestMove:
		return reason, nil
	default:
		return "", domainError(http.StatusBadRequest, "INVALID_REASON", fmt.Sprintf("unknown update reason %q", raw), nil)
	}
}

// MoveBookmark sets a bookmark to a target: a create when the
// bookmark does not exist, otherwise an update from its current
// position.
func (s *Service) MoveBookmark(ctx context.Context, identities []string, repoName, name string, req MoveRequest) (*MoveResult, error) {
	repo, err := s.repo(repoName)
	if err != nil {
		return nil, err
	}
	key, err := bookmarks.ParseKey(name)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BOOKMARK", err.Error(), nil)
	}
	target, err := bookmarks.ParseChangesetID(req.Target)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_TARGET", err.Error(), nil)
	}
	reason, err := parseReason(req.Reason)
	if err != nil {
		return nil, err
	}
	pushvars := parsePushvars(req.Pushvars)
	changesets, err := parseChangesets(req.Changesets)
	if err != nil {
		return nil, err
	}

	current, err := s.store.Bookmark(ctx, repoName, key)
	if err != nil {
		return nil, err
	}

	authCtx := s.authContext(repo, identities)
	result := &MoveResult{Bookmark: string(key), Target: target.String()}
	var logID bookmarks.UpdateLogID
	if current == nil {
		result.Operation = string(bookmarks.OpCreate)
		logID, err = movement.NewCreateOp(key, target, reason).
			WithPushvars(pushvars).
			WithNewChangesets(changesets).
			LogNewPublicCommitsToScribe().
			Run(ctx, authCtx, repo)
	} else {
		result.Operation = string(bookmarks.OpUpdate)
		logID, err = movement.NewUpdateOp(key, current.Target, target, reason).
			WithPushvars(pushvars).
			WithNewChangesets(changesets).
			LogNewPublicCommitsToScribe().
			Run(ctx, authCtx, repo)
	}
	if err != nil {
		return nil, err
	}
	result.UpdateLogID = int64(logID)
	s.indexMovement(repoName, result, current)
	return result, nil
}

// DeleteBookmark removes a bookmark at its current position.
func (s *Service) DeleteBookmark(ctx context.Context, identities []string, repoName, name, rawReason string, rawPushvars map[string]string) error {
	repo, err := s.repo(repoName)
	if err != nil {
		return err
	}
	key, err := bookmarks.ParseKey(name)
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BOOKMARK", err.Error(), nil)
	}
	reason, err := parseReason(rawReason)
	if err != nil {
		return err
	}
	current, err := s.store.Bookmark(ctx, repoName, key)
	if err != nil {
		return err
	}
	if current == nil {
		return domainError(http.StatusNotFound, "UNKNOWN_BOOKMARK", fmt.Sprintf("bookmark %q does not exist", name), nil)
	}

	authCtx := s.authContext(repo, identities)
	_, err = movement.NewDeleteOp(key, current.Target, reason).
		WithPushvars(parsePushvars(rawPushvars)).
		Run(ctx, authCtx, repo)
	return err
}

// ListBookmarks returns the repo's bookmarks.
func (s *Service) ListBookmarks(ctx context.Context, repoName string) ([]bookmarks.Entry, error) {
	if _, err := s.repo(repoName); err != nil {
		return nil, err
	}
	return s.store.ListBookmarks(ctx, repoName)
}

// UpdateLog returns recent movements of publishing bookmarks, newest
// first.
func (s *Service) UpdateLog(ctx context.Context, repoName string, limit int) ([]store.UpdateLogEntry, error) {
	if _, err := s.repo(repoName); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.UpdateLog(ctx, repoName, limit)
}

// SearchMovements answers a movement search across the update log.
func (s *Service) SearchMovements(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.MovementRecord{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// LockRepo refuses writes to the repo until unlocked. Only identities
// that may bypass the lock may manage it.
func (s *Service) LockRepo(ctx context.Context, identities []string, repoName, reason, lockedBy string) error {
	repo, err := s.repo(repoName)
	if err != nil {
		return err
	}
	if err := s.requireLockAdmin(repo, identities); err != nil {
		return err
	}
	return s.locks.Lock(ctx, repoName, reason, lockedBy)
}

// UnlockRepo reopens the repo for writes.
func (s *Service) UnlockRepo(ctx context.Context, identities []string, repoName string) error {
	repo, err := s.repo(repoName)
	if err != nil {
		return err
	}
	if err := s.requireLockAdmin(repo, identities); err != nil {
		return err
	}
	return s.locks.Unlock(ctx, repoName)
}

// LockStatus reports whether the repo accepts writes.
func (s *Service) LockStatus(ctx context.Context, repoName string) (repolock.State, error) {
	if _, err := s.repo(repoName); err != nil {
		return repolock.State{}, err
	}
	return s.locks.Status(ctx, repoName)
}

func (s *Service) requireLockAdmin(repo *movement.Repo, identities []string) error {
	if len(repo.Config.LockBypassIdentities) == 0 {
		return nil
	}
	for _, allowed := range repo.Config.LockBypassIdentities {
		for _, id := range identities {
			if allowed == id {
				return nil
			}
		}
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "you may not manage this repo's lock", nil)
}

// Ping checks the storage backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) indexMovement(repoName string, result *MoveResult, previous *bookmarks.Entry) {
	if s.search == nil || result.UpdateLogID == 0 {
		return
	}
	rec := search.MovementRecord{
		ID:        fmt.Sprintf("%s-%d", repoName, result.UpdateLogID),
		Repo:      repoName,
		Bookmark:  result.Bookmark,
		Operation: result.Operation,
		To:        result.Target,
	}
	if previous != nil {
		rec.From = previous.Target.String()
	}
	s.search.IndexMovement(rec)
}

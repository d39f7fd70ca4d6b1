package movement

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"waypoint/api/internal/authz"
	"waypoint/api/internal/bookmarks"
)

// CreateOp creates a bookmark that does not exist yet. Configure it
// with the With* modifiers, then consume it exactly once with Run or
// RunWithTransaction.
type CreateOp struct {
	bookmark bookmarks.Key
	target   bookmarks.ChangesetID
	reason   bookmarks.UpdateReason

	restriction KindRestriction
	pushSource  PushSource
	pushvars    bookmarks.Pushvars
	affected    *AffectedChangesets
	logToScribe bool
	auditOnly   bool
	consumed    bool
}

func NewCreateOp(bookmark bookmarks.Key, target bookmarks.ChangesetID, reason bookmarks.UpdateReason) *CreateOp {
	return &CreateOp{
		bookmark: bookmark,
		target:   target,
		reason:   reason,
	}
}

// OnlyIfScratch refuses the create unless the bookmark lands in the
// scratch namespace.
func (op *CreateOp) OnlyIfScratch() *CreateOp {
	op.restriction = OnlyScratch
	return op
}

// OnlyIfPublishing refuses the create unless the bookmark lands
// outside the scratch namespace.
func (op *CreateOp) OnlyIfPublishing() *CreateOp {
	op.restriction = OnlyPublishing
	return op
}

func (op *CreateOp) WithPushvars(pushvars bookmarks.Pushvars) *CreateOp {
	op.pushvars = pushvars
	return op
}

// WithNewChangesets registers the changesets uploaded alongside the
// create so validation does not refetch them.
func (op *CreateOp) WithNewChangesets(changesets []*bookmarks.Changeset) *CreateOp {
	if op.affected == nil {
		op.affected = newAffectedChangesets(0)
	}
	op.affected.AddNew(changesets)
	return op
}

func (op *CreateOp) WithPushSource(source PushSource) *CreateOp {
	op.pushSource = source
	return op
}

// LogNewPublicCommitsToScribe includes the newly published commits in
// the post-commit record.
func (op *CreateOp) LogNewPublicCommitsToScribe() *CreateOp {
	op.logToScribe = true
	return op
}

// OnlyLogACLChecks downgrades authorization denials to audit log
// entries.
func (op *CreateOp) OnlyLogACLChecks(enabled bool) *CreateOp {
	op.auditOnly = enabled
	return op
}

// Run stages and commits the create in one step.
func (op *CreateOp) Run(ctx context.Context, authCtx *authz.Context, repo *Repo) (bookmarks.UpdateLogID, error) {
	it, err := op.RunWithTransaction(ctx, authCtx, repo, nil, nil)
	if err != nil {
		return 0, err
	}
	return it.CommitAndLog(ctx, repo)
}

// RunWithTransaction validates the create and stages it onto txn. A
// nil txn starts a fresh one. The returned InfoTransaction still
// needs CommitAndLog; nothing durable has happened yet.
func (op *CreateOp) RunWithTransaction(
	ctx context.Context,
	authCtx *authz.Context,
	repo *Repo,
	txn bookmarks.Transaction,
	txnHooks []bookmarks.TxnHook,
) (*InfoTransaction, error) {
	if op.consumed {
		return nil, errors.New("create operation already consumed")
	}
	op.consumed = true

	kind, err := resolveKind(repo.Config, op.restriction, op.bookmark)
	if err != nil {
		return nil, err
	}
	if op.auditOnly {
		authCtx = authCtx.WithMode(authz.ModeLogOnly)
	}
	writeOp := authz.RepoWriteOp{Op: bookmarks.OpCreate, Kind: kind}
	if err := checkAuthorization(ctx, authCtx, repo, writeOp, op.bookmark); err != nil {
		return nil, err
	}
	if err := checkBookmarkSyncConfig(repo.Config, op.bookmark, kind); err != nil {
		return nil, err
	}

	affected := op.affected
	if affected == nil {
		affected = newAffectedChangesets(0)
	}
	if affected.limit == 0 {
		affected.limit = repo.limit()
	}
	err = affected.CheckRestrictions(ctx, repo, op.bookmark, kind, AdditionalAncestors, op.target, op.pushSource, op.pushvars)
	if err != nil {
		return nil, err
	}
	if err := checkRepoLock(ctx, repo, op.pushvars, authCtx.Identities()); err != nil {
		return nil, err
	}

	if txn == nil {
		txn = repo.Store.CreateTransaction(repo.Name)
	}

	var commitsToLog []*bookmarks.Changeset
	if kind == bookmarks.KindScratch {
		repo.logger().Info("creating scratch bookmark",
			zap.String("repo", repo.Name),
			zap.String("bookmark", string(op.bookmark)),
			zap.String("target", op.target.String()))
		if err := txn.CreateScratch(op.bookmark, op.target); err != nil {
			return nil, err
		}
	} else {
		if err := checkEnsureAncestorOf(ctx, repo, op.bookmark, op.target); err != nil {
			return nil, err
		}
		mappingHook, toLog, err := prepareSideEffects(ctx, repo, affected, op.bookmark, op.target, op.logToScribe)
		if err != nil {
			return nil, err
		}
		if mappingHook != nil {
			txnHooks = append(txnHooks, mappingHook)
		}
		commitsToLog = toLog
		repo.logger().Info("creating public bookmark",
			zap.String("repo", repo.Name),
			zap.String("bookmark", string(op.bookmark)),
			zap.String("target", op.target.String()),
			zap.Int("commits_to_log", len(commitsToLog)))
		if err := txn.Create(op.bookmark, op.target, op.reason); err != nil {
			return nil, err
		}
	}

	info := bookmarks.Info{
		Bookmark:  op.bookmark,
		Kind:      kind,
		Operation: bookmarks.Operation{Type: bookmarks.OpCreate, New: op.target},
		Reason:    op.reason,
	}
	return newInfoTransaction(info, txn, txnHooks, op.logToScribe, commitsToLog), nil
}

// prepareSideEffects resolves the git mapping hook and, when
// requested, the list of commits to log. The two lookups run
// concurrently; a mapping failure is fatal, a log-scan failure only
// degrades the record to an empty commit list.
func prepareSideEffects(
	ctx context.Context,
	repo *Repo,
	affected *AffectedChangesets,
	bookmark bookmarks.Key,
	target bookmarks.ChangesetID,
	logToScribe bool,
) (bookmarks.TxnHook, []*bookmarks.Changeset, error) {
	type mappingResult struct {
		hook bookmarks.TxnHook
		err  error
	}
	mappingCh := make(chan mappingResult, 1)
	go func() {
		hook, err := populateGitMappingTxnHook(ctx, repo, target, affected.NewChangesets())
		mappingCh <- mappingResult{hook: hook, err: err}
	}()

	var commitsToLog []*bookmarks.Changeset
	if logToScribe {
		toLog, err := findDraftAncestors(ctx, repo, affected, target)
		if err != nil {
			repo.logger().Warn("failed to find newly public commits, not logging them",
				zap.String("repo", repo.Name),
				zap.String("bookmark", string(bookmark)),
				zap.Error(err))
		} else {
			commitsToLog = toLog
		}
	}

	res := <-mappingCh
	if res.err != nil {
		return nil, nil, sideEffectFailure("populate git mapping", res.err)
	}
	return res.hook, commitsToLog, nil
}

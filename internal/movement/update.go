package movement

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"waypoint/api/internal/authz"
	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
)

// UpdateOp moves an existing bookmark from oldTarget to newTarget.
// The old target is the caller's expectation; if the bookmark moved in
// the meantime the commit fails with a conflict.
type UpdateOp struct {
	bookmark  bookmarks.Key
	newTarget bookmarks.ChangesetID
	oldTarget bookmarks.ChangesetID
	reason    bookmarks.UpdateReason

	restriction KindRestriction
	pushSource  PushSource
	pushvars    bookmarks.Pushvars
	affected    *AffectedChangesets
	logToScribe bool
	auditOnly   bool
	consumed    bool
}

func NewUpdateOp(bookmark bookmarks.Key, oldTarget, newTarget bookmarks.ChangesetID, reason bookmarks.UpdateReason) *UpdateOp {
	return &UpdateOp{
		bookmark:  bookmark,
		oldTarget: oldTarget,
		newTarget: newTarget,
		reason:    reason,
	}
}

func (op *UpdateOp) OnlyIfScratch() *UpdateOp {
	op.restriction = OnlyScratch
	return op
}

func (op *UpdateOp) OnlyIfPublishing() *UpdateOp {
	op.restriction = OnlyPublishing
	return op
}

func (op *UpdateOp) WithPushvars(pushvars bookmarks.Pushvars) *UpdateOp {
	op.pushvars = pushvars
	return op
}

func (op *UpdateOp) WithNewChangesets(changesets []*bookmarks.Changeset) *UpdateOp {
	if op.affected == nil {
		op.affected = newAffectedChangesets(0)
	}
	op.affected.AddNew(changesets)
	return op
}

func (op *UpdateOp) WithPushSource(source PushSource) *UpdateOp {
	op.pushSource = source
	return op
}

func (op *UpdateOp) LogNewPublicCommitsToScribe() *UpdateOp {
	op.logToScribe = true
	return op
}

func (op *UpdateOp) OnlyLogACLChecks(enabled bool) *UpdateOp {
	op.auditOnly = enabled
	return op
}

func (op *UpdateOp) Run(ctx context.Context, authCtx *authz.Context, repo *Repo) (bookmarks.UpdateLogID, error) {
	it, err := op.RunWithTransaction(ctx, authCtx, repo, nil, nil)
	if err != nil {
		return 0, err
	}
	return it.CommitAndLog(ctx, repo)
}

func (op *UpdateOp) RunWithTransaction(
	ctx context.Context,
	authCtx *authz.Context,
	repo *Repo,
	txn bookmarks.Transaction,
	txnHooks []bookmarks.TxnHook,
) (*InfoTransaction, error) {
	if op.consumed {
		return nil, errors.New("update operation already consumed")
	}
	op.consumed = true

	kind, err := resolveKind(repo.Config, op.restriction, op.bookmark)
	if err != nil {
		return nil, err
	}
	if op.auditOnly {
		authCtx = authCtx.WithMode(authz.ModeLogOnly)
	}
	writeOp := authz.RepoWriteOp{Op: bookmarks.OpUpdate, Kind: kind}
	if err := checkAuthorization(ctx, authCtx, repo, writeOp, op.bookmark); err != nil {
		return nil, err
	}
	if err := op.checkFastForward(ctx, repo, kind); err != nil {
		return nil, err
	}

	affected := op.affected
	if affected == nil {
		affected = newAffectedChangesets(0)
	}
	if affected.limit == 0 {
		affected.limit = repo.limit()
	}
	err = affected.CheckRestrictions(ctx, repo, op.bookmark, kind, AdditionalAncestors, op.newTarget, op.pushSource, op.pushvars)
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
		repo.logger().Info("updating scratch bookmark",
			zap.String("repo", repo.Name),
			zap.String("bookmark", string(op.bookmark)),
			zap.String("target", op.newTarget.String()))
		if err := txn.UpdateScratch(op.bookmark, op.newTarget, op.oldTarget); err != nil {
			return nil, err
		}
	} else {
		if err := checkEnsureAncestorOf(ctx, repo, op.bookmark, op.newTarget); err != nil {
			return nil, err
		}
		mappingHook, toLog, err := prepareSideEffects(ctx, repo, affected, op.bookmark, op.newTarget, op.logToScribe)
		if err != nil {
			return nil, err
		}
		if mappingHook != nil {
			txnHooks = append(txnHooks, mappingHook)
		}
		commitsToLog = toLog
		repo.logger().Info("updating public bookmark",
			zap.String("repo", repo.Name),
			zap.String("bookmark", string(op.bookmark)),
			zap.String("target", op.newTarget.String()),
			zap.Int("commits_to_log", len(commitsToLog)))
		if err := txn.Update(op.bookmark, op.newTarget, op.oldTarget, op.reason); err != nil {
			return nil, err
		}
	}

	info := bookmarks.Info{
		Bookmark:  op.bookmark,
		Kind:      kind,
		Operation: bookmarks.Operation{Type: bookmarks.OpUpdate, Old: op.oldTarget, New: op.newTarget},
		Reason:    op.reason,
	}
	return newInfoTransaction(info, txn, txnHooks, op.logToScribe, commitsToLog), nil
}

// checkFastForward refuses backwards or sideways moves of publishing
// bookmarks unless the caller asks for one explicitly and the bookmark
// is configured to allow them. Scratch bookmarks may move freely.
func (op *UpdateOp) checkFastForward(ctx context.Context, repo *Repo, kind bookmarks.Kind) error {
	if !kind.IsPublishing() || op.oldTarget == op.newTarget {
		return nil
	}
	ok, err := repo.Graph.IsAncestor(ctx, op.oldTarget, op.newTarget)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !op.pushvars.IsTrue("NON_FAST_FORWARD_MOVE") {
		return policyViolation("non-fast-forward move of %s requires the NON_FAST_FORWARD_MOVE pushvar", op.bookmark)
	}
	if !config.MatchAny(repo.Config.AllowNonFastForward, string(op.bookmark)) {
		return policyViolation("bookmark %s may only move forward", op.bookmark)
	}
	return nil
}

package movement

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"waypoint/api/internal/authz"
	"waypoint/api/internal/bookmarks"
)

// DeleteOp removes an existing bookmark whose current target is
// oldTarget. Deletions never publish commits, so hooks and side
// effects do not apply.
type DeleteOp struct {
	bookmark  bookmarks.Key
	oldTarget bookmarks.ChangesetID
	reason    bookmarks.UpdateReason

	restriction KindRestriction
	pushvars    bookmarks.Pushvars
	auditOnly   bool
	consumed    bool
}

func NewDeleteOp(bookmark bookmarks.Key, oldTarget bookmarks.ChangesetID, reason bookmarks.UpdateReason) *DeleteOp {
	return &DeleteOp{
		bookmark:  bookmark,
		oldTarget: oldTarget,
		reason:    reason,
	}
}

func (op *DeleteOp) OnlyIfScratch() *DeleteOp {
	op.restriction = OnlyScratch
	return op
}

func (op *DeleteOp) OnlyIfPublishing() *DeleteOp {
	op.restriction = OnlyPublishing
	return op
}

func (op *DeleteOp) WithPushvars(pushvars bookmarks.Pushvars) *DeleteOp {
	op.pushvars = pushvars
	return op
}

func (op *DeleteOp) OnlyLogACLChecks(enabled bool) *DeleteOp {
	op.auditOnly = enabled
	return op
}

func (op *DeleteOp) Run(ctx context.Context, authCtx *authz.Context, repo *Repo) (bookmarks.UpdateLogID, error) {
	it, err := op.RunWithTransaction(ctx, authCtx, repo, nil, nil)
	if err != nil {
		return 0, err
	}
	return it.CommitAndLog(ctx, repo)
}

func (op *DeleteOp) RunWithTransaction(
	ctx context.Context,
	authCtx *authz.Context,
	repo *Repo,
	txn bookmarks.Transaction,
	txnHooks []bookmarks.TxnHook,
) (*InfoTransaction, error) {
	if op.consumed {
		return nil, errors.New("delete operation already consumed")
	}
	op.consumed = true

	kind, err := resolveKind(repo.Config, op.restriction, op.bookmark)
	if err != nil {
		return nil, err
	}
	if kind == bookmarks.KindScratch && !repo.Config.ScratchDeletesAllowed {
		return nil, policyViolation("scratch bookmarks in repo %s cannot be deleted", repo.Name)
	}
	if op.auditOnly {
		authCtx = authCtx.WithMode(authz.ModeLogOnly)
	}
	writeOp := authz.RepoWriteOp{Op: bookmarks.OpDelete, Kind: kind}
	if err := checkAuthorization(ctx, authCtx, repo, writeOp, op.bookmark); err != nil {
		return nil, err
	}
	if err := checkBookmarkSyncConfig(repo.Config, op.bookmark, kind); err != nil {
		return nil, err
	}
	if err := checkRepoLock(ctx, repo, op.pushvars, authCtx.Identities()); err != nil {
		return nil, err
	}

	if txn == nil {
		txn = repo.Store.CreateTransaction(repo.Name)
	}

	repo.logger().Info("deleting bookmark",
		zap.String("repo", repo.Name),
		zap.String("bookmark", string(op.bookmark)),
		zap.String("kind", kind.String()))
	if kind == bookmarks.KindScratch {
		if err := txn.DeleteScratch(op.bookmark, op.oldTarget); err != nil {
			return nil, err
		}
	} else {
		if err := txn.Delete(op.bookmark, op.oldTarget, op.reason); err != nil {
			return nil, err
		}
	}

	info := bookmarks.Info{
		Bookmark:  op.bookmark,
		Kind:      kind,
		Operation: bookmarks.Operation{Type: bookmarks.OpDelete, Old: op.oldTarget},
		Reason:    op.reason,
	}
	return newInfoTransaction(info, txn, txnHooks, false, nil), nil
}

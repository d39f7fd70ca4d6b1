package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/scribe"
)

// InfoTransaction pairs a fully staged bookmark transaction with the
// descriptive record of the movement it performs. Committing it is the
// only step of the pipeline with durable effects.
type InfoTransaction struct {
	Info bookmarks.Info

	txn          bookmarks.Transaction
	txnHooks     []bookmarks.TxnHook
	logToScribe  bool
	commitsToLog []*bookmarks.Changeset
}

func newInfoTransaction(info bookmarks.Info, txn bookmarks.Transaction, txnHooks []bookmarks.TxnHook, logToScribe bool, commitsToLog []*bookmarks.Changeset) *InfoTransaction {
	return &InfoTransaction{
		Info:         info,
		txn:          txn,
		txnHooks:     txnHooks,
		logToScribe:  logToScribe,
		commitsToLog: commitsToLog,
	}
}

// CommitAndLog commits the staged transaction and, on success, hands a
// movement record to the repo's scribe sink without waiting for it.
func (it *InfoTransaction) CommitAndLog(ctx context.Context, repo *Repo) (bookmarks.UpdateLogID, error) {
	logID, err := it.txn.Commit(ctx, it.txnHooks)
	if err != nil {
		if errors.Is(err, bookmarks.ErrTransactionConflict) {
			return 0, commitConflict(it.Info.Bookmark, err)
		}
		return 0, fmt.Errorf("commit bookmark transaction: %w", err)
	}

	repo.logger().Info("bookmark moved",
		zap.String("repo", repo.Name),
		zap.String("bookmark", string(it.Info.Bookmark)),
		zap.String("operation", it.Info.Operation.String()),
		zap.String("reason", string(it.Info.Reason)),
		zap.Int64("update_log_id", int64(logID)))

	if repo.Scribe != nil {
		rec := scribe.Record{
			Repo:        repo.Name,
			Bookmark:    string(it.Info.Bookmark),
			Kind:        it.Info.Kind.String(),
			Operation:   string(it.Info.Operation.Type),
			Reason:      string(it.Info.Reason),
			UpdateLogID: int64(logID),
			Timestamp:   time.Now().UTC(),
		}
		if !it.Info.Operation.Old.IsZero() {
			rec.OldTarget = it.Info.Operation.Old.String()
		}
		if !it.Info.Operation.New.IsZero() {
			rec.NewTarget = it.Info.Operation.New.String()
		}
		if it.logToScribe {
			rec.Commits = make([]string, 0, len(it.commitsToLog))
			for _, cs := range it.commitsToLog {
				rec.Commits = append(rec.Commits, cs.ID.String())
			}
		}
		go repo.Scribe.Forward(context.WithoutCancel(ctx), rec)
	}

	return logID, nil
}

package bookmarks

import (
	"context"
	"errors"
)

// UpdateLogID identifies one entry in the bookmark update log. Scratch
// movements are not logged and yield the zero id.
type UpdateLogID int64

// ErrTransactionConflict is returned by Transaction.Commit when the store
// detects that the bookmark's current value no longer matches the value this
// transaction assumed. Exactly one of any set of racing transactions wins;
// the rest observe this error and may retry the whole movement.
var ErrTransactionConflict = errors.New("bookmark transaction conflict")

// SideEffectTx is the slice of the backing store transaction that txn hooks
// may touch. Everything staged through it commits or aborts together with the
// bookmark mutation.
type SideEffectTx interface {
	AddGitMappings(ctx context.Context, entries []GitMappingEntry) error
}

// TxnHook is a side-effect unit staged on a Transaction. Run executes inside
// the store's atomic commit; a non-nil error aborts the whole transaction.
type TxnHook interface {
	Name() string
	Run(ctx context.Context, tx SideEffectTx) error
}

// Transaction is an exclusively-owned staging area for one atomic bookmark
// mutation. Exactly one primitive op may be staged; Commit consumes the
// transaction and may be called at most once.
type Transaction interface {
	// Create stages creation of a publishing bookmark.
	Create(key Key, target ChangesetID, reason UpdateReason) error
	// CreateScratch stages creation of a scratch bookmark. Scratch ops are
	// not recorded in the update log.
	CreateScratch(key Key, target ChangesetID) error
	// Update stages a move of a publishing bookmark from oldTarget to
	// newTarget. The commit fails with ErrTransactionConflict unless the
	// stored value still equals oldTarget.
	Update(key Key, newTarget, oldTarget ChangesetID, reason UpdateReason) error
	// UpdateScratch stages a move of a scratch bookmark.
	UpdateScratch(key Key, newTarget, oldTarget ChangesetID) error
	// Delete stages removal of a bookmark, conditional on oldTarget.
	Delete(key Key, oldTarget ChangesetID, reason UpdateReason) error
	// DeleteScratch stages removal of a scratch bookmark.
	DeleteScratch(key Key, oldTarget ChangesetID) error

	// Commit atomically applies the staged op and all hooks. It returns the
	// update log id for logged ops, zero for scratch ops, and
	// ErrTransactionConflict when a concurrent movement won.
	Commit(ctx context.Context, hooks []TxnHook) (UpdateLogID, error)
}

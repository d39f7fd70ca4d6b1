package movement

import (
	"context"

	"go.uber.org/zap"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
	"waypoint/api/internal/repolock"
	"waypoint/api/internal/scribe"
)

// Store is the slice of bookmark storage the movement pipeline needs.
type Store interface {
	Bookmark(ctx context.Context, repo string, key bookmarks.Key) (*bookmarks.Entry, error)
	PublishingHeads(ctx context.Context, repo string) ([]bookmarks.ChangesetID, error)
	CreateTransaction(repo string) bookmarks.Transaction
}

// Graph answers ancestry questions about the repo's commit graph.
type Graph interface {
	IsAncestor(ctx context.Context, ancestor, descendant bookmarks.ChangesetID) (bool, error)
	AncestorsDifference(ctx context.Context, heads, excluded []bookmarks.ChangesetID, limit int) ([]bookmarks.ChangesetID, error)
}

// ChangesetSource loads changeset metadata for commits that are not
// part of the incoming push.
type ChangesetSource interface {
	Changeset(ctx context.Context, id bookmarks.ChangesetID) (*bookmarks.Changeset, error)
}

// HookManager validates the set of changesets a movement would make
// reachable.
type HookManager interface {
	Validate(ctx context.Context, bookmark bookmarks.Key, changesets []*bookmarks.Changeset, pushvars bookmarks.Pushvars) error
}

// LockStatusProvider reports whether writes to a repo are currently
// held.
type LockStatusProvider interface {
	Status(ctx context.Context, repo string) (repolock.State, error)
}

// Scribe receives post-commit movement records. Delivery is best
// effort and must never fail the movement.
type Scribe interface {
	Forward(ctx context.Context, rec scribe.Record)
}

// Repo bundles everything a movement operation touches for one
// repository. Optional collaborators (Hooks, Locks, Scribe, Logger)
// may be nil.
type Repo struct {
	Name       string
	Config     *config.RepoConfig
	Store      Store
	Graph      Graph
	Changesets ChangesetSource
	Hooks      HookManager
	Locks      LockStatusProvider
	Scribe     Scribe
	Logger     *zap.Logger
}

func (r *Repo) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Repo) limit() int {
	if r.Config != nil && r.Config.AffectedChangesetsLimit > 0 {
		return r.Config.AffectedChangesetsLimit
	}
	return config.DefaultAffectedChangesetsLimit
}

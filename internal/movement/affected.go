package movement

import (
	"context"
	"errors"
	"fmt"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/graph"
	"waypoint/api/internal/hooks"
)

// AdditionalChangesets selects which commits, beyond those supplied
// with the push, a movement makes newly reachable.
type AdditionalChangesets int

const (
	// AdditionalNone is used by deletions: nothing new becomes
	// reachable.
	AdditionalNone AdditionalChangesets = iota
	// AdditionalAncestors walks the target's ancestry down to the
	// current publishing heads.
	AdditionalAncestors
)

// AffectedChangesets tracks the commits a movement would publish and
// runs hook validation over them.
type AffectedChangesets struct {
	limit  int
	loaded bool

	// changesets supplied with the push, keyed by id. These do not
	// need a round trip to the changeset source.
	newChangesets map[bookmarks.ChangesetID]*bookmarks.Changeset

	affected []*bookmarks.Changeset
}

func newAffectedChangesets(limit int) *AffectedChangesets {
	return &AffectedChangesets{
		limit:         limit,
		newChangesets: make(map[bookmarks.ChangesetID]*bookmarks.Changeset),
	}
}

// AddNew registers changesets that arrived with the push itself.
func (a *AffectedChangesets) AddNew(changesets []*bookmarks.Changeset) {
	for _, cs := range changesets {
		a.newChangesets[cs.ID] = cs
	}
}

// NewChangesets exposes the push-supplied changesets keyed by id.
func (a *AffectedChangesets) NewChangesets() map[bookmarks.ChangesetID]*bookmarks.Changeset {
	return a.newChangesets
}

// load materializes every changeset the movement makes reachable:
// ancestors of target that are not already behind a publishing head.
func (a *AffectedChangesets) load(ctx context.Context, repo *Repo, target bookmarks.ChangesetID) error {
	if a.loaded {
		return nil
	}
	excluded, err := repo.Store.PublishingHeads(ctx, repo.Name)
	if err != nil {
		return fmt.Errorf("load publishing heads: %w", err)
	}
	ids, err := repo.Graph.AncestorsDifference(ctx, []bookmarks.ChangesetID{target}, excluded, a.limit)
	if err != nil {
		if errors.Is(err, graph.ErrLimitExceeded) {
			return limitExceeded(a.limit, err)
		}
		return fmt.Errorf("walk affected changesets: %w", err)
	}
	a.affected = make([]*bookmarks.Changeset, 0, len(ids))
	for _, id := range ids {
		if cs, ok := a.newChangesets[id]; ok {
			a.affected = append(a.affected, cs)
			continue
		}
		cs, err := repo.Changesets.Changeset(ctx, id)
		if err != nil {
			return fmt.Errorf("load changeset %s: %w", id, err)
		}
		a.affected = append(a.affected, cs)
	}
	a.loaded = true
	return nil
}

// CheckRestrictions loads the affected set for publishing movements
// and runs the repo's hooks over it. Scratch movements are ephemeral
// and skip both. Redirected pushes have already been validated at
// their source, so hooks are skipped but the traversal limit still
// holds.
func (a *AffectedChangesets) CheckRestrictions(
	ctx context.Context,
	repo *Repo,
	bookmark bookmarks.Key,
	kind bookmarks.Kind,
	additional AdditionalChangesets,
	target bookmarks.ChangesetID,
	source PushSource,
	pushvars bookmarks.Pushvars,
) error {
	if !kind.IsPublishing() || additional == AdditionalNone {
		return nil
	}
	if err := a.load(ctx, repo, target); err != nil {
		return err
	}
	if source == PushRedirected || repo.Hooks == nil {
		return nil
	}
	if err := repo.Hooks.Validate(ctx, bookmark, a.affected, pushvars); err != nil {
		var rej *hooks.Rejection
		if errors.As(err, &rej) {
			return hookRejection(rej)
		}
		return fmt.Errorf("run hooks for %s: %w", bookmark, err)
	}
	return nil
}

// findDraftAncestors collects the commits that become public when the
// bookmark lands on target. Used only for change logging; callers
// treat failure as soft.
func findDraftAncestors(ctx context.Context, repo *Repo, a *AffectedChangesets, target bookmarks.ChangesetID) ([]*bookmarks.Changeset, error) {
	if err := a.load(ctx, repo, target); err != nil {
		return nil, err
	}
	return a.affected, nil
}

// Package graph provides access to the immutable, content-addressed commit
// graph: ancestry queries and bounded ancestry-difference walks.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"waypoint/api/internal/bookmarks"
)

// ErrLimitExceeded is returned when an ancestry walk would need to visit more
// changesets than the caller's cap. Exceeding the cap is a hard failure,
// never silent truncation.
var ErrLimitExceeded = errors.New("changeset traversal limit exceeded")

// ErrNotFound is returned for changesets the graph does not know.
var ErrNotFound = errors.New("changeset not found")

// Memory is an in-process commit graph. It serves tests, the admin CLI's
// dry-run mode and single-process deployments; the git-backed adapter lives
// in the gitgraph subpackage.
type Memory struct {
	mu         sync.RWMutex
	changesets map[bookmarks.ChangesetID]*bookmarks.Changeset
}

func NewMemory() *Memory {
	return &Memory{changesets: make(map[bookmarks.ChangesetID]*bookmarks.Changeset)}
}

// Add registers a changeset. Parents must already be present.
func (g *Memory) Add(cs *bookmarks.Changeset) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, parent := range cs.Parents {
		if _, ok := g.changesets[parent]; !ok {
			return fmt.Errorf("add changeset %s: parent %s: %w", cs.ID, parent, ErrNotFound)
		}
	}
	g.changesets[cs.ID] = cs
	return nil
}

// MustAdd is Add for test fixtures; it panics on error.
func (g *Memory) MustAdd(cs *bookmarks.Changeset) {
	if err := g.Add(cs); err != nil {
		panic(err)
	}
}

func (g *Memory) Changeset(ctx context.Context, id bookmarks.ChangesetID) (*bookmarks.Changeset, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cs, ok := g.changesets[id]
	if !ok {
		return nil, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
	}
	return cs, nil
}

// IsAncestor reports whether ancestor is reachable from descendant, including
// the trivial case where the two are equal.
func (g *Memory) IsAncestor(ctx context.Context, ancestor, descendant bookmarks.ChangesetID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.changesets[descendant]; !ok {
		return false, fmt.Errorf("changeset %s: %w", descendant, ErrNotFound)
	}
	seen := map[bookmarks.ChangesetID]struct{}{}
	frontier := []bookmarks.ChangesetID{descendant}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if id == ancestor {
			return true, nil
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if cs, ok := g.changesets[id]; ok {
			frontier = append(frontier, cs.Parents...)
		}
	}
	return false, nil
}

// AncestorsDifference returns the changesets reachable from heads but not
// from any of the excluded heads, newest-first in walk order. It fails with
// ErrLimitExceeded when the result would contain more than limit entries.
func (g *Memory) AncestorsDifference(ctx context.Context, heads, excluded []bookmarks.ChangesetID, limit int) ([]bookmarks.ChangesetID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	excludedSet := map[bookmarks.ChangesetID]struct{}{}
	frontier := append([]bookmarks.ChangesetID(nil), excluded...)
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, ok := excludedSet[id]; ok {
			continue
		}
		excludedSet[id] = struct{}{}
		if cs, ok := g.changesets[id]; ok {
			frontier = append(frontier, cs.Parents...)
		}
	}

	var result []bookmarks.ChangesetID
	seen := map[bookmarks.ChangesetID]struct{}{}
	frontier = append(frontier[:0], heads...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := excludedSet[id]; ok {
			continue
		}
		cs, ok := g.changesets[id]
		if !ok {
			return nil, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
		}
		result = append(result, id)
		if limit > 0 && len(result) > limit {
			return nil, fmt.Errorf("walking ancestors of %d heads: %w", len(heads), ErrLimitExceeded)
		}
		frontier = append(frontier, cs.Parents...)
	}
	return result, nil
}

// Package gitgraph adapts a git repository on disk to the commit graph
// contract, for repos whose history is kept in git rather than a native
// changeset store. Changeset ids embed the git SHA-1 in their leading bytes.
package gitgraph

import (
	"context"
	"fmt"
	"sync"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/graph"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo is a commit graph backed by one git repository.
type Repo struct {
	mu   sync.Mutex
	repo *git.Repository
}

// Open opens the git repository at path.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open git repo: %w", err)
	}
	return &Repo{repo: repo}, nil
}

// ChangesetFromHash embeds a git commit hash into a changeset id.
func ChangesetFromHash(hash plumbing.Hash) bookmarks.ChangesetID {
	var id bookmarks.ChangesetID
	copy(id[:], hash[:])
	return id
}

// HashFromChangeset recovers the git commit hash from a changeset id.
func HashFromChangeset(id bookmarks.ChangesetID) plumbing.Hash {
	var hash plumbing.Hash
	copy(hash[:], id[:len(hash)])
	return hash
}

func (r *Repo) commit(id bookmarks.ChangesetID) (*object.Commit, error) {
	commit, err := r.repo.CommitObject(HashFromChangeset(id))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, fmt.Errorf("changeset %s: %w", id, graph.ErrNotFound)
		}
		return nil, fmt.Errorf("read commit %s: %w", id, err)
	}
	return commit, nil
}

func changesetFromCommit(commit *object.Commit) *bookmarks.Changeset {
	parents := make([]bookmarks.ChangesetID, 0, commit.NumParents())
	for _, hash := range commit.ParentHashes {
		parents = append(parents, ChangesetFromHash(hash))
	}
	return &bookmarks.Changeset{
		ID:        ChangesetFromHash(commit.Hash),
		Parents:   parents,
		Author:    commit.Author.Name,
		Message:   commit.Message,
		Timestamp: commit.Author.When,
		GitSHA:    commit.Hash.String(),
	}
}

func (r *Repo) Changeset(ctx context.Context, id bookmarks.ChangesetID) (*bookmarks.Changeset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	commit, err := r.commit(id)
	if err != nil {
		return nil, err
	}
	return changesetFromCommit(commit), nil
}

func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant bookmarks.ChangesetID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ancestor == descendant {
		return true, nil
	}
	from, err := r.commit(descendant)
	if err != nil {
		return false, err
	}
	to, err := r.commit(ancestor)
	if err != nil {
		return false, err
	}
	ok, err := to.IsAncestor(from)
	if err != nil {
		return false, fmt.Errorf("ancestry walk %s..%s: %w", ancestor, descendant, err)
	}
	return ok, nil
}

func (r *Repo) AncestorsDifference(ctx context.Context, heads, excluded []bookmarks.ChangesetID, limit int) ([]bookmarks.ChangesetID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	excludedSet := map[plumbing.Hash]struct{}{}
	frontier := make([]plumbing.Hash, 0, len(excluded))
	for _, id := range excluded {
		frontier = append(frontier, HashFromChangeset(id))
	}
	for len(frontier) > 0 {
		hash := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, ok := excludedSet[hash]; ok {
			continue
		}
		excludedSet[hash] = struct{}{}
		if commit, err := r.repo.CommitObject(hash); err == nil {
			frontier = append(frontier, commit.ParentHashes...)
		}
	}

	var result []bookmarks.ChangesetID
	seen := map[plumbing.Hash]struct{}{}
	frontier = frontier[:0]
	for _, id := range heads {
		frontier = append(frontier, HashFromChangeset(id))
	}
	for len(frontier) > 0 {
		hash := frontier[0]
		frontier = frontier[1:]
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		if _, ok := excludedSet[hash]; ok {
			continue
		}
		commit, err := r.repo.CommitObject(hash)
		if err != nil {
			if err == plumbing.ErrObjectNotFound {
				return nil, fmt.Errorf("changeset %s: %w", ChangesetFromHash(hash), graph.ErrNotFound)
			}
			return nil, fmt.Errorf("read commit %s: %w", hash, err)
		}
		result = append(result, ChangesetFromHash(hash))
		if limit > 0 && len(result) > limit {
			return nil, fmt.Errorf("walking ancestors of %d heads: %w", len(heads), graph.ErrLimitExceeded)
		}
		frontier = append(frontier, commit.ParentHashes...)
	}
	return result, nil
}

package movement

import (
	"context"
	"fmt"

	"waypoint/api/internal/bookmarks"
)

// populateGitMappingTxnHook builds the transaction hook that records
// git SHA mappings for the target and every push-supplied changeset
// that carries one. Returns nil when there is nothing to record.
func populateGitMappingTxnHook(
	ctx context.Context,
	repo *Repo,
	target bookmarks.ChangesetID,
	newChangesets map[bookmarks.ChangesetID]*bookmarks.Changeset,
) (bookmarks.TxnHook, error) {
	var entries []bookmarks.GitMappingEntry
	for id, cs := range newChangesets {
		if cs.GitSHA != "" {
			entries = append(entries, bookmarks.GitMappingEntry{Changeset: id, GitSHA: cs.GitSHA})
		}
	}
	if _, ok := newChangesets[target]; !ok {
		cs, err := repo.Changesets.Changeset(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("load target changeset %s: %w", target, err)
		}
		if cs.GitSHA != "" {
			entries = append(entries, bookmarks.GitMappingEntry{Changeset: target, GitSHA: cs.GitSHA})
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &gitMappingHook{entries: entries}, nil
}

type gitMappingHook struct {
	entries []bookmarks.GitMappingEntry
}

func (h *gitMappingHook) Name() string { return "populate_git_mapping" }

func (h *gitMappingHook) Run(ctx context.Context, tx bookmarks.SideEffectTx) error {
	return tx.AddGitMappings(ctx, h.entries)
}

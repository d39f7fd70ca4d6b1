package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"waypoint/api/internal/bookmarks"
)

var builtins = map[string]func(params map[string]string) (Hook, error){
	"limit_commit_message_length": newLimitCommitMessageLength,
	"block_message_pattern":       newBlockMessagePattern,
	"block_merge_commits":         newBlockMergeCommits,
}

type limitCommitMessageLength struct {
	maxLength int
}

func newLimitCommitMessageLength(params map[string]string) (Hook, error) {
	raw, ok := params["max_length"]
	if !ok {
		return nil, fmt.Errorf("max_length param is required")
	}
	maxLength, err := strconv.Atoi(raw)
	if err != nil || maxLength <= 0 {
		return nil, fmt.Errorf("max_length must be a positive integer, got %q", raw)
	}
	return &limitCommitMessageLength{maxLength: maxLength}, nil
}

func (h *limitCommitMessageLength) Name() string { return "limit_commit_message_length" }

func (h *limitCommitMessageLength) Check(ctx context.Context, cs *bookmarks.Changeset) (*Rejection, error) {
	if len(cs.Message) > h.maxLength {
		return &Rejection{
			Hook:      h.Name(),
			Changeset: cs.ID,
			Reason:    fmt.Sprintf("commit message is %d bytes, limit is %d", len(cs.Message), h.maxLength),
		}, nil
	}
	return nil, nil
}

type blockMessagePattern struct {
	pattern *regexp.Regexp
}

func newBlockMessagePattern(params map[string]string) (Hook, error) {
	raw, ok := params["pattern"]
	if !ok {
		return nil, fmt.Errorf("pattern param is required")
	}
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	return &blockMessagePattern{pattern: pattern}, nil
}

func (h *blockMessagePattern) Name() string { return "block_message_pattern" }

func (h *blockMessagePattern) Check(ctx context.Context, cs *bookmarks.Changeset) (*Rejection, error) {
	if h.pattern.MatchString(cs.Message) {
		return &Rejection{
			Hook:      h.Name(),
			Changeset: cs.ID,
			Reason:    fmt.Sprintf("commit message matches blocked pattern %q", h.pattern),
		}, nil
	}
	return nil, nil
}

type blockMergeCommits struct{}

func newBlockMergeCommits(map[string]string) (Hook, error) {
	return blockMergeCommits{}, nil
}

func (blockMergeCommits) Name() string { return "block_merge_commits" }

func (blockMergeCommits) Check(ctx context.Context, cs *bookmarks.Changeset) (*Rejection, error) {
	if len(cs.Parents) > 1 {
		return &Rejection{
			Hook:      "block_merge_commits",
			Changeset: cs.ID,
			Reason:    "merge commits are not allowed on this bookmark",
		}, nil
	}
	return nil, nil
}

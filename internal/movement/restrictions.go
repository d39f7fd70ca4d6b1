package movement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"waypoint/api/internal/authz"
	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
)

// KindRestriction narrows which bookmark kinds an operation accepts.
type KindRestriction int

const (
	AnyKind KindRestriction = iota
	OnlyScratch
	OnlyPublishing
)

// PushSource records where the commits behind a movement originate.
// Movements replayed from another repo have already had their hooks
// run there.
type PushSource int

const (
	NativeToThisRepo PushSource = iota
	PushRedirected
)

func inScratchNamespace(cfg *config.RepoConfig, key bookmarks.Key) bool {
	return cfg.ScratchNamespace != "" && strings.HasPrefix(string(key), cfg.ScratchNamespace)
}

func publishingKind(cfg *config.RepoConfig, key bookmarks.Key) bookmarks.Kind {
	if config.MatchAny(cfg.PublishingOnly, string(key)) {
		return bookmarks.KindPublishing
	}
	return bookmarks.KindPullDefaultPublishing
}

// resolveKind decides the kind a bookmark will have after the
// movement, and enforces the operation's kind restriction against the
// repo's namespace layout.
func resolveKind(cfg *config.RepoConfig, restriction KindRestriction, key bookmarks.Key) (bookmarks.Kind, error) {
	scratch := inScratchNamespace(cfg, key)
	switch restriction {
	case OnlyScratch:
		if !scratch {
			return 0, policyViolation("bookmark %s is not in the scratch namespace %q", key, cfg.ScratchNamespace)
		}
	case OnlyPublishing:
		if scratch {
			return 0, policyViolation("bookmark %s is in the scratch namespace %q", key, cfg.ScratchNamespace)
		}
	}
	if scratch {
		return bookmarks.KindScratch, nil
	}
	return publishingKind(cfg, key), nil
}

// checkBookmarkSyncConfig refuses creation or deletion of bookmarks
// that a sync pipeline manages. Updates stay allowed so pushes can
// still land on them.
func checkBookmarkSyncConfig(cfg *config.RepoConfig, key bookmarks.Key, kind bookmarks.Kind) error {
	if !kind.IsPublishing() {
		return nil
	}
	if config.MatchAny(cfg.SyncControlled, string(key)) {
		return policyViolation("bookmark %s is managed by a sync pipeline and cannot be created or deleted directly", key)
	}
	return nil
}

// checkEnsureAncestorOf verifies the new target is reachable from each
// protected bookmark configured for this name.
func checkEnsureAncestorOf(ctx context.Context, repo *Repo, key bookmarks.Key, target bookmarks.ChangesetID) error {
	for _, rule := range repo.Config.EnsureAncestors {
		if !config.MatchBookmark(rule.Pattern, string(key)) {
			continue
		}
		protected, err := repo.Store.Bookmark(ctx, repo.Name, bookmarks.Key(rule.Ancestor))
		if err != nil {
			return fmt.Errorf("load protected bookmark %s: %w", rule.Ancestor, err)
		}
		if protected == nil {
			return policyViolation("bookmark %s must descend from %s, which does not exist", key, rule.Ancestor)
		}
		ok, err := repo.Graph.IsAncestor(ctx, target, protected.Target)
		if err != nil {
			return fmt.Errorf("check ancestry of %s against %s: %w", target, rule.Ancestor, err)
		}
		if !ok {
			return policyViolation("bookmark %s may only point to ancestors of %s", key, rule.Ancestor)
		}
	}
	return nil
}

// checkRepoLock refuses movements while the repo is locked, unless
// the caller carries the bypass pushvar and an allowed identity.
func checkRepoLock(ctx context.Context, repo *Repo, pushvars bookmarks.Pushvars, identities []string) error {
	if repo.Locks == nil {
		return nil
	}
	state, err := repo.Locks.Status(ctx, repo.Name)
	if err != nil {
		return fmt.Errorf("check repo lock: %w", err)
	}
	if !state.Locked {
		return nil
	}
	if pushvars.IsTrue("BYPASS_READONLY") {
		if identityAllowed(repo.Config.LockBypassIdentities, identities) {
			repo.logger().Info("repo lock bypassed",
				zap.String("repo", repo.Name),
				zap.Strings("identities", identities))
			return nil
		}
		return policyViolation("repo %s is locked and none of your identities may bypass it", repo.Name)
	}
	reason := state.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return policyViolation("repo %s is locked: %s", repo.Name, reason)
}

// checkAuthorization runs both gate checks. Denials surface as policy
// violations; in audit-only mode the gate logs and lets the movement
// proceed.
func checkAuthorization(ctx context.Context, authCtx *authz.Context, repo *Repo, op authz.RepoWriteOp, key bookmarks.Key) error {
	if err := authCtx.RequireRepoWrite(ctx, repo.Name, op); err != nil {
		return asPolicyViolation(err)
	}
	if err := authCtx.RequireBookmarkModify(ctx, repo.Name, key); err != nil {
		return asPolicyViolation(err)
	}
	return nil
}

func asPolicyViolation(err error) error {
	var denied *authz.DeniedError
	if errors.As(err, &denied) {
		return &Error{Kind: PolicyViolation, Message: denied.Error(), Err: denied}
	}
	return err
}

func identityAllowed(allowed, identities []string) bool {
	for _, a := range allowed {
		for _, id := range identities {
			if a == id {
				return true
			}
		}
	}
	return false
}

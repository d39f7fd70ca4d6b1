package authz

import (
	"context"
	"fmt"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
)

// RuleProvider answers ACL checks from the repo's configured rules.
type RuleProvider struct {
	acl config.ACLConfig
}

func NewRuleProvider(acl config.ACLConfig) *RuleProvider {
	return &RuleProvider{acl: acl}
}

func identityAllowed(allowed, identities []string) bool {
	for _, entry := range allowed {
		if entry == "*" {
			return true
		}
		for _, identity := range identities {
			if entry == identity {
				return true
			}
		}
	}
	return false
}

func (p *RuleProvider) CheckRepoWrite(ctx context.Context, repo string, identities []string, op RepoWriteOp) (Decision, error) {
	// No writers configured leaves the repo open.
	if len(p.acl.Writers) == 0 {
		return Decision{Allowed: true}, nil
	}
	if identityAllowed(p.acl.Writers, identities) {
		return Decision{Allowed: true}, nil
	}
	return Decision{Reason: fmt.Sprintf("none of the identities is a configured writer for %s", op)}, nil
}

func (p *RuleProvider) CheckBookmarkModify(ctx context.Context, repo string, identities []string, bookmark bookmarks.Key) (Decision, error) {
	for _, rule := range p.acl.Bookmarks {
		if !config.MatchBookmark(rule.Pattern, bookmark.String()) {
			continue
		}
		if identityAllowed(rule.Allowed, identities) {
			return Decision{Allowed: true}, nil
		}
		return Decision{Reason: fmt.Sprintf("bookmark rule %q does not allow any of the identities", rule.Pattern)}, nil
	}
	// No matching rule defers to the repo write ACL, which already passed.
	return Decision{Allowed: true}, nil
}

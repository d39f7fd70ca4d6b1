// Package authz gates repo and bookmark write access for an acting
// principal. The gate runs in one of two modes: enforcing, where a denial
// aborts the operation, and log-only, where a would-be denial is recorded and
// the operation proceeds. Log-only exists to measure the blast radius of a
// stricter policy before enabling enforcement; it must never be the default.
package authz

import (
	"context"
	"fmt"
	"strings"

	"waypoint/api/internal/bookmarks"

	"go.uber.org/zap"
)

// Mode selects how the gate treats a denial.
type Mode int

const (
	// ModeEnforce aborts the operation on denial.
	ModeEnforce Mode = iota
	// ModeLogOnly records the denial and proceeds as if authorized.
	ModeLogOnly
)

func (m Mode) String() string {
	if m == ModeLogOnly {
		return "log_only"
	}
	return "enforce"
}

// RepoWriteOp names the repo write operation being authorized.
type RepoWriteOp struct {
	Op   bookmarks.OperationType
	Kind bookmarks.Kind
}

func (op RepoWriteOp) String() string {
	return fmt.Sprintf("%s_bookmark(%s)", op.Op, op.Kind)
}

// Decision is the outcome of one ACL check.
type Decision struct {
	Allowed bool
	// Reason explains a denial for audit logging.
	Reason string
}

// Provider answers ACL questions; implementations live next to the policy
// source (config rules here, an external ACL service in larger deployments).
type Provider interface {
	CheckRepoWrite(ctx context.Context, repo string, identities []string, op RepoWriteOp) (Decision, error)
	CheckBookmarkModify(ctx context.Context, repo string, identities []string, bookmark bookmarks.Key) (Decision, error)
}

// DeniedError is the enforcing-mode authorization failure.
type DeniedError struct {
	Repo       string
	What       string
	Identities []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s in repo %s as [%s]", e.What, e.Repo, strings.Join(e.Identities, ", "))
}

// Context carries the acting principal's identities and the gate mode for
// one request.
type Context struct {
	provider   Provider
	identities []string
	mode       Mode
	logger     *zap.Logger
}

func NewContext(provider Provider, identities []string, mode Mode, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{provider: provider, identities: identities, mode: mode, logger: logger}
}

func (c *Context) Identities() []string { return c.identities }

func (c *Context) Mode() Mode { return c.mode }

// WithMode derives a context with a different gate mode for the same
// principal.
func (c *Context) WithMode(mode Mode) *Context {
	if mode == c.mode {
		return c
	}
	derived := *c
	derived.mode = mode
	return &derived
}

// CheckRepoWrite returns the raw decision without enforcing it.
func (c *Context) CheckRepoWrite(ctx context.Context, repo string, op RepoWriteOp) (Decision, error) {
	return c.provider.CheckRepoWrite(ctx, repo, c.identities, op)
}

// RequireRepoWrite enforces the repo write ACL. In log-only mode a denial is
// logged, with its reason, and the check passes.
func (c *Context) RequireRepoWrite(ctx context.Context, repo string, op RepoWriteOp) error {
	decision, err := c.provider.CheckRepoWrite(ctx, repo, c.identities, op)
	if err != nil {
		return fmt.Errorf("repo write ACL check: %w", err)
	}
	if decision.Allowed {
		return nil
	}
	if c.mode == ModeLogOnly {
		c.logger.Warn("repo write ACL check would fail",
			zap.String("repo", repo),
			zap.String("op", op.String()),
			zap.Strings("identities", c.identities),
			zap.String("reason", decision.Reason))
		return nil
	}
	return &DeniedError{Repo: repo, What: op.String(), Identities: c.identities}
}

// RequireBookmarkModify enforces the bookmark-specific modify ACL. Log-only
// mode applies here the same way it does for repo writes.
func (c *Context) RequireBookmarkModify(ctx context.Context, repo string, bookmark bookmarks.Key) error {
	decision, err := c.provider.CheckBookmarkModify(ctx, repo, c.identities, bookmark)
	if err != nil {
		return fmt.Errorf("bookmark modify ACL check: %w", err)
	}
	if decision.Allowed {
		return nil
	}
	if c.mode == ModeLogOnly {
		c.logger.Warn("bookmark modify ACL check would fail",
			zap.String("repo", repo),
			zap.String("bookmark", bookmark.String()),
			zap.Strings("identities", c.identities),
			zap.String("reason", decision.Reason))
		return nil
	}
	return &DeniedError{Repo: repo, What: fmt.Sprintf("modify bookmark %s", bookmark), Identities: c.identities}
}

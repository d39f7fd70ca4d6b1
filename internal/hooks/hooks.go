// Package hooks runs pluggable validation rules against the changesets
// affected by a bookmark movement. Hooks are declared in per-repo config and
// may be bypassed per hook via a commit-message token or a pushvar.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
)

// Rejection reports the first hook that rejected a changeset. Rejections are
// deterministic and attributable: they always name the hook and the
// changeset, never an aggregate pass/fail.
type Rejection struct {
	Hook      string
	Changeset bookmarks.ChangesetID
	Reason    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("hook %s rejected changeset %s: %s", r.Hook, r.Changeset, r.Reason)
}

// Hook is one validation rule. Check returns a non-nil Rejection when the
// changeset violates the rule, and an error only for infrastructure failure.
type Hook interface {
	Name() string
	Check(ctx context.Context, cs *bookmarks.Changeset) (*Rejection, error)
}

type registered struct {
	hook Hook
	cfg  config.HookConfig
}

// Manager evaluates a repo's configured hooks in declaration order.
type Manager struct {
	hooks []registered
}

// NewManager resolves the repo's hook declarations against the built-in
// registry.
func NewManager(cfg *config.RepoConfig) (*Manager, error) {
	m := &Manager{}
	for _, hookCfg := range cfg.Hooks {
		build, ok := builtins[hookCfg.Name]
		if !ok {
			return nil, fmt.Errorf("unknown hook %q", hookCfg.Name)
		}
		hook, err := build(hookCfg.Params)
		if err != nil {
			return nil, fmt.Errorf("configure hook %q: %w", hookCfg.Name, err)
		}
		m.hooks = append(m.hooks, registered{hook: hook, cfg: hookCfg})
	}
	return m, nil
}

// Validate runs every configured hook against every changeset, honoring
// per-hook bypasses, and returns the first Rejection encountered.
func (m *Manager) Validate(ctx context.Context, bookmark bookmarks.Key, changesets []*bookmarks.Changeset, pushvars bookmarks.Pushvars) error {
	for _, cs := range changesets {
		for _, reg := range m.hooks {
			if bypassed(reg.cfg, cs, pushvars) {
				continue
			}
			rejection, err := reg.hook.Check(ctx, cs)
			if err != nil {
				return fmt.Errorf("hook %s on %s: %w", reg.hook.Name(), cs.ID, err)
			}
			if rejection != nil {
				return rejection
			}
		}
	}
	return nil
}

func bypassed(cfg config.HookConfig, cs *bookmarks.Changeset, pushvars bookmarks.Pushvars) bool {
	if cfg.BypassCommitMessage != "" && strings.Contains(cs.Message, cfg.BypassCommitMessage) {
		return true
	}
	if cfg.BypassPushvar != "" {
		name, want, ok := strings.Cut(cfg.BypassPushvar, "=")
		if ok {
			if got, set := pushvars.Get(name); set && got == want {
				return true
			}
		}
	}
	return false
}

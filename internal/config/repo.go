package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAffectedChangesetsLimit bounds how many changesets a single movement
// may pull into hook validation when no per-repo limit is configured.
const DefaultAffectedChangesetsLimit = 1000

// HookConfig declares one hook to run against changesets affected by a
// movement, with its optional bypass tokens.
type HookConfig struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
	// BypassCommitMessage skips this hook for changesets whose commit
	// message contains the given token.
	BypassCommitMessage string `yaml:"bypass_commit_message"`
	// BypassPushvar skips this hook when the request carries the pushvar,
	// written as "NAME=value".
	BypassPushvar string `yaml:"bypass_pushvar"`
}

// EnsureAncestorRule requires targets of matching bookmarks to be reachable
// from a designated protected bookmark.
type EnsureAncestorRule struct {
	// Pattern matches bookmark names: exact, or prefix when ending in "/".
	Pattern string `yaml:"pattern"`
	// Ancestor is the protected bookmark the target must descend from.
	Ancestor string `yaml:"ancestor"`
}

// BookmarkACLRule restricts who may modify matching bookmarks.
type BookmarkACLRule struct {
	Pattern string `yaml:"pattern"`
	// Allowed identities; "*" matches everyone.
	Allowed []string `yaml:"allowed"`
}

// ACLConfig is the repo's write authorization policy. An empty writers list
// leaves the repo open, which is only appropriate for development setups.
type ACLConfig struct {
	// Writers may perform repo write operations; "*" matches everyone.
	Writers []string `yaml:"writers"`
	// Bookmarks holds per-bookmark modify restrictions checked on top of
	// the repo write ACL.
	Bookmarks []BookmarkACLRule `yaml:"bookmarks"`
}

// RepoConfig is the per-repo movement policy, loaded from YAML.
type RepoConfig struct {
	Repo string `yaml:"repo"`

	ACL ACLConfig `yaml:"acl"`

	// GitDir is the path of the git repository backing this repo's commit
	// graph. Empty when the repo is served without one.
	GitDir string `yaml:"git_dir"`

	// ScratchNamespace is the name prefix under which bookmarks resolve to
	// the scratch kind, e.g. "scratch/". Empty disables scratch bookmarks.
	ScratchNamespace string `yaml:"scratch_namespace"`
	// ScratchDeletesAllowed permits deleting bookmarks in the scratch
	// namespace.
	ScratchDeletesAllowed bool `yaml:"scratch_deletes_allowed"`

	// PublishingOnly lists patterns of bookmarks that resolve to plain
	// publishing rather than pull-default publishing.
	PublishingOnly []string `yaml:"publishing_only"`

	// AffectedChangesetsLimit caps ancestry traversal for hook validation.
	AffectedChangesetsLimit int `yaml:"affected_changesets_limit"`

	Hooks []HookConfig `yaml:"hooks"`

	// SyncControlled lists patterns of bookmarks a cross-repo
	// synchronization pipeline manages; clients may not create or delete
	// them directly.
	SyncControlled []string `yaml:"sync_controlled"`

	EnsureAncestors []EnsureAncestorRule `yaml:"ensure_ancestors"`

	// LockBypassIdentities may move bookmarks while the repo is locked,
	// provided the request carries the readonly-bypass pushvar.
	LockBypassIdentities []string `yaml:"lock_bypass_identities"`

	// AllowNonFastForward lists patterns of bookmarks that may be moved to
	// a target that does not descend from the current one, when the request
	// carries the non-fast-forward pushvar.
	AllowNonFastForward []string `yaml:"allow_non_fast_forward"`
}

// MatchBookmark reports whether a pattern matches a bookmark name. Patterns
// ending in "/" match as prefixes; everything else matches exactly.
func MatchBookmark(pattern, name string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(name, pattern)
	}
	return pattern == name
}

// MatchAny reports whether any of the patterns matches the bookmark name.
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if MatchBookmark(pattern, name) {
			return true
		}
	}
	return false
}

func (c *RepoConfig) applyDefaults() {
	if c.AffectedChangesetsLimit <= 0 {
		c.AffectedChangesetsLimit = DefaultAffectedChangesetsLimit
	}
}

// DefaultRepoConfig returns the policy used for repos with no config file.
func DefaultRepoConfig(repo string) *RepoConfig {
	cfg := &RepoConfig{
		Repo:                  repo,
		ScratchNamespace:      "scratch/",
		ScratchDeletesAllowed: true,
	}
	cfg.applyDefaults()
	return cfg
}

// LoadRepoConfig reads one repo policy file.
func LoadRepoConfig(path string) (*RepoConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repo config %s: %w", path, err)
	}
	var cfg RepoConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse repo config %s: %w", path, err)
	}
	if cfg.Repo == "" {
		cfg.Repo = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadRepoConfigs reads every *.yaml file in dir, keyed by repo name. A
// missing directory yields an empty map.
func LoadRepoConfigs(dir string) (map[string]*RepoConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*RepoConfig{}, nil
		}
		return nil, fmt.Errorf("read repo config dir: %w", err)
	}
	configs := make(map[string]*RepoConfig)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		cfg, err := LoadRepoConfig(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		configs[cfg.Repo] = cfg
	}
	return configs, nil
}

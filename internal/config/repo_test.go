package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRepoConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fbsource.yaml")
	contents := `
repo: fbsource
scratch_namespace: scratch/
affected_changesets_limit: 50
hooks:
  - name: limit_commit_message_length
    params:
      max_length: "200"
    bypass_pushvar: ALLOW_LONG_MESSAGES=true
sync_controlled:
  - master
ensure_ancestors:
  - pattern: releases/
    ancestor: master
lock_bypass_identities:
  - svc:landcastle
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRepoConfig(path)
	if err != nil {
		t.Fatalf("LoadRepoConfig failed: %v", err)
	}
	if cfg.Repo != "fbsource" {
		t.Errorf("repo = %q, want fbsource", cfg.Repo)
	}
	if cfg.AffectedChangesetsLimit != 50 {
		t.Errorf("limit = %d, want 50", cfg.AffectedChangesetsLimit)
	}
	if len(cfg.Hooks) != 1 || cfg.Hooks[0].Name != "limit_commit_message_length" {
		t.Fatalf("unexpected hooks: %+v", cfg.Hooks)
	}
	if cfg.Hooks[0].BypassPushvar != "ALLOW_LONG_MESSAGES=true" {
		t.Errorf("bypass pushvar = %q", cfg.Hooks[0].BypassPushvar)
	}
	if !MatchAny(cfg.SyncControlled, "master") {
		t.Error("master should be sync controlled")
	}
}

func TestLoadRepoConfigDefaultsRepoFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "www.yaml")
	if err := os.WriteFile(path, []byte("scratch_namespace: scratch/\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadRepoConfig(path)
	if err != nil {
		t.Fatalf("LoadRepoConfig failed: %v", err)
	}
	if cfg.Repo != "www" {
		t.Errorf("repo = %q, want www", cfg.Repo)
	}
	if cfg.AffectedChangesetsLimit != DefaultAffectedChangesetsLimit {
		t.Errorf("limit = %d, want default", cfg.AffectedChangesetsLimit)
	}
}

func TestLoadRepoConfigsMissingDir(t *testing.T) {
	configs, err := LoadRepoConfigs(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadRepoConfigs failed: %v", err)
	}
	if len(configs) != 0 {
		t.Errorf("expected empty map, got %d entries", len(configs))
	}
}

func TestMatchBookmark(t *testing.T) {
	if !MatchBookmark("releases/", "releases/v1") {
		t.Error("prefix pattern should match")
	}
	if MatchBookmark("releases/", "release") {
		t.Error("prefix pattern should not match shorter name")
	}
	if !MatchBookmark("master", "master") {
		t.Error("exact pattern should match")
	}
	if MatchBookmark("master", "master2") {
		t.Error("exact pattern should not prefix-match")
	}
}

package movement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"waypoint/api/internal/authz"
	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
	"waypoint/api/internal/graph"
	"waypoint/api/internal/hooks"
	"waypoint/api/internal/repolock"
	"waypoint/api/internal/scribe"
	"waypoint/api/internal/store"
)

func csid(b byte) bookmarks.ChangesetID {
	var id bookmarks.ChangesetID
	id[0] = b
	return id
}

func newCommit(b byte, parents ...bookmarks.ChangesetID) *bookmarks.Changeset {
	return &bookmarks.Changeset{
		ID:        csid(b),
		Parents:   parents,
		Author:    "arnold <arnold@example.com>",
		Message:   "commit " + string(rune('a'+b)),
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

type env struct {
	repo  *Repo
	store *store.MemoryStore
	graph *graph.Memory
}

// newEnv builds a repo with a linear history 1..3 whose head commit 3
// is published under main. Commits 4 and 5 extend it as drafts.
func newEnv(t *testing.T, cfg *config.RepoConfig) *env {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultRepoConfig("tundra")
	}
	g := graph.NewMemory()
	g.MustAdd(newCommit(1))
	g.MustAdd(newCommit(2, csid(1)))
	g.MustAdd(newCommit(3, csid(2)))
	g.MustAdd(newCommit(4, csid(3)))
	g.MustAdd(newCommit(5, csid(4)))

	st := store.NewMemoryStore()
	seed := st.CreateTransaction("tundra")
	if err := seed.Create("main", csid(3), bookmarks.ReasonTestMove); err != nil {
		t.Fatalf("seed main: %v", err)
	}
	if _, err := seed.Commit(context.Background(), nil); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	hookMgr, err := hooks.NewManager(cfg)
	if err != nil {
		t.Fatalf("hook manager: %v", err)
	}
	return &env{
		repo: &Repo{
			Name:       "tundra",
			Config:     cfg,
			Store:      st,
			Graph:      g,
			Changesets: g,
			Hooks:      hookMgr,
		},
		store: st,
		graph: g,
	}
}

func enforcing(identities ...string) *authz.Context {
	return authz.NewContext(authz.NewRuleProvider(config.ACLConfig{}), identities, authz.ModeEnforce, zap.NewNop())
}

func expectKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	kind, ok := KindOf(err)
	if !ok {
		t.Fatalf("want movement error of kind %s, got %v", want, err)
	}
	if kind != want {
		t.Fatalf("want error kind %s, got %s (%v)", want, kind, err)
	}
}

func TestCreatePublishingBookmark(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	logID, err := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonAPIRequest).
		WithNewChangesets([]*bookmarks.Changeset{newCommit(4, csid(3))}).
		Run(ctx, enforcing("user:arnold"), e.repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if logID == 0 {
		t.Errorf("publishing create should be logged, got id 0")
	}

	entry, err := e.store.Bookmark(ctx, "tundra", "releases/v1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry == nil || entry.Target != csid(4) {
		t.Fatalf("want releases/v1 at %s, got %+v", csid(4), entry)
	}
	if entry.Kind != bookmarks.KindPublishing {
		t.Errorf("want publishing kind, got %s", entry.Kind)
	}
}

func TestCreateScratchBookmarkSkipsLogAndHooks(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.Hooks = []config.HookConfig{{
		Name:   "limit_commit_message_length",
		Params: map[string]string{"max_length": "1"},
	}}
	e := newEnv(t, cfg)
	ctx := context.Background()

	// Every commit message is longer than one byte, so the hook would
	// reject any publishing movement. Scratch bookmarks skip it.
	logID, err := NewCreateOp("scratch/arnold/wip", csid(5), bookmarks.ReasonPush).
		OnlyIfScratch().
		Run(ctx, enforcing("user:arnold"), e.repo)
	if err != nil {
		t.Fatalf("scratch create: %v", err)
	}
	if logID != 0 {
		t.Errorf("scratch create should not be logged, got id %d", logID)
	}
	log, err := e.store.UpdateLog(ctx, "tundra", 10)
	if err != nil {
		t.Fatalf("update log: %v", err)
	}
	for _, le := range log {
		if le.Bookmark == "scratch/arnold/wip" {
			t.Errorf("scratch movement leaked into the update log: %+v", le)
		}
	}
}

func TestCreateKindRestrictions(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := NewCreateOp("feature", csid(4), bookmarks.ReasonPush).
		OnlyIfScratch().
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)

	_, err = NewCreateOp("scratch/arnold/x", csid(4), bookmarks.ReasonPush).
		OnlyIfPublishing().
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
}

func TestCreateHookRejection(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.Hooks = []config.HookConfig{{
		Name:          "block_message_pattern",
		Params:        map[string]string{"pattern": "commit e"},
		BypassPushvar: "ALLOW_E",
	}}
	e := newEnv(t, cfg)
	ctx := context.Background()

	_, err := NewCreateOp("releases/v1", csid(5), bookmarks.ReasonPush).
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, HookRejection)
	var me *Error
	if !errors.As(err, &me) || !strings.Contains(me.Message, "block_message_pattern") {
		t.Errorf("rejection should name the hook, got %v", err)
	}

	// The configured pushvar bypasses the hook for this push.
	pv := bookmarks.Pushvars{"ALLOW_E": []byte("true")}
	if _, err := NewCreateOp("releases/v2", csid(5), bookmarks.ReasonPush).
		WithPushvars(pv).
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("bypassed create: %v", err)
	}
}

func TestCreateRedirectedPushSkipsHooks(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.Hooks = []config.HookConfig{{
		Name:   "limit_commit_message_length",
		Params: map[string]string{"max_length": "1"},
	}}
	e := newEnv(t, cfg)

	_, err := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonPush).
		WithPushSource(PushRedirected).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	if err != nil {
		t.Fatalf("redirected create: %v", err)
	}
}

func TestCreateLimitExceeded(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.AffectedChangesetsLimit = 1
	e := newEnv(t, cfg)

	// Landing on commit 5 publishes both 4 and 5, one over the limit.
	_, err := NewCreateOp("releases/v1", csid(5), bookmarks.ReasonPush).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	expectKind(t, err, LimitExceeded)
}

func TestCreateDeniedByACL(t *testing.T) {
	e := newEnv(t, nil)
	acl := config.ACLConfig{Writers: []string{"user:frieda"}}
	authCtx := authz.NewContext(authz.NewRuleProvider(acl), []string{"user:arnold"}, authz.ModeEnforce, zap.NewNop())

	_, err := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonPush).
		Run(context.Background(), authCtx, e.repo)
	expectKind(t, err, PolicyViolation)

	if entry, _ := e.store.Bookmark(context.Background(), "tundra", "releases/v1"); entry != nil {
		t.Errorf("denied create must not touch the store, found %+v", entry)
	}
}

func TestCreateAuditOnlyACLWarnsAndProceeds(t *testing.T) {
	e := newEnv(t, nil)
	core, logs := observer.New(zap.WarnLevel)
	acl := config.ACLConfig{Writers: []string{"user:frieda"}}
	authCtx := authz.NewContext(authz.NewRuleProvider(acl), []string{"user:arnold"}, authz.ModeEnforce, zap.New(core))

	_, err := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonPush).
		OnlyLogACLChecks(true).
		Run(context.Background(), authCtx, e.repo)
	if err != nil {
		t.Fatalf("audit-only create: %v", err)
	}
	if entry, _ := e.store.Bookmark(context.Background(), "tundra", "releases/v1"); entry == nil {
		t.Errorf("audit-only denial must not block the movement")
	}
	if logs.Len() == 0 {
		t.Errorf("audit-only denial should be logged")
	}
}

func TestCreateSyncControlledRefused(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.SyncControlled = []string{"imported/"}
	e := newEnv(t, cfg)

	_, err := NewCreateOp("imported/main", csid(4), bookmarks.ReasonPush).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
}

func TestCreateEnsureAncestorOf(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.EnsureAncestors = []config.EnsureAncestorRule{{Pattern: "stable/", Ancestor: "main"}}
	e := newEnv(t, cfg)
	ctx := context.Background()

	// Commit 2 is behind main, so it qualifies.
	if _, err := NewCreateOp("stable/v0", csid(2), bookmarks.ReasonAPIRequest).
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("ancestor create: %v", err)
	}

	// Commit 4 is ahead of main and must be refused.
	_, err := NewCreateOp("stable/v1", csid(4), bookmarks.ReasonAPIRequest).
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
}

func TestRepoLockBlocksEvenScratch(t *testing.T) {
	e := newEnv(t, nil)
	e.repo.Locks = stubLocks{state: repolock.State{Locked: true, Reason: "maintenance"}}
	ctx := context.Background()

	_, err := NewCreateOp("scratch/arnold/wip", csid(5), bookmarks.ReasonPush).
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
	if !strings.Contains(err.Error(), "maintenance") {
		t.Errorf("lock reason should surface, got %v", err)
	}
	if entry, _ := e.store.Bookmark(ctx, "tundra", "scratch/arnold/wip"); entry != nil {
		t.Errorf("locked repo must stay untouched, found %+v", entry)
	}
}

func TestRepoLockBypass(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.LockBypassIdentities = []string{"svc:landcastle"}
	e := newEnv(t, cfg)
	e.repo.Locks = stubLocks{state: repolock.State{Locked: true, Reason: "maintenance"}}
	ctx := context.Background()
	pv := bookmarks.Pushvars{"BYPASS_READONLY": []byte("true")}

	// Pushvar alone is not enough.
	_, err := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonPush).
		WithPushvars(pv).
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)

	// Pushvar plus an allowed identity goes through.
	if _, err := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonPush).
		WithPushvars(pv).
		Run(ctx, enforcing("svc:landcastle"), e.repo); err != nil {
		t.Fatalf("bypass create: %v", err)
	}
}

func TestUpdateFastForwardPolicy(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.AllowNonFastForward = []string{"main"}
	e := newEnv(t, cfg)
	ctx := context.Background()

	// Forward move needs nothing special.
	if _, err := NewUpdateOp("main", csid(3), csid(4), bookmarks.ReasonPush).
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("fast-forward update: %v", err)
	}

	// Backward move without the pushvar is refused.
	_, err := NewUpdateOp("main", csid(4), csid(2), bookmarks.ReasonManualMove).
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)

	// With the pushvar and the bookmark configured, it lands.
	pv := bookmarks.Pushvars{"NON_FAST_FORWARD_MOVE": []byte("true")}
	if _, err := NewUpdateOp("main", csid(4), csid(2), bookmarks.ReasonManualMove).
		WithPushvars(pv).
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("non-fast-forward update: %v", err)
	}
	entry, _ := e.store.Bookmark(ctx, "tundra", "main")
	if entry == nil || entry.Target != csid(2) {
		t.Fatalf("want main at %s, got %+v", csid(2), entry)
	}
}

func TestUpdateNonFastForwardNotConfigured(t *testing.T) {
	e := newEnv(t, nil)
	pv := bookmarks.Pushvars{"NON_FAST_FORWARD_MOVE": []byte("true")}

	_, err := NewUpdateOp("main", csid(3), csid(2), bookmarks.ReasonManualMove).
		WithPushvars(pv).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
}

func TestUpdateStaleOldTargetConflicts(t *testing.T) {
	e := newEnv(t, nil)

	_, err := NewUpdateOp("main", csid(2), csid(4), bookmarks.ReasonPush).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	expectKind(t, err, CommitConflict)

	entry, _ := e.store.Bookmark(context.Background(), "tundra", "main")
	if entry == nil || entry.Target != csid(3) {
		t.Fatalf("conflicting update must not move the bookmark, got %+v", entry)
	}
}

func TestUpdateWritesGitMapping(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cs := newCommit(4, csid(3))
	cs.GitSHA = "9f2c7d3a1b4e5f60718293a4b5c6d7e8f901a2b3"
	if _, err := NewUpdateOp("main", csid(3), csid(4), bookmarks.ReasonPush).
		WithNewChangesets([]*bookmarks.Changeset{cs}).
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("update: %v", err)
	}

	sha, err := e.store.GitMapping(ctx, "tundra", csid(4))
	if err != nil {
		t.Fatalf("git mapping: %v", err)
	}
	if sha != cs.GitSHA {
		t.Errorf("want git sha %s, got %q", cs.GitSHA, sha)
	}
}

func TestDeletePublishingBookmark(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	logID, err := NewDeleteOp("main", csid(3), bookmarks.ReasonAPIRequest).
		Run(ctx, enforcing("user:arnold"), e.repo)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if logID == 0 {
		t.Errorf("publishing delete should be logged")
	}
	if entry, _ := e.store.Bookmark(ctx, "tundra", "main"); entry != nil {
		t.Errorf("bookmark should be gone, got %+v", entry)
	}
}

func TestDeleteScratchDisallowed(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.ScratchDeletesAllowed = false
	e := newEnv(t, cfg)
	ctx := context.Background()

	if _, err := NewCreateOp("scratch/arnold/wip", csid(5), bookmarks.ReasonPush).
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("scratch create: %v", err)
	}
	_, err := NewDeleteOp("scratch/arnold/wip", csid(5), bookmarks.ReasonAPIRequest).
		Run(ctx, enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
}

func TestDeleteSyncControlledRefused(t *testing.T) {
	cfg := config.DefaultRepoConfig("tundra")
	cfg.SyncControlled = []string{"main"}
	e := newEnv(t, cfg)

	_, err := NewDeleteOp("main", csid(3), bookmarks.ReasonAPIRequest).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	expectKind(t, err, PolicyViolation)
}

func TestOpConsumedOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	op := NewCreateOp("releases/v1", csid(4), bookmarks.ReasonPush)
	if _, err := op.Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := op.Run(ctx, enforcing("user:arnold"), e.repo); err == nil {
		t.Fatalf("second run of a consumed op must fail")
	}
}

func TestCommitForwardsToScribe(t *testing.T) {
	e := newEnv(t, nil)
	recs := make(chan scribe.Record, 1)
	e.repo.Scribe = chanScribe{recs: recs}
	ctx := context.Background()

	if _, err := NewUpdateOp("main", csid(3), csid(5), bookmarks.ReasonPushrebase).
		WithNewChangesets([]*bookmarks.Changeset{newCommit(4, csid(3)), newCommit(5, csid(4))}).
		LogNewPublicCommitsToScribe().
		Run(ctx, enforcing("user:arnold"), e.repo); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case rec := <-recs:
		if rec.Bookmark != "main" || rec.Operation != "update" {
			t.Errorf("unexpected record %+v", rec)
		}
		if len(rec.Commits) != 2 {
			t.Errorf("want 2 newly public commits in the record, got %v", rec.Commits)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no scribe record received")
	}
}

func TestFailedCommitNotForwardedToScribe(t *testing.T) {
	e := newEnv(t, nil)
	recs := make(chan scribe.Record, 1)
	e.repo.Scribe = chanScribe{recs: recs}

	_, err := NewUpdateOp("main", csid(2), csid(4), bookmarks.ReasonPush).
		Run(context.Background(), enforcing("user:arnold"), e.repo)
	expectKind(t, err, CommitConflict)

	select {
	case rec := <-recs:
		t.Fatalf("conflicting movement must not be forwarded, got %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
}

type stubLocks struct {
	state repolock.State
	err   error
}

func (s stubLocks) Status(ctx context.Context, repo string) (repolock.State, error) {
	return s.state, s.err
}

type chanScribe struct {
	recs chan scribe.Record
}

func (c chanScribe) Forward(ctx context.Context, rec scribe.Record) {
	c.recs <- rec
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"waypoint/api/internal/app"
	"waypoint/api/internal/auth"
	"waypoint/api/internal/blobstore"
	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/config"
	"waypoint/api/internal/graph"
	"waypoint/api/internal/graph/gitgraph"
	"waypoint/api/internal/hooks"
	"waypoint/api/internal/logger"
	"waypoint/api/internal/movement"
	"waypoint/api/internal/repolock"
	"waypoint/api/internal/scribe"
	"waypoint/api/internal/search"
	"waypoint/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	zlog, err := logger.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		zlog.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	locks, err := repolock.NewRedisProvider(cfg.RedisURL)
	if err != nil {
		zlog.Fatal("redis connection failed", zap.Error(err))
	}
	defer locks.Close()

	scribeSvc := scribe.NewService(
		scribe.NewStreamSink(locks.Client(), cfg.ScribeStream),
		zlog,
	)

	var blobs *blobstore.Store
	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		blobs, err = blobstore.New(cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
		if err != nil {
			zlog.Fatal("blobstore connection failed", zap.Error(err))
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			zlog.Warn("blobstore bucket check failed", zap.Error(err))
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, zlog)
		defer meiliClient.Close()
	}
	searchSvc := search.NewService(meiliClient, search.NewPgSearch(db), zlog)

	authSvc := auth.NewService(dataStore, cfg.TokenSecret, cfg.TokenTTL)

	repoConfigs, err := config.LoadRepoConfigs(cfg.RepoConfigDir)
	if err != nil {
		zlog.Fatal("repo config load failed", zap.Error(err))
	}
	if len(repoConfigs) == 0 {
		zlog.Warn("no repo configs found, serving nothing", zap.String("dir", cfg.RepoConfigDir))
	}

	service := app.NewService(dataStore, locks, authSvc, searchSvc, zlog)
	if blobs != nil {
		service.SetBlobstore(blobs)
	}
	if err := registerRepos(service, repoConfigs, blobs, scribeSvc, zlog); err != nil {
		zlog.Fatal("repo registration failed", zap.Error(err))
	}
	backfillSearch(ctx, dataStore, searchSvc, repoConfigs, zlog)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, zlog)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info("waypoint api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("shutdown error", zap.Error(err))
	}
}

func registerRepos(service *app.Service, repoConfigs map[string]*config.RepoConfig, blobs *blobstore.Store, scribeSvc *scribe.Service, zlog *zap.Logger) error {
	for _, repoCfg := range repoConfigs {
		var (
			g      movement.Graph
			source movement.ChangesetSource
		)
		if repoCfg.GitDir != "" {
			gitRepo, err := gitgraph.Open(repoCfg.GitDir)
			if err != nil {
				return err
			}
			g = gitRepo
			source = gitRepo
		} else {
			mem := graph.NewMemory()
			g = mem
			source = mem
		}
		if blobs != nil {
			source = blobSource{blobs: blobs, repo: repoCfg.Repo, fallback: source}
		}
		hookMgr, err := hooks.NewManager(repoCfg)
		if err != nil {
			return err
		}
		if err := service.AddRepo(repoCfg, g, source, hookMgr, scribeSvc); err != nil {
			return err
		}
		zlog.Info("serving repo",
			zap.String("repo", repoCfg.Repo),
			zap.String("git_dir", repoCfg.GitDir),
			zap.Int("hooks", len(repoCfg.Hooks)))
	}
	return nil
}

// backfillSearch seeds the movement index from the update log so
// search answers are complete after a restart.
func backfillSearch(ctx context.Context, dataStore *store.PostgresStore, searchSvc *search.Service, repoConfigs map[string]*config.RepoConfig, zlog *zap.Logger) {
	for name := range repoConfigs {
		entries, err := dataStore.UpdateLog(ctx, name, 500)
		if err != nil {
			zlog.Warn("update log backfill read failed", zap.String("repo", name), zap.Error(err))
			continue
		}
		recs := make([]search.MovementRecord, 0, len(entries))
		for _, entry := range entries {
			operation := "update"
			switch {
			case entry.FromChangeset == "":
				operation = "create"
			case entry.ToChangeset == "":
				operation = "delete"
			}
			recs = append(recs, search.MovementRecord{
				ID:        fmt.Sprintf("%s-%d", name, entry.ID),
				Repo:      entry.Repo,
				Bookmark:  entry.Bookmark,
				Operation: operation,
				Reason:    entry.Reason,
				From:      entry.FromChangeset,
				To:        entry.ToChangeset,
				Timestamp: entry.Timestamp,
			})
		}
		searchSvc.Backfill(recs)
	}
}

// blobSource reads changesets from the blobstore first and falls back
// to the commit graph for changesets that were never uploaded.
type blobSource struct {
	blobs    *blobstore.Store
	repo     string
	fallback movement.ChangesetSource
}

func (b blobSource) Changeset(ctx context.Context, id bookmarks.ChangesetID) (*bookmarks.Changeset, error) {
	cs, err := b.blobs.Changeset(ctx, b.repo, id)
	if err == nil {
		return cs, nil
	}
	if errors.Is(err, blobstore.ErrNotFound) && b.fallback != nil {
		return b.fallback.Changeset(ctx, id)
	}
	return nil, err
}

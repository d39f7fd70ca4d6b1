// Package blobstore keeps changeset payloads in object storage, keyed by
// content hash. The affected-changeset validator reads from here when a
// movement touches commits that were not supplied inline.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"waypoint/api/internal/bookmarks"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned for changesets the blobstore does not hold.
var ErrNotFound = errors.New("changeset blob not found")

type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to blobstore: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *Store) key(repo string, id bookmarks.ChangesetID) string {
	return fmt.Sprintf("changesets/%s/%s.json", repo, id)
}

// Changeset fetches one changeset payload.
func (s *Store) Changeset(ctx context.Context, repo string, id bookmarks.ChangesetID) (*bookmarks.Changeset, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(repo, id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("read changeset blob %s: %w", id, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("changeset %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read changeset blob %s: %w", id, err)
	}
	var cs bookmarks.Changeset
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode changeset blob %s: %w", id, err)
	}
	return &cs, nil
}

// PutChangeset stores one changeset payload under its content hash.
func (s *Store) PutChangeset(ctx context.Context, repo string, cs *bookmarks.Changeset) error {
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode changeset %s: %w", cs.ID, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(repo, cs.ID), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("write changeset blob %s: %w", cs.ID, err)
	}
	return nil
}

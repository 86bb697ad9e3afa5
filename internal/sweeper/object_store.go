package sweeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"git.home.luguber.info/inful/buildorch/internal/config"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
)

// ObjectStoreRemover deletes artifacts from an S3 compatible bucket, where
// each build's files live under "{prefix}/{buildId}/".
type ObjectStoreRemover struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStoreRemover creates a remover from the artifacts.s3 section.
func NewObjectStoreRemover(cfg config.S3Config) (*ObjectStoreRemover, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ferrors.ConfigError("object store remover needs an endpoint and a bucket").Build()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to create object store client").Build()
	}
	return &ObjectStoreRemover{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// objectPrefix returns the key prefix for buildID, always ending in "/".
func objectPrefix(prefix, buildID string) string {
	p := path.Join(strings.Trim(prefix, "/"), buildID)
	return strings.TrimPrefix(p, "/") + "/"
}

// RemoveArtifacts lists and deletes every object under the build's prefix.
func (r *ObjectStoreRemover) RemoveArtifacts(ctx context.Context, buildID string) error {
	prefix := objectPrefix(r.prefix, buildID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listed := r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	toRemove := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(toRemove)
		for obj := range listed {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case toRemove <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rmErr := range r.client.RemoveObjects(ctx, r.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("remove %s: %w", rmErr.ObjectName, rmErr.Err))
	}
	// RemoveObjects closes its result channel only after toRemove is drained,
	// so listErr is settled here.
	if listErr != nil {
		errs = append(errs, fmt.Errorf("list %s: %w", prefix, listErr))
	}
	if len(errs) > 0 {
		return ferrors.WrapError(errors.Join(errs...), ferrors.CategoryStore, "artifact removal incomplete").
			WithContext("bucket", r.bucket).
			WithContext("prefix", prefix).
			Retryable().
			Build()
	}
	return nil
}

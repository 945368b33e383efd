// Package archive keeps pre-apply document snapshots in object storage so an
// inconsistent document can be recovered by hand.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chronicle/anchoredit/internal/document"
	"chronicle/anchoredit/internal/util"
)

var ErrInvalidKey = errors.New("invalid archive key")

// Config describes the object store holding snapshots.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket" validate:"required_with=Endpoint"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MinioArchiver stores snapshots as plain text objects.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinioArchiver connects to the object store and makes sure the bucket
// exists.
func NewMinioArchiver(ctx context.Context, cfg Config) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive uploads snapshot and returns its object key.
func (a *MinioArchiver) Archive(ctx context.Context, documentID, requestID string, snapshot document.Snapshot) (string, error) {
	key, err := ObjectKey(documentID, requestID, snapshot.Version)
	if err != nil {
		return "", err
	}
	body := []byte(snapshot.Text)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "text/plain; charset=utf-8",
		UserMetadata: map[string]string{"document-id": documentID, "request-id": requestID},
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return key, nil
}

// Fetch downloads the snapshot text stored under key.
func (a *MinioArchiver) Fetch(ctx context.Context, key string) (document.Snapshot, error) {
	if _, _, _, err := ParseKey(key); err != nil {
		return document.Snapshot{}, err
	}
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	return document.NewSnapshot(string(body)), nil
}

// ObjectKey builds "<document>/<request>/<version>.txt".
func ObjectKey(documentID, requestID, version string) (string, error) {
	if !util.ValidID(documentID) || !util.ValidID(requestID) || !isHex(version) {
		return "", fmt.Errorf("%w: %s/%s/%s", ErrInvalidKey, documentID, requestID, version)
	}
	return documentID + "/" + requestID + "/" + version + ".txt", nil
}

// ParseKey splits an object key back into its parts.
func ParseKey(key string) (documentID, requestID, version string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[2], ".txt") {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	documentID, requestID, version = parts[0], parts[1], strings.TrimSuffix(parts[2], ".txt")
	if _, err := ObjectKey(documentID, requestID, version); err != nil {
		return "", "", "", err
	}
	return documentID, requestID, version, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

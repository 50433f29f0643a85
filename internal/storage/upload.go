package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ObjectAPI uploads and deletes objects.  *platform.Client satisfies it.
type ObjectAPI interface {
	Upload(ctx context.Context, bucket, objectPath, contentType string, r io.Reader, upsert bool) error
	RemoveObjects(ctx context.Context, bucket string, paths []string) error
}

var (
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
)

// Uploader stores user files under random keys and enforces the manifest's
// limits before anything is sent.
type Uploader struct {
	api      ObjectAPI
	manifest Manifest
	log      *zap.Logger
}

// NewUploader returns an Uploader.  An empty manifest disables the local
// checks and leaves them to the platform.
func NewUploader(api ObjectAPI, m Manifest, log *zap.Logger) *Uploader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Uploader{api: api, manifest: m, log: log}
}

// File is an upload request.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// ObjectKey builds <prefix>/<uuid><ext> with a lower-cased extension taken
// from the client's filename.
func ObjectKey(prefix, filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > 10 {
		ext = ""
	}
	return path.Join(strings.Trim(prefix, "/"), uuid.NewString()+ext)
}

// Put uploads f into bucket under prefix and returns the object path.
func (u *Uploader) Put(ctx context.Context, bucket, prefix string, f File) (string, error) {
	if spec, ok := u.manifest.Bucket(bucket); ok {
		if spec.FileSizeLimit > 0 && f.Size > spec.FileSizeLimit {
			return "", fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, f.Size, spec.FileSizeLimit)
		}
		if !spec.allows(f.ContentType) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedType, f.ContentType)
		}
	}
	key := ObjectKey(prefix, f.Name)
	if err := u.api.Upload(ctx, bucket, key, f.ContentType, f.Body, false); err != nil {
		return "", fmt.Errorf("upload to %s: %w", bucket, err)
	}
	u.log.Info("object stored", zap.String("bucket", bucket), zap.String("path", key), zap.Int64("bytes", f.Size))
	return key, nil
}

// Remove deletes objects written by Put.
func (u *Uploader) Remove(ctx context.Context, bucket string, paths ...string) error {
	if err := u.api.RemoveObjects(ctx, bucket, paths); err != nil {
		return err
	}
	u.log.Debug("objects removed", zap.String("bucket", bucket), zap.Strings("paths", paths))
	return nil
}

package handler

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinIO serves documents from one bucket of an S3 compatible store.
// Credentials: endpoint, access_key, secret_key, bucket and optionally
// secure ("true").
type MinIO struct {
	client *minio.Client
	bucket string
	mode   WriteMode
}

func NewMinIO(ctx context.Context, creds models.Credentials) (Handler, error) {
	if err := required(creds, "endpoint", "access_key", "secret_key", "bucket"); err != nil {
		return nil, err
	}
	client, err := minio.New(creds["endpoint"], &minio.Options{
		Creds:  credentials.NewStaticV4(creds["access_key"], creds["secret_key"], ""),
		Secure: strings.EqualFold(creds["secure"], "true"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	exists, err := client.BucketExists(ctx, creds["bucket"])
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", creds["bucket"])
	}
	if !exists {
		if err := client.MakeBucket(ctx, creds["bucket"], minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "create bucket %s", creds["bucket"])
		}
	}
	return &MinIO{client: client, bucket: creds["bucket"]}, nil
}

func (m *MinIO) SetWriteMode(mode WriteMode) { m.mode = mode }

func (m *MinIO) ListDocuments(ctx context.Context, root, ext string, recursive bool) ([]File, error) {
	prefix := objectKey(root)
	if prefix != "" {
		if info, err := m.client.StatObject(ctx, m.bucket, prefix, minio.StatObjectOptions{}); err == nil {
			return []File{{Path: prefix, Name: path.Base(prefix), Size: info.Size}}, nil
		}
		prefix += "/"
	}

	var files []File
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "list %s", root)
		}
		if strings.HasSuffix(obj.Key, "/") || !MatchesExtension(obj.Key, ext) {
			continue
		}
		files = append(files, File{Path: obj.Key, Name: path.Base(obj.Key), Size: obj.Size})
	}
	return files, nil
}

func (m *MinIO) ReadDocuments(ctx context.Context, paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		key := objectKey(p)
		obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "get %s", key)
		}
		data, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", key)
		}
		files = append(files, File{Path: key, Name: path.Base(key), Size: int64(len(data)), Data: data})
	}
	return files, nil
}

func (m *MinIO) WriteDocuments(ctx context.Context, files []File, dir string) error {
	for _, f := range files {
		key := objectKey(dir, f.Path)
		if m.mode == Append {
			exists, err := m.Exists(ctx, key)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
		}
		_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(f.Data), int64(len(f.Data)),
			minio.PutObjectOptions{ContentType: "text/plain"})
		if err != nil {
			return errors.Wrapf(err, "put %s", key)
		}
	}
	return nil
}

func (m *MinIO) Exists(ctx context.Context, p string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, objectKey(p), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return true, nil
}

func (m *MinIO) Shutdown() error {
	return nil
}

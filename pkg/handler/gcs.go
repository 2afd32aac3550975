package handler

import (
	"context"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS serves documents from one Cloud Storage bucket. Credentials: bucket
// and optionally credentials_json. Without it the default application
// credentials are used.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	mode   WriteMode
}

func NewGCS(ctx context.Context, creds models.Credentials) (Handler, error) {
	if err := required(creds, "bucket"); err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if js := creds["credentials_json"]; js != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(js)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create storage client")
	}
	return &GCS{client: client, bucket: client.Bucket(creds["bucket"])}, nil
}

func (g *GCS) SetWriteMode(mode WriteMode) { g.mode = mode }

func (g *GCS) ListDocuments(ctx context.Context, root, ext string, recursive bool) ([]File, error) {
	prefix := objectKey(root)
	if prefix != "" {
		if attrs, err := g.bucket.Object(prefix).Attrs(ctx); err == nil {
			return []File{{Path: attrs.Name, Name: path.Base(attrs.Name), Size: attrs.Size}}, nil
		}
		prefix += "/"
	}
	query := &storage.Query{Prefix: prefix}
	if !recursive {
		query.Delimiter = "/"
	}

	var files []File
	it := g.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", root)
		}
		if attrs.Name == "" || !MatchesExtension(attrs.Name, ext) {
			continue
		}
		files = append(files, File{Path: attrs.Name, Name: path.Base(attrs.Name), Size: attrs.Size})
	}
	return files, nil
}

func (g *GCS) ReadDocuments(ctx context.Context, paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		name := objectKey(p)
		r, err := g.bucket.Object(name).NewReader(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", name)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		files = append(files, File{Path: name, Name: path.Base(name), Size: int64(len(data)), Data: data})
	}
	return files, nil
}

func (g *GCS) WriteDocuments(ctx context.Context, files []File, dir string) error {
	for _, f := range files {
		name := objectKey(dir, f.Path)
		obj := g.bucket.Object(name)
		if g.mode == Append {
			obj = obj.If(storage.Conditions{DoesNotExist: true})
		}
		w := obj.NewWriter(ctx)
		w.ContentType = "text/plain"
		if _, err := w.Write(f.Data); err != nil {
			_ = w.Close()
			if isPreconditionFailed(err) {
				continue
			}
			return errors.Wrapf(err, "write %s", name)
		}
		if err := w.Close(); err != nil {
			if isPreconditionFailed(err) {
				continue
			}
			return errors.Wrapf(err, "finalize %s", name)
		}
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (g *GCS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := g.bucket.Object(objectKey(p)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", p)
	}
	return true, nil
}

func (g *GCS) Shutdown() error {
	return g.client.Close()
}

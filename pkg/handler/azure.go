package handler

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

// Azure serves documents from one blob container. Credentials: account_name,
// account_key, container and optionally service_url (for Azurite).
type Azure struct {
	client    *azblob.Client
	container string
	mode      WriteMode
}

func NewAzure(_ context.Context, creds models.Credentials) (Handler, error) {
	if err := required(creds, "account_name", "account_key", "container"); err != nil {
		return nil, err
	}
	serviceURL := creds["service_url"]
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", creds["account_name"])
	}
	credential, err := azblob.NewSharedKeyCredential(creds["account_name"], creds["account_key"])
	if err != nil {
		return nil, errors.Wrap(err, "create shared key credential")
	}
	var opts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		opts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true},
		}
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, opts)
	if err != nil {
		return nil, errors.Wrap(err, "create blob client")
	}
	return &Azure{client: client, container: creds["container"]}, nil
}

func (a *Azure) SetWriteMode(mode WriteMode) { a.mode = mode }

func (a *Azure) ListDocuments(ctx context.Context, root, ext string, recursive bool) ([]File, error) {
	prefix := objectKey(root)
	if prefix != "" {
		props, err := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(prefix).GetProperties(ctx, nil)
		if err == nil {
			var size int64
			if props.ContentLength != nil {
				size = *props.ContentLength
			}
			return []File{{Path: prefix, Name: path.Base(prefix), Size: size}}, nil
		}
		prefix += "/"
	}

	var files []File
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", root)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := *item.Name
			if !recursive && !directChild(prefix, name) {
				continue
			}
			if !MatchesExtension(name, ext) {
				continue
			}
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			files = append(files, File{Path: name, Name: path.Base(name), Size: size})
		}
	}
	return files, nil
}

func (a *Azure) ReadDocuments(ctx context.Context, paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		name := objectKey(p)
		resp, err := a.client.DownloadStream(ctx, a.container, name, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "download %s", name)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		files = append(files, File{Path: name, Name: path.Base(name), Size: int64(len(data)), Data: data})
	}
	return files, nil
}

func (a *Azure) WriteDocuments(ctx context.Context, files []File, dir string) error {
	for _, f := range files {
		name := objectKey(dir, f.Path)
		opts := &azblob.UploadBufferOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("text/plain")},
		}
		if a.mode == Append {
			opts.AccessConditions = &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
			}
		}
		if _, err := a.client.UploadBuffer(ctx, a.container, name, f.Data, opts); err != nil {
			if a.mode == Append && bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
				continue
			}
			return errors.Wrapf(err, "upload %s", name)
		}
	}
	return nil
}

func (a *Azure) Exists(ctx context.Context, p string) (bool, error) {
	_, err := a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(objectKey(p)).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "get properties of %s", p)
	}
	return true, nil
}

func (a *Azure) Shutdown() error {
	return nil
}

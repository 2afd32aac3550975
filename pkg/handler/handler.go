// Package handler reads and writes documents on the supported providers.
package handler

import (
	"context"
	"path"
	"strings"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported document provider")
	ErrMissingConnection   = errors.New("provider connection not found")
	ErrOutsideRoot         = errors.New("path escapes the handler root")
)

// File is a document on a provider. Data is only set once the file is read
// or when it is about to be written.
type File struct {
	Path string
	Name string
	Size int64
	Data []byte
}

// Handler is the document access contract every provider implements.
type Handler interface {
	ListDocuments(ctx context.Context, root, ext string, recursive bool) ([]File, error)
	ReadDocuments(ctx context.Context, paths []string) ([]File, error)
	WriteDocuments(ctx context.Context, files []File, dir string) error
	Exists(ctx context.Context, p string) (bool, error)
	Shutdown() error
}

// FolderPicker is implemented by handlers that accept a comma separated list
// of input paths.
type FolderPicker interface {
	PicksFolders() bool
}

type WriteMode int

const (
	Overwrite WriteMode = iota
	Append
)

func (m WriteMode) String() string {
	if m == Append {
		return "append"
	}
	return "overwrite"
}

// WriteModer is implemented by handlers that can skip existing files.
type WriteModer interface {
	SetWriteMode(mode WriteMode)
}

// Factory builds a handler from the credentials of a provider connection.
type Factory func(ctx context.Context, creds models.Credentials) (Handler, error)

// Registry resolves provider kinds to handlers.
type Registry struct {
	localRoot string
	factories map[models.ProviderKind]Factory
}

// NewRegistry registers the built in backends. Local drive and uploaded
// file inputs resolve under localRoot.
func NewRegistry(localRoot string) *Registry {
	r := &Registry{
		localRoot: localRoot,
		factories: make(map[models.ProviderKind]Factory),
	}
	local := func(context.Context, models.Credentials) (Handler, error) {
		return NewLocalDrive(localRoot)
	}
	r.Register(models.ProviderLocalDrive, local)
	r.Register(models.ProviderFile, local)
	r.Register(models.ProviderMinio, NewMinIO)
	r.Register(models.ProviderAzure, NewAzure)
	r.Register(models.ProviderGCS, NewGCS)
	return r
}

func (r *Registry) LocalRoot() string {
	return r.localRoot
}

// Register adds or replaces the factory of a provider kind.
func (r *Registry) Register(kind models.ProviderKind, factory Factory) {
	r.factories[kind] = factory
}

// Resolve returns the handler of a provider connection. NONE resolves to a
// nil handler and no error.
func (r *Registry) Resolve(ctx context.Context, kind models.ProviderKind, connectionID string, user models.User) (Handler, error) {
	if kind == models.ProviderNone {
		return nil, nil
	}
	factory, ok := r.factories[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedProvider, "%s", kind)
	}
	var creds models.Credentials
	if kind.IsCloud() {
		c, ok := user.Connection(kind, connectionID)
		if !ok {
			return nil, errors.Wrapf(ErrMissingConnection, "%s connection %q of user %s", kind, connectionID, user.ID)
		}
		creds = c
	}
	h, err := factory(ctx, creds)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s handler", kind)
	}
	return h, nil
}

// MatchesExtension reports whether name has extension ext. An empty ext
// matches every name.
func MatchesExtension(name, ext string) bool {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(path.Ext(name), "."), ext)
}

// ReplaceExtension swaps the extension of p for ext.
func ReplaceExtension(p, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return p
	}
	return strings.TrimSuffix(p, path.Ext(p)) + "." + ext
}

func required(creds models.Credentials, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if creds[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// objectKey joins a list prefix and a relative document path the way object
// stores expect it.
func objectKey(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// directChild reports whether key sits directly below prefix.
func directChild(prefix, key string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
	return !strings.Contains(rest, "/")
}

package engine

import (
	"context"
	"path"
	"sort"

	"github.com/ignatij/docflow/pkg/handler"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

type ReaderOptions struct {
	Paths       []string
	Extension   string
	Language    string
	MinimumSize int64
	SortBySize  bool
	CheckTarget bool
	Recursive   bool

	Output          handler.Handler
	OutputPath      string
	OutputExtension string
}

// Reader materializes the documents of a process from its input handler.
type Reader struct {
	input      handler.Handler
	opts       ReaderOptions
	docs       []*models.Document
	initial    int
	skipped    int
	totalBytes int64
}

// NewReader lists the configured input paths. Documents below the minimum
// size, and with CheckTarget documents already present on the output, are
// counted as skipped.
func NewReader(ctx context.Context, input handler.Handler, opts ReaderOptions) (*Reader, error) {
	if input == nil {
		return nil, errors.New("reader needs an input handler")
	}
	r := &Reader{input: input, opts: opts}
	roots := opts.Paths
	if len(roots) == 0 {
		roots = []string{""}
	}

	seen := make(map[string]bool)
	var files []handler.File
	for _, root := range roots {
		listed, err := input.ListDocuments(ctx, root, opts.Extension, opts.Recursive)
		if err != nil {
			return nil, errors.Wrapf(err, "list input %q", root)
		}
		for _, f := range listed {
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			files = append(files, f)
		}
	}
	r.initial = len(files)

	for _, f := range files {
		skip, err := r.skip(ctx, f)
		if err != nil {
			return nil, err
		}
		if skip {
			r.skipped++
			continue
		}
		r.docs = append(r.docs, models.NewDocument(f.Path, f.Name, f.Size))
		r.totalBytes += f.Size
	}
	if opts.SortBySize {
		sort.SliceStable(r.docs, func(i, j int) bool { return r.docs[i].Size() < r.docs[j].Size() })
	}
	return r, nil
}

func (r *Reader) skip(ctx context.Context, f handler.File) (bool, error) {
	if f.Size < r.opts.MinimumSize {
		return true, nil
	}
	if r.opts.CheckTarget && r.opts.Output != nil {
		exists, err := r.opts.Output.Exists(ctx, r.targetPath(f.Path))
		if err != nil {
			return false, errors.Wrapf(err, "check target of %s", f.Path)
		}
		return exists, nil
	}
	return false, nil
}

func (r *Reader) outputName(p string) string {
	return handler.ReplaceExtension(p, r.opts.OutputExtension)
}

func (r *Reader) targetPath(p string) string {
	return path.Join(r.opts.OutputPath, r.outputName(p))
}

func (r *Reader) Documents() []*models.Document { return r.docs }
func (r *Reader) Language() string              { return r.opts.Language }
func (r *Reader) Initial() int                  { return r.initial }
func (r *Reader) Skipped() int                  { return r.skipped }
func (r *Reader) TotalBytes() int64             { return r.totalBytes }

// Paths returns the document paths in processing order.
func (r *Reader) Paths() []string {
	paths := make([]string, 0, len(r.docs))
	for _, d := range r.docs {
		paths = append(paths, d.Path())
	}
	return paths
}

func (r *Reader) Load(ctx context.Context, doc *models.Document) error {
	files, err := r.input.ReadDocuments(ctx, []string{doc.Path()})
	if err != nil {
		return err
	}
	if len(files) != 1 {
		return errors.Errorf("expected one file for %s, got %d", doc.Path(), len(files))
	}
	doc.SetData(files[0].Data)
	return nil
}

func (r *Reader) Store(ctx context.Context, doc *models.Document, result []byte) error {
	if r.opts.Output == nil {
		return nil
	}
	return r.opts.Output.WriteDocuments(ctx, []handler.File{{
		Path: r.outputName(doc.Path()),
		Name: path.Base(r.outputName(doc.Path())),
		Size: int64(len(result)),
		Data: result,
	}}, r.opts.OutputPath)
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

// Request is one unit of work handed to a component instance.
type Request struct {
	Path     string
	Text     []byte
	Language string
	Options  map[string]string
}

// Result is what a component instance made of a request.
type Result struct {
	Payload     string
	Annotations map[string]int
	Durations   models.PhaseDurations
}

// Driver starts component instances of one kind.
type Driver interface {
	Name() string
	Setup(ctx context.Context) error
	Instantiate(ctx context.Context, c models.PipelineComponent, index int) (Instance, error)
	Shutdown(ctx context.Context) error
}

// Instance is one running copy of a component.
type Instance interface {
	ID() string
	Endpoint() string
	Process(ctx context.Context, req Request) (Result, error)
	Close() error
}

// Func is an in-process component implementation.
type Func func(ctx context.Context, req Request) (Result, error)

// BuiltinDriver runs components implemented as Go functions. The component
// target names the function.
type BuiltinDriver struct {
	funcs map[string]Func
}

func NewBuiltinDriver() *BuiltinDriver {
	d := &BuiltinDriver{funcs: make(map[string]Func)}
	d.Register("wordcount", WordCount)
	d.Register("linecount", LineCount)
	return d
}

func (d *BuiltinDriver) Register(name string, fn Func) {
	d.funcs[name] = fn
}

func (d *BuiltinDriver) Name() string { return "builtin" }

func (d *BuiltinDriver) Setup(context.Context) error { return nil }

func (d *BuiltinDriver) Instantiate(_ context.Context, c models.PipelineComponent, index int) (Instance, error) {
	fn, ok := d.funcs[c.Target]
	if !ok {
		return nil, errors.Errorf("builtin component %q is not registered", c.Target)
	}
	return &builtinInstance{id: fmt.Sprintf("%s-%d", c.ID, index), target: c.Target, fn: fn}, nil
}

func (d *BuiltinDriver) Shutdown(context.Context) error { return nil }

type builtinInstance struct {
	id     string
	target string
	fn     Func
}

func (i *builtinInstance) ID() string       { return i.id }
func (i *builtinInstance) Endpoint() string { return "builtin://" + i.target }
func (i *builtinInstance) Close() error     { return nil }

func (i *builtinInstance) Process(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := i.fn(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if res.Durations.Process == 0 {
		res.Durations.Process = time.Since(start).Milliseconds()
	}
	return res, nil
}

// WordCount annotates the number of whitespace separated words.
func WordCount(_ context.Context, req Request) (Result, error) {
	n := len(strings.Fields(string(req.Text)))
	return Result{Payload: fmt.Sprintf("%d words", n), Annotations: map[string]int{"Word": n}}, nil
}

// LineCount annotates the number of non blank lines.
func LineCount(_ context.Context, req Request) (Result, error) {
	n := 0
	for _, line := range strings.Split(string(req.Text), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return Result{Payload: fmt.Sprintf("%d lines", n), Annotations: map[string]int{"Line": n}}, nil
}

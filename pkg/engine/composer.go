package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type component struct {
	def       models.PipelineComponent
	driver    string
	instances []Instance
	next      atomic.Uint64
}

// pick hands out instances round robin.
func (c *component) pick() Instance {
	n := c.next.Add(1) - 1
	return c.instances[n%uint64(len(c.instances))]
}

var _ Sharer = (*Composer)(nil)

type ComposerOption func(*Composer)

func WithDriver(d Driver) ComposerOption {
	return func(c *Composer) { c.drivers[d.Name()] = d }
}

// WithIgnoreErrors keeps a run going when single documents fail.
func WithIgnoreErrors(ignore bool) ComposerOption {
	return func(c *Composer) { c.ignoreErrors = ignore }
}

// pool holds the drivers and component instances a composer set up. It is
// shared by every view attached to the composer.
type pool struct {
	mu            sync.Mutex
	ready         map[string]Driver
	components    []*component
	statuses      map[string]models.Status
	instantiation time.Duration
}

// Composer is the in-process engine. Documents are fanned out over a bounded
// group of workers and run through every component in pipeline order.
//
// A Composer runs one collection at a time. Processes sharing a set up
// composer each run on their own view from Attach.
type Composer struct {
	logger       Logger
	drivers      map[string]Driver
	ignoreErrors bool
	pool         *pool

	mu        sync.Mutex
	observers []Observer
	workers   int
	docs      []*models.Document
	cancel    context.CancelFunc

	interrupted atomic.Bool
	seq         atomic.Uint64
	progress    atomic.Int64
	read        atomic.Int64
	usedBytes   atomic.Int64
}

// NewComposer creates an engine with the builtin and remote drivers. Options
// may add or replace drivers.
func NewComposer(logger Logger, opts ...ComposerOption) *Composer {
	c := &Composer{
		logger:  logger,
		drivers: make(map[string]Driver),
		workers: 1,
		pool: &pool{
			ready:    make(map[string]Driver),
			statuses: make(map[string]models.Status),
		},
	}
	WithDriver(NewBuiltinDriver())(c)
	WithDriver(NewRemoteDriver(nil))(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach returns a view of the composer for one more process. The view uses
// the drivers and components set up here but has its own observers,
// documents and interruption. Detaching the view leaves the composer and
// its other views running.
func (c *Composer) Attach() Engine {
	return &Composer{
		logger:       c.logger,
		drivers:      c.drivers,
		ignoreErrors: c.ignoreErrors,
		pool:         c.pool,
		workers:      1,
	}
}

func (c *Composer) AddProcessObserver(fn Observer) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Composer) WithWorkers(n int) {
	c.mu.Lock()
	c.workers = max(1, n)
	c.mu.Unlock()
}

func (c *Composer) Documents() []*models.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs
}

func (c *Composer) DocumentPaths() []string {
	docs := c.Documents()
	paths := make([]string, 0, len(docs))
	for _, d := range docs {
		paths = append(paths, d.Path())
	}
	return paths
}

func (c *Composer) InstantiationDuration() time.Duration {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.pool.instantiation
}

func (c *Composer) SetupDrivers(ctx context.Context, p models.Pipeline) error {
	for _, name := range p.Drivers() {
		d, ok := c.drivers[name]
		if !ok {
			return errors.Errorf("driver %q is not available", name)
		}
		if err := d.Setup(ctx); err != nil {
			return errors.Wrapf(err, "setup driver %s", name)
		}
		c.pool.mu.Lock()
		c.pool.ready[name] = d
		c.pool.mu.Unlock()
		c.emit(models.SenderDriver, models.LevelInfo, "Driver ready",
			models.DriverContext{Driver: name, Payload: models.Payload{Status: models.StatusActive}},
			models.NewDriverUpsert(models.UpdateMeta{}, name, map[string]interface{}{
				"name":   name,
				"status": models.StatusActive,
			}))
	}
	return nil
}

func (c *Composer) SetupComponents(ctx context.Context, p models.Pipeline) error {
	start := time.Now()
	for _, def := range p.Components {
		c.pool.mu.Lock()
		d, ok := c.pool.ready[def.Driver]
		c.pool.mu.Unlock()
		if !ok {
			return errors.Errorf("driver %q of component %s is not set up", def.Driver, def.ID)
		}

		comp := &component{def: def, driver: def.Driver}
		for i := 0; i < max(1, def.Scale); i++ {
			inst, err := d.Instantiate(ctx, def, i)
			if err != nil {
				return errors.Wrapf(err, "instantiate component %s", def.ID)
			}
			comp.instances = append(comp.instances, inst)
		}

		cc := componentContext(comp, models.StatusActive)
		c.emit(models.SenderComponent, models.LevelInfo, "Component ready", cc,
			models.NewComponentUpsert(models.UpdateMeta{}, def.ID, map[string]interface{}{
				"name":         def.Name,
				"driver":       def.Driver,
				"status":       models.StatusActive,
				"scale":        len(comp.instances),
				"is_segmented": def.Segmented,
			}))
		for _, inst := range comp.instances {
			c.emit(models.SenderComponent, models.LevelDebug, "Instance ready",
				models.InstantiatedComponentContext{Component: cc, InstanceID: inst.ID(), Endpoint: inst.Endpoint()},
				models.NewInstanceUpsert(models.UpdateMeta{}, def.ID, inst.ID(), map[string]interface{}{
					"endpoint": inst.Endpoint(),
					"status":   models.StatusActive,
				}))
		}

		c.pool.mu.Lock()
		c.pool.components = append(c.pool.components, comp)
		c.pool.statuses[def.ID] = models.StatusActive
		c.pool.mu.Unlock()
	}
	c.pool.mu.Lock()
	c.pool.instantiation = time.Since(start)
	c.pool.mu.Unlock()
	return nil
}

// Interrupt stops a running Run, which then returns ErrInterrupted. It may be
// called before Run starts.
func (c *Composer) Interrupt() {
	c.interrupted.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Composer) Run(ctx context.Context, coll Collection, runKey string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.pool.mu.Lock()
	ready := len(c.pool.components) > 0
	c.pool.mu.Unlock()
	if !ready {
		return errors.New("no components are set up")
	}

	c.mu.Lock()
	c.cancel = cancel
	c.docs = coll.Documents()
	workers := c.workers
	docs := c.docs
	c.mu.Unlock()
	if c.interrupted.Load() {
		return ErrInterrupted
	}

	c.progress.Store(0)
	c.read.Store(0)
	c.usedBytes.Store(0)
	total := len(docs)
	c.emit(models.SenderComposer, models.LevelInfo, fmt.Sprintf("Run %s started with %d workers", runKey, workers),
		c.composerContext(runKey, total),
		models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"progress": 0, "total": total}))

	names := make(chan string, workers)
	for i := 1; i <= workers; i++ {
		names <- fmt.Sprintf("worker-%d", i)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(workers)
	for _, doc := range docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			worker := <-names
			defer func() { names <- worker }()
			err := c.processDocument(gctx, coll, doc, worker, runKey, total)
			if err == nil || gctx.Err() != nil {
				return err
			}
			if c.ignoreErrors {
				c.logger.Errorf("Ignoring failure of document %s: %v", doc.Path(), err)
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	if c.interrupted.Load() || ctx.Err() != nil {
		return ErrInterrupted
	}
	if err != nil {
		c.emit(models.SenderComposer, models.LevelError, fmt.Sprintf("Run %s failed", runKey),
			c.composerContext(runKey, total),
			models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"progress": c.progress.Load()}))
		return err
	}
	c.emit(models.SenderComposer, models.LevelInfo, fmt.Sprintf("Run %s finished", runKey),
		c.composerContext(runKey, total),
		models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"progress": c.progress.Load(), "total": total}))
	return nil
}

func (c *Composer) processDocument(ctx context.Context, coll Collection, doc *models.Document, worker, runKey string, total int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	composer := c.composerContext(runKey, total)
	doc.SetStartedAt()
	doc.SetStatus(models.StatusDecode)
	c.emit(models.SenderDocument, models.LevelInfo, "Reading document",
		documentProcessContext(doc, composer, models.Payload{Status: models.StatusDecode, Thread: worker}),
		models.NewDocumentUpsert(models.UpdateMeta{}, doc.Path(), snapshotFields(doc)),
		models.NewWorkerUpsert(models.UpdateMeta{}, worker, map[string]interface{}{
			"status":   models.StatusActive,
			"document": doc.Path(),
		}))

	start := time.Now()
	if err := coll.Load(ctx, doc); err != nil {
		return c.failDocument(ctx, doc, composer, worker, errors.Wrapf(err, "read %s", doc.Path()))
	}
	doc.AddDecode(time.Since(start).Milliseconds())
	read := c.read.Add(1)
	used := c.usedBytes.Add(doc.Size())
	c.emit(models.SenderReader, models.LevelDebug, "Document read",
		models.ReaderContext{
			Total:      coll.Initial(),
			Skipped:    coll.Skipped(),
			Read:       int(read),
			Remaining:  total - int(read),
			UsedBytes:  used,
			TotalBytes: coll.TotalBytes(),
		},
		models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"read": read}))

	doc.SetStatus(models.StatusActive)
	c.pool.mu.Lock()
	components := c.pool.components
	c.pool.mu.Unlock()
	for _, comp := range components {
		inst := comp.pick()
		var last Result
		for _, segment := range segments(doc.Data(), comp.def.Segmented) {
			res, err := inst.Process(ctx, Request{
				Path:     doc.Path(),
				Text:     segment,
				Language: coll.Language(),
				Options:  comp.def.Options,
			})
			if err != nil {
				return c.failDocument(ctx, doc, composer, worker, errors.Wrapf(err, "component %s", comp.def.ID))
			}
			doc.RecordComponent(comp.def.ID, comp.def.Segmented, res.Durations, res.Payload)
			doc.AddWait(res.Durations.Wait)
			doc.AddProcess(res.Durations.Process)
			doc.AddDeserialize(res.Durations.Deserialize)
			for kind, n := range res.Annotations {
				doc.CountAnnotations(kind, n)
			}
			last = res
		}
		doc.IncrementProgress()
		c.emit(models.SenderComponent, models.LevelInfo, fmt.Sprintf("Component %s finished", comp.def.Name),
			models.DocumentComponentProcessContext{
				Document: models.DocumentContext{Document: doc.Snapshot()},
				Component: models.InstantiatedComponentContext{
					Component:  componentContext(comp, models.StatusActive),
					InstanceID: inst.ID(),
					Endpoint:   inst.Endpoint(),
				},
				Payload: models.Payload{Status: models.StatusActive, Content: last.Payload, Type: models.PayloadResponse, Thread: worker},
			},
			models.NewDocumentUpsert(models.UpdateMeta{}, doc.Path(), snapshotFields(doc)),
			models.NewInstanceUpsert(models.UpdateMeta{}, comp.def.ID, inst.ID(), map[string]interface{}{
				"status":   models.StatusActive,
				"document": doc.Path(),
			}))
	}

	doc.SetStatus(models.StatusOutput)
	result, err := documentResult(doc)
	if err == nil {
		err = coll.Store(ctx, doc, result)
	}
	if err != nil {
		return c.failDocument(ctx, doc, composer, worker, errors.Wrapf(err, "write result of %s", doc.Path()))
	}

	doc.Finish(models.StatusCompleted)
	progress := c.progress.Add(1)
	c.emit(models.SenderDocument, models.LevelInfo, "Document finished",
		documentProcessContext(doc, c.composerContext(runKey, total), models.Payload{Status: models.StatusCompleted, Thread: worker}),
		models.NewDocumentUpsert(models.UpdateMeta{}, doc.Path(), snapshotFields(doc)),
		models.NewProcessUpdate(models.UpdateMeta{}, map[string]interface{}{"progress": progress}),
		models.NewWorkerUpsert(models.UpdateMeta{}, worker, map[string]interface{}{
			"status":   models.StatusWaiting,
			"document": "",
		}))
	return nil
}

// failDocument records err on doc. A cancelled run leaves the document to
// the caller's sweep.
func (c *Composer) failDocument(ctx context.Context, doc *models.Document, composer models.ComposerContext, worker string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	doc.SetError(err.Error())
	doc.Finish(models.StatusFailed)
	c.emit(models.SenderDocument, models.LevelError, "Document failed",
		documentProcessContext(doc, composer, models.Payload{
			Status:  models.StatusFailed,
			Content: fmt.Sprintf("%+v", err),
			Type:    models.PayloadStacktrace,
			Thread:  worker,
		}),
		models.NewDocumentUpsert(models.UpdateMeta{}, doc.Path(), snapshotFields(doc)))
	return err
}

// Shutdown drops the observers of this composer or view. Unless detach is
// set it also closes the component instances and drivers of the pool.
func (c *Composer) Shutdown(ctx context.Context, detach bool) error {
	c.mu.Lock()
	c.observers = nil
	c.mu.Unlock()
	if detach {
		return nil
	}

	c.pool.mu.Lock()
	components := c.pool.components
	drivers := c.pool.ready
	c.pool.components = nil
	c.pool.ready = make(map[string]Driver)
	for id := range c.pool.statuses {
		c.pool.statuses[id] = models.StatusShutdown
	}
	c.pool.mu.Unlock()

	var firstErr error
	for _, comp := range components {
		for _, inst := range comp.instances {
			if err := inst.Close(); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "close instance %s", inst.ID())
			}
		}
	}
	for name, d := range drivers {
		if err := d.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "shutdown driver %s", name)
		}
	}
	return firstErr
}

func (c *Composer) emit(sender models.Sender, level models.Level, message string, about models.Context, updates ...models.Update) {
	event := &models.Event{
		Seq:       c.seq.Add(1),
		Sender:    sender,
		Message:   message,
		Level:     level,
		Timestamp: time.Now().UnixMilli(),
		Context:   about,
	}
	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o(event, updates)
	}
}

func (c *Composer) composerContext(runKey string, total int) models.ComposerContext {
	c.pool.mu.Lock()
	statuses := make(map[string]models.Status, len(c.pool.statuses))
	for id, s := range c.pool.statuses {
		statuses[id] = s
	}
	c.pool.mu.Unlock()
	return models.ComposerContext{
		RunKey:         runKey,
		PipelineStatus: statuses,
		Progress:       c.progress.Load(),
		Total:          total,
	}
}

func componentContext(comp *component, status models.Status) models.ComponentContext {
	ids := make([]string, 0, len(comp.instances))
	for _, inst := range comp.instances {
		ids = append(ids, inst.ID())
	}
	return models.ComponentContext{
		Payload:     models.Payload{Status: status},
		Component:   comp.def.ID,
		Name:        comp.def.Name,
		Driver:      comp.driver,
		InstanceIDs: ids,
	}
}

func documentProcessContext(doc *models.Document, composer models.ComposerContext, p models.Payload) models.DocumentProcessContext {
	return models.DocumentProcessContext{
		Payload:  p,
		Document: models.DocumentContext{Document: doc.Snapshot()},
		Composer: composer,
	}
}

func snapshotFields(doc *models.Document) map[string]interface{} {
	raw, err := json.Marshal(doc.Snapshot())
	if err != nil {
		return map[string]interface{}{"path": doc.Path(), "status": doc.Status()}
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]interface{}{"path": doc.Path(), "status": doc.Status()}
	}
	return fields
}

// documentResult is the output written for a processed document.
func documentResult(doc *models.Document) ([]byte, error) {
	snap := doc.Snapshot()
	payloads := make(map[string]string, len(snap.Components))
	for id, state := range snap.Components {
		payloads[id] = state.Payload
	}
	return json.MarshalIndent(map[string]interface{}{
		"path":        snap.Path,
		"name":        snap.Name,
		"annotations": snap.Annotations,
		"components":  payloads,
	}, "", "  ")
}

// segments splits text into paragraphs for segmented components.
func segments(text []byte, segmented bool) [][]byte {
	if !segmented {
		return [][]byte{text}
	}
	var out [][]byte
	for _, part := range bytes.Split(text, []byte("\n\n")) {
		if len(bytes.TrimSpace(part)) > 0 {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return [][]byte{text}
	}
	return out
}

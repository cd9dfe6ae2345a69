// Package registry is the explicit handle over the node interview registry.
//
// A Registry owns one address space, one entity table, one slot cache, one
// relationship graph and one enrichment pipeline, and sequences the side
// effects between them: creating an entity allocates its address, pre-warms
// the cache and enqueues a ticket; deleting it releases the address, purges
// the cache, cascades edges and abandons the open ticket.
//
// Writes to one entity id are serialized through entity.Table.Lock; writes to
// different ids run concurrently. No operation performs I/O.
package registry

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/nodereg/addr"
	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/graph"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/pulse/budget"
	"github.com/teranos/nodereg/pulse/pipeline"
	"github.com/teranos/nodereg/slot"
	"github.com/teranos/nodereg/telemetry"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("registry closed")

// Registry is the handle every caller goes through
type Registry struct {
	table    *entity.Table
	space    *addr.Space
	cache    *slot.Cache
	graph    *graph.Graph
	pipeline *pipeline.Pipeline
	limiter  *budget.Limiter

	sink     telemetry.Sink
	now      func() time.Time
	poolCfg  pipeline.WorkerPoolConfig
	logger   *zap.SugaredLogger
	closed   atomic.Bool
	closeMu  sync.Mutex
	pools    []*pipeline.WorkerPool
	watchers []*am.ConfigWatcher
}

type options struct {
	layout          *addr.Layout
	capacity        int
	defaultPriority int
	sinks           []telemetry.Sink
	registerer      prometheus.Registerer
	now             func() time.Time
	ratePerSecond   float64
	burst           int
	poolCfg         pipeline.WorkerPoolConfig
}

// Option configures a Registry
type Option func(*options)

// WithLayout partitions the address space with layout instead of the default
func WithLayout(layout addr.Layout) Option {
	return func(o *options) { o.layout = &layout }
}

// WithCacheCapacity bounds the slot cache. Capacity 0 caches nothing.
func WithCacheCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithDefaultPriority sets the priority Create enqueues tickets at
func WithDefaultPriority(priority int) Option {
	return func(o *options) { o.defaultPriority = priority }
}

// WithSink adds a telemetry sink. Several sinks may be added.
func WithSink(sink telemetry.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sinks = append(o.sinks, sink)
		}
	}
}

// WithRegisterer registers Prometheus collectors with reg when the config
// enables them. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides time.Now for every component (tests)
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRate paces worker pool stage executions. A rate of 0 leaves them unpaced.
func WithRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.ratePerSecond = perSecond
		o.burst = burst
	}
}

// WithWorkerPoolConfig sets the configuration of pools built by NewWorkerPool
func WithWorkerPoolConfig(cfg pipeline.WorkerPoolConfig) Option {
	return func(o *options) { o.poolCfg = cfg }
}

// New constructs an empty registry
func New(opts ...Option) (*Registry, error) {
	o := options{
		capacity:        am.DefaultCacheCapacity,
		defaultPriority: pipeline.DefaultPriority,
		now:             time.Now,
		poolCfg:         pipeline.DefaultWorkerPoolConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var sink telemetry.Sink = telemetry.Nop{}
	switch len(o.sinks) {
	case 0:
	case 1:
		sink = o.sinks[0]
	default:
		sink = telemetry.Multi(o.sinks)
	}

	layout := addr.DefaultLayout()
	if o.layout != nil {
		layout = *o.layout
	}
	space, err := addr.New(layout, addr.WithSink(sink))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build address space")
	}

	if o.defaultPriority < pipeline.HighestPriority || o.defaultPriority > pipeline.LowestPriority {
		return nil, errors.NewInvalidRequestError("default priority %d outside %d..%d",
			o.defaultPriority, pipeline.HighestPriority, pipeline.LowestPriority)
	}

	table := entity.NewTable()
	r := &Registry{
		table: table,
		space: space,
		cache: slot.New(o.capacity, slot.WithSink(sink), slot.WithClock(o.now)),
		graph: graph.New(table),
		pipeline: pipeline.New(
			pipeline.WithSink(sink),
			pipeline.WithClock(o.now),
			pipeline.WithDefaultPriority(o.defaultPriority),
		),
		limiter: budget.NewLimiter(o.ratePerSecond, o.burst),
		sink:    sink,
		now:     o.now,
		poolCfg: o.poolCfg,
		logger:  logger.AddEntitySymbol(logger.ComponentLogger("registry")),
	}
	return r, nil
}

// NewFromConfig constructs a registry from a loaded configuration.
// Options are applied after the config and override it.
func NewFromConfig(cfg *am.Config, opts ...Option) (*Registry, error) {
	if cfg == nil {
		return nil, errors.NewInvalidRequestError("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	layout, err := addr.LayoutFromConfig(cfg.AddressSpace)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address space configuration")
	}

	poolCfg := pipeline.DefaultWorkerPoolConfig()
	if cfg.Pipeline.Workers > 0 {
		poolCfg.Workers = cfg.Pipeline.Workers
	}
	if cfg.Pipeline.PollIntervalMS > 0 {
		poolCfg.PollInterval = time.Duration(cfg.Pipeline.PollIntervalMS) * time.Millisecond
	}

	base := []Option{
		WithLayout(layout),
		WithCacheCapacity(cfg.Cache.Capacity),
		WithDefaultPriority(cfg.GetDefaultPriority()),
		WithRate(cfg.Pipeline.RatePerSecond, cfg.Pipeline.Burst),
		WithWorkerPoolConfig(poolCfg),
	}

	// Sinks named by the config come first; the registerer may be overridden by opts
	requested := options{}
	for _, opt := range opts {
		opt(&requested)
	}
	if cfg.Telemetry.Prometheus {
		reg := requested.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		base = append(base, WithSink(telemetry.NewPrometheus(cfg.GetTelemetryNamespace(), reg)))
	}
	if cfg.Telemetry.LogEvents {
		base = append(base, WithSink(telemetry.NewLogSink()))
	}

	return New(append(base, opts...)...)
}

// Watch hot-applies cache capacity and pacing changes from the config file at path
func (r *Registry) Watch(path string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	w, err := am.NewConfigWatcher(path)
	if err != nil {
		return err
	}
	w.OnReload(r.applyConfig)
	w.Start()
	// am.SetValue writes from this process must not trigger a reload
	am.SetGlobalWatcher(w)

	r.closeMu.Lock()
	r.watchers = append(r.watchers, w)
	r.closeMu.Unlock()
	return nil
}

// applyConfig applies the settings that can change without a restart
func (r *Registry) applyConfig(cfg *am.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "ignoring invalid configuration")
	}
	r.limiter.SetRate(cfg.Pipeline.RatePerSecond, cfg.Pipeline.Burst)
	if cfg.Cache.Capacity != r.cache.Capacity() {
		r.cache.SetCapacity(cfg.Cache.Capacity)
	}
	return nil
}

// Close stops worker pools and config watchers started through this registry.
// Every later operation returns ErrClosed.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.closeMu.Lock()
	pools, watchers := r.pools, r.watchers
	r.pools, r.watchers = nil, nil
	r.closeMu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range watchers {
		if am.GetGlobalWatcher() == w {
			am.SetGlobalWatcher(nil)
		}
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "close finished with %d error(s)", len(errs))
	}
	return nil
}

// log returns the registry logger carrying the request fields of ctx
func (r *Registry) log(ctx context.Context) *zap.SugaredLogger {
	return logger.FromContext(ctx, r.logger)
}

func (r *Registry) check(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// ============================================================================
// Entity CRUD
// ============================================================================

// CreateResult is the outcome of Create
type CreateResult struct {
	Entity entity.Entity
	Ticket *pipeline.Ticket

	// AddressPending is true when the category partition was exhausted. The
	// entity exists without an address; AssignAddress retries later.
	AddressPending bool
}

// CreateOption adjusts a single Create call
type CreateOption func(*createOptions)

type createOptions struct {
	priority int
	noTicket bool
}

// WithPriority enqueues the new entity's ticket at priority instead of the default
func WithPriority(priority int) CreateOption {
	return func(o *createOptions) { o.priority = priority }
}

// WithoutTicket creates the entity without entering the pipeline
func WithoutTicket() CreateOption {
	return func(o *createOptions) { o.noTicket = true }
}

// Create registers a new entity of cat.
//
// The record is committed at version 1 before the cache is warmed and the
// ticket is enqueued. An exhausted category partition does not fail the
// create: the entity is committed without an address and AddressPending is set.
func (r *Registry) Create(ctx context.Context, cat addr.Category, payload entity.Payload, opts ...CreateOption) (CreateResult, error) {
	if err := r.check(ctx); err != nil {
		return CreateResult{}, err
	}
	if !cat.Valid() {
		return CreateResult{}, errors.NewInvalidRequestError("unknown category %q", cat)
	}
	co := createOptions{}
	for _, opt := range opts {
		opt(&co)
	}
	if co.priority != 0 && (co.priority < pipeline.HighestPriority || co.priority > pipeline.LowestPriority) {
		return CreateResult{}, errors.NewInvalidRequestError("priority %d outside %d..%d",
			co.priority, pipeline.HighestPriority, pipeline.LowestPriority)
	}

	id, err := r.table.NewID(string(cat), payload)
	if err != nil {
		return CreateResult{}, err
	}

	unlock := r.table.Lock(id)
	defer unlock()

	now := r.now()
	e := entity.Entity{
		ID:        id,
		Category:  cat,
		Payload:   payload.Clone(),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.Rehash()

	res := CreateResult{}
	a, err := r.space.AllocateFor(cat, id)
	switch {
	case err == nil:
		e.Address = &a
	case errors.Is(err, errors.ErrExhausted):
		res.AddressPending = true
		r.log(ctx).Warnw("Address space exhausted, entity created without address",
			logger.FieldEntityID, id,
			logger.FieldCategory, cat)
	default:
		return CreateResult{}, errors.Wrapf(err, "failed to allocate address for %s", id)
	}

	if err := r.table.Put(e); err != nil {
		if e.Address != nil {
			if relErr := r.space.Release(*e.Address); relErr != nil {
				r.log(ctx).Errorw("Failed to release address after aborted create",
					logger.FieldAddress, e.Address.String(),
					logger.FieldError, relErr)
			}
		}
		return CreateResult{}, errors.Wrapf(err, "failed to commit entity %s", id)
	}
	r.cache.Refresh(e)

	if !co.noTicket {
		t, err := r.pipeline.Enqueue(id, co.priority)
		if err != nil {
			// The entity is committed; surface the pipeline failure with it
			res.Entity = e.Clone()
			return res, errors.Wrapf(err, "entity %s created but not enqueued", id)
		}
		res.Ticket = t
	}

	res.Entity = e.Clone()
	r.log(ctx).Infow("Created entity",
		logger.FieldEntityID, id,
		logger.FieldCategory, cat,
		logger.FieldAddress, addressString(e.Address))
	return res, nil
}

// Get is the authoritative read. It bypasses the cache.
func (r *Registry) Get(ctx context.Context, id string) (entity.Entity, error) {
	if err := r.check(ctx); err != nil {
		return entity.Entity{}, err
	}
	return r.table.Get(id)
}

// List returns every live entity, oldest first
func (r *Registry) List(ctx context.Context) ([]entity.Entity, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	return r.table.List(), nil
}

// Update merges delta into the entity's payload, recomputes its hashes and
// bumps its version. The cache is refreshed before Update returns, and an
// open pipeline ticket is sent back to pending at its priority.
func (r *Registry) Update(ctx context.Context, id string, delta entity.Delta) (entity.Entity, error) {
	if err := r.check(ctx); err != nil {
		return entity.Entity{}, err
	}
	if delta.IsEmpty() {
		return entity.Entity{}, errors.NewInvalidRequestError("empty delta for entity %s", id)
	}

	unlock := r.table.Lock(id)
	defer unlock()

	e, err := r.table.Get(id)
	if err != nil {
		return entity.Entity{}, err
	}
	e.Payload = e.Payload.Apply(delta)
	e.Rehash()
	e.Version++
	e.UpdatedAt = r.now()

	if err := r.table.Put(e); err != nil {
		return entity.Entity{}, errors.Wrapf(err, "failed to commit entity %s", id)
	}
	r.cache.Refresh(e)

	if t, err := r.pipeline.Restart(id); err == nil {
		r.log(ctx).Debugw("Entity re-entered pipeline",
			logger.FieldEntityID, id,
			logger.FieldTicketID, t.ID)
	} else if !errors.IsNotFoundError(err) {
		return e.Clone(), errors.Wrapf(err, "entity %s updated but pipeline re-entry failed", id)
	}

	r.log(ctx).Debugw("Updated entity",
		logger.FieldEntityID, id,
		logger.FieldVersion, e.Version)
	return e.Clone(), nil
}

// Delete removes the entity. Its edges are cascaded, its address released,
// its cache entry purged and its open ticket failed with reason
// entity_deleted. The id is tombstoned and never issued again.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.check(ctx); err != nil {
		return err
	}

	unlock := r.table.Lock(id)
	defer unlock()

	if !r.table.Exists(id) {
		return errors.NewNotFoundError("entity %s", id)
	}

	edges := r.graph.CascadeRemove(id)
	e, err := r.table.Remove(id)
	if err != nil {
		return err
	}
	if e.Address != nil {
		if err := r.space.Release(*e.Address); err != nil {
			// The record is gone; a failed release means the bijection was already broken
			return errors.Wrapf(errors.Mark(err, errors.ErrInvariantViolation),
				"entity %s deleted but address %s could not be released", id, e.Address)
		}
	}
	r.cache.Invalidate(id)
	abandoned := r.pipeline.Abandon(id)

	log := logger.ChildLogger(r.log(ctx), logger.FieldEntityID, id, logger.FieldCount, edges)
	if abandoned != nil {
		log = log.With(logger.FieldTicketID, abandoned.ID)
	}
	log.Infow("Deleted entity", logger.FieldAddress, addressString(e.Address))
	return nil
}

// AssignAddress retries allocation for an entity created while its category
// was exhausted. An entity that already holds an address is returned as is.
func (r *Registry) AssignAddress(ctx context.Context, id string) (entity.Entity, error) {
	if err := r.check(ctx); err != nil {
		return entity.Entity{}, err
	}

	unlock := r.table.Lock(id)
	defer unlock()

	e, err := r.table.Get(id)
	if err != nil {
		return entity.Entity{}, err
	}
	if e.HasAddress() {
		return e, nil
	}

	a, err := r.space.AllocateFor(e.Category, id)
	if err != nil {
		return entity.Entity{}, err
	}
	e.Address = &a
	e.Version++
	e.UpdatedAt = r.now()
	if err := r.table.Put(e); err != nil {
		if relErr := r.space.Release(a); relErr != nil {
			r.log(ctx).Errorw("Failed to release address after aborted assignment",
				logger.FieldAddress, a.String(),
				logger.FieldError, relErr)
		}
		return entity.Entity{}, errors.Wrapf(err, "failed to commit address for %s", id)
	}
	r.cache.Refresh(e)

	r.log(ctx).Infow("Assigned pending address",
		logger.FieldEntityID, id,
		logger.FieldAddress, a.String())
	return e.Clone(), nil
}

// Pending returns the entities still waiting for an address
func (r *Registry) Pending(ctx context.Context) ([]entity.Entity, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []entity.Entity
	for _, e := range all {
		if !e.HasAddress() {
			out = append(out, e)
		}
	}
	return out, nil
}

// ============================================================================
// Cached reads
// ============================================================================

// Cached reads the snapshot under a slot key ("@E001" or "#<id>"). An
// "#<id>" key finds the entity even when it is cached under its address.
// On a miss the authoritative record is fetched and the cache refreshed.
func (r *Registry) Cached(ctx context.Context, key string) (slot.Snapshot, error) {
	if err := r.check(ctx); err != nil {
		return slot.Snapshot{}, err
	}
	if id, ok := strings.CutPrefix(key, "#"); ok && id != "" {
		if snap, ok := r.cache.GetEntity(id); ok {
			return snap, nil
		}
	} else if snap, ok := r.cache.Get(key); ok {
		return snap, nil
	}

	id, err := r.resolveKey(key)
	if err != nil {
		return slot.Snapshot{}, err
	}

	unlock := r.table.Lock(id)
	defer unlock()

	e, err := r.table.Get(id)
	if err != nil {
		return slot.Snapshot{}, err
	}
	r.cache.Refresh(e)
	return slot.Snapshot{Entity: e, RefreshedAt: r.now()}, nil
}

// CachedAddress is Cached for an address
func (r *Registry) CachedAddress(ctx context.Context, a addr.Address) (slot.Snapshot, error) {
	return r.Cached(ctx, entity.AddressKey(a))
}

func (r *Registry) resolveKey(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, "@"):
		a, err := addr.Parse(key[1:])
		if err != nil {
			return "", err
		}
		holder, ok := r.space.Holder(a)
		if !ok || holder == "" {
			return "", errors.NewNotFoundError("no entity holds address %s", a)
		}
		return holder, nil
	case strings.HasPrefix(key, "#") && len(key) > 1:
		return key[1:], nil
	default:
		return "", errors.NewInvalidRequestError("malformed slot key %q", key)
	}
}

// refresh re-reads an entity after a pipeline transition. The id lock keeps a
// late refresh from resurrecting an entry that Delete just purged.
func (r *Registry) refresh(id string) {
	unlock := r.table.Lock(id)
	defer unlock()
	if e, err := r.table.Get(id); err == nil {
		r.cache.Refresh(e)
	}
}

// ============================================================================
// Relationship graph
// ============================================================================

// Link declares an edge between two live entities. Both endpoints are locked
// so neither can be deleted while the edge is inserted.
func (r *Registry) Link(ctx context.Context, src, dst string, rel graph.RelationType, strength float64) (graph.EdgeID, error) {
	if err := r.check(ctx); err != nil {
		return "", err
	}
	unlock := r.table.LockMany(src, dst)
	defer unlock()
	return r.graph.Link(src, dst, rel, strength)
}

// Unlink removes one edge
func (r *Registry) Unlink(ctx context.Context, id graph.EdgeID) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	return r.graph.Unlink(id)
}

// Edges returns the edges touching id that match f
func (r *Registry) Edges(id string, f graph.Filter) []graph.Edge {
	return r.graph.Edges(id, f)
}

// Neighbors lazily yields the ids adjacent to id
func (r *Registry) Neighbors(id string, f graph.Filter) iter.Seq[string] {
	return r.graph.Neighbors(id, f)
}

// Traverse walks the graph breadth-first from start
func (r *Registry) Traverse(start string, maxDepth int, f graph.Filter) iter.Seq[graph.Visit] {
	return r.graph.Traverse(start, maxDepth, f)
}

// Export renders the graph with entity categories, labels and addresses
func (r *Registry) Export() *graph.View {
	return r.graph.Export(func(id string) (graph.Node, bool) {
		e, err := r.table.Get(id)
		if err != nil {
			return graph.Node{}, false
		}
		label := e.ID
		if fields := strings.Fields(e.Payload.Identity); len(fields) > 0 {
			label = strings.Join(fields, " ")
		}
		return graph.Node{
			ID:      e.ID,
			Type:    string(e.Category),
			Label:   label,
			Address: addressString(e.Address),
			Visible: true,
			Metadata: map[string]interface{}{
				"version": e.Version,
			},
		}, true
	})
}

// ============================================================================
// Enrichment pipeline
// ============================================================================

// Enqueue opens a ticket for a live entity. Priority 0 means the default.
func (r *Registry) Enqueue(ctx context.Context, entityID string, priority int) (*pipeline.Ticket, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	unlock := r.table.Lock(entityID)
	defer unlock()
	if !r.table.Exists(entityID) {
		return nil, errors.NewNotFoundError("entity %s", entityID)
	}
	return r.pipeline.Enqueue(entityID, priority)
}

// DequeueNext hands the next pending ticket to exactly one caller
func (r *Registry) DequeueNext() (*pipeline.Ticket, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	t, err := r.pipeline.DequeueNext()
	if err != nil {
		return nil, err
	}
	r.refresh(t.EntityID)
	return t, nil
}

// Advance moves a ticket out of expected according to outcome. version is
// the ticket version the caller holds; see pipeline.Pipeline.Advance.
func (r *Registry) Advance(ticketID string, expected pipeline.Stage, version int64, outcome pipeline.Outcome) (*pipeline.Ticket, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	t, err := r.pipeline.Advance(ticketID, expected, version, outcome)
	if err != nil {
		return nil, err
	}
	r.refresh(t.EntityID)
	return t, nil
}

// Retry sends a failed ticket back to pending at its priority
func (r *Registry) Retry(ctx context.Context, ticketID string) (*pipeline.Ticket, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	t, err := r.pipeline.Retry(ticketID)
	if err != nil {
		return nil, err
	}
	r.refresh(t.EntityID)
	return t, nil
}

// Cancel fails a pending or processing ticket with reason canceled
func (r *Registry) Cancel(ctx context.Context, ticketID string) (*pipeline.Ticket, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	t, err := r.pipeline.Cancel(ticketID)
	if err != nil {
		return nil, err
	}
	r.refresh(t.EntityID)
	return t, nil
}

// Ticket returns one ticket
func (r *Registry) Ticket(ticketID string) (*pipeline.Ticket, error) {
	return r.pipeline.Ticket(ticketID)
}

// TicketFor returns the entity's open ticket, or its most recent one
func (r *Registry) TicketFor(entityID string) (*pipeline.Ticket, error) {
	return r.pipeline.ForEntity(entityID)
}

// Tickets lists tickets in stage, every ticket when stage is empty
func (r *Registry) Tickets(stage pipeline.Stage) []*pipeline.Ticket {
	return r.pipeline.List(stage)
}

// Subscribe returns a channel of ticket transitions; see pipeline.Pipeline.Subscribe
func (r *Registry) Subscribe() chan pipeline.Ticket {
	return r.pipeline.Subscribe()
}

// Unsubscribe closes a channel returned by Subscribe
func (r *Registry) Unsubscribe(ch chan pipeline.Ticket) {
	r.pipeline.Unsubscribe(ch)
}

// NewWorkerPool builds a pool that advances tickets through this registry,
// paced by the registry's limiter. The limiter follows config reloads, so
// an unpaced pool starts pacing as soon as a rate is configured. Close stops it.
func (r *Registry) NewWorkerPool(handlers *pipeline.HandlerRegistry) *pipeline.WorkerPool {
	pool := pipeline.NewWorkerPool(r, handlers, r.limiter, r.poolCfg)

	r.closeMu.Lock()
	r.pools = append(r.pools, pool)
	r.closeMu.Unlock()
	return pool
}

// Limiter returns the limiter pacing worker pools
func (r *Registry) Limiter() *budget.Limiter {
	return r.limiter
}

// ============================================================================
// Introspection
// ============================================================================

// Stats is a point-in-time summary of every component
type Stats struct {
	Entities   int
	Tombstones int
	Edges      int
	Partitions []addr.PartitionStats
	Cache      slot.Stats
	Pipeline   pipeline.Stats
}

// Stats reports component occupancy
func (r *Registry) Stats() Stats {
	return Stats{
		Entities:   r.table.Len(),
		Tombstones: len(r.table.Tombstones()),
		Edges:      r.graph.Len(),
		Partitions: r.space.Stats(),
		Cache:      r.cache.Stats(),
		Pipeline:   r.pipeline.Stats(),
	}
}

// CacheEntries describes cached slots without touching their recency
func (r *Registry) CacheEntries() []slot.Entry {
	return r.cache.Entries()
}

// GrowPartition extends a category partition by n addresses
func (r *Registry) GrowPartition(cat addr.Category, n int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.space.Grow(cat, n)
}

func addressString(a *addr.Address) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// String implements fmt.Stringer for log lines
func (s Stats) String() string {
	return fmt.Sprintf("%d entities, %d tombstones, %d edges, %d/%d cached, %d open tickets",
		s.Entities, s.Tombstones, s.Edges, s.Cache.Len, s.Cache.Capacity, s.Pipeline.Open)
}

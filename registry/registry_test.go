package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nodereg/addr"
	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/graph"
	"github.com/teranos/nodereg/internal/util"
	"github.com/teranos/nodereg/pulse/pipeline"
	"github.com/teranos/nodereg/telemetry"
)

// ============================================================================
// Mission Control Test Universe
// ============================================================================
//
// Characters:
//   - Houston: Flight director, registers every subsystem of the mission
//   - Apollo: Spacecraft subsystems (components, tools) linked into a graph
//   - Gremlin: Deletes subsystems mid-flight and races the ground crew
//
// Houston's address space is deliberately tiny: three addresses per
// category, so exhaustion is a few creates away.
// ============================================================================

func tinyLayout() addr.Layout {
	return addr.Layout{
		Space: addr.Range{Lo: 0xE000, Hi: 0xE0FF},
		Partitions: map[addr.Category]addr.Range{
			addr.Component:  {Lo: 0xE001, Hi: 0xE003},
			addr.Tool:       {Lo: 0xE011, Hi: 0xE013},
			addr.Escalation: {Lo: 0xE021, Hi: 0xE023},
			addr.EEI:        {Lo: 0xE031, Hi: 0xE033},
		},
	}
}

func newHouston(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := New(append([]Option{WithLayout(tinyLayout())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func subsystem(name string) entity.Payload {
	return entity.Payload{
		Identity:     name,
		Capabilities: name + " keeps the crew alive",
		Extensions:   map[string]string{"mission": "apollo"},
	}
}

func mustCreate(t *testing.T, r *Registry, cat addr.Category, name string) entity.Entity {
	t.Helper()
	res, err := r.Create(context.Background(), cat, subsystem(name))
	require.NoError(t, err)
	return res.Entity
}


func TestHoustonRegistersSubsystem(t *testing.T) {
	t.Log("🚀 Houston registers the guidance computer")
	r := newHouston(t)
	ctx := context.Background()

	res, err := r.Create(ctx, addr.Component, subsystem("Guidance Computer"))
	require.NoError(t, err)
	assert.False(t, res.AddressPending)

	e := res.Entity
	require.NotNil(t, e.Address)
	assert.Equal(t, "E001", e.Address.String())
	assert.Equal(t, int64(1), e.Version)
	assert.NotEmpty(t, e.ContentHash)
	assert.NotEmpty(t, e.SemanticHash)

	// Immediately visible to an authoritative read
	got, err := r.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ContentHash, got.ContentHash)

	// Cache was pre-warmed: the first cached read is a hit
	snap, err := r.Cached(ctx, "@E001")
	require.NoError(t, err)
	assert.Equal(t, e.ID, snap.Entity.ID)
	assert.Equal(t, uint64(1), r.Stats().Cache.Hits)

	// And the entity entered the pipeline at the default priority
	require.NotNil(t, res.Ticket)
	assert.Equal(t, pipeline.StagePending, res.Ticket.Stage)
	assert.Equal(t, pipeline.DefaultPriority, res.Ticket.Priority)
	t.Log("✓ Address, cache and ticket all in place")
}

func TestAllocationDeterminismAndExhaustion(t *testing.T) {
	t.Log("🧮 Houston fills the component block and asks for one more")
	r := newHouston(t)
	ctx := context.Background()

	for i, want := range []string{"E001", "E002", "E003"} {
		e := mustCreate(t, r, addr.Component, fmt.Sprintf("Thruster %d", i))
		require.NotNil(t, e.Address)
		assert.Equal(t, want, e.Address.String())
	}

	res, err := r.Create(ctx, addr.Component, subsystem("Spare Thruster"))
	require.NoError(t, err, "exhaustion is not a create failure")
	assert.True(t, res.AddressPending)
	assert.Nil(t, res.Entity.Address)
	assert.Equal(t, "#"+res.Entity.ID, res.Entity.SlotKey())
	require.NotNil(t, res.Ticket, "degraded entities still enter the pipeline")

	pending, err := r.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Entity.ID, pending[0].ID)

	// Still no room
	_, err = r.AssignAddress(ctx, res.Entity.ID)
	assert.True(t, errors.Is(err, errors.ErrExhausted))

	t.Log("🔧 Operator grows the partition, then the pending address is assigned")
	require.NoError(t, r.GrowPartition(addr.Component, 1))
	assigned, err := r.AssignAddress(ctx, res.Entity.ID)
	require.NoError(t, err)
	require.NotNil(t, assigned.Address)
	assert.Equal(t, "E004", assigned.Address.String())
	assert.Equal(t, int64(2), assigned.Version)
	assert.Equal(t, res.Entity.ID, assigned.ID, "same entity, no duplicate")
	assert.Equal(t, 4, r.Stats().Entities)

	// The cache followed the key migration
	snap, err := r.Cached(ctx, "@E004")
	require.NoError(t, err)
	assert.Equal(t, res.Entity.ID, snap.Entity.ID)
	for _, entry := range r.CacheEntries() {
		assert.NotEqual(t, "#"+res.Entity.ID, entry.Key, "old id key must be gone")
	}

	// Assigning again is a no-op
	again, err := r.AssignAddress(ctx, res.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
}

func TestAssignAfterRelease(t *testing.T) {
	r := newHouston(t)
	ctx := context.Background()

	first := mustCreate(t, r, addr.Tool, "Wrench A")
	mustCreate(t, r, addr.Tool, "Wrench B")
	mustCreate(t, r, addr.Tool, "Wrench C")
	res, err := r.Create(ctx, addr.Tool, subsystem("Wrench D"))
	require.NoError(t, err)
	require.True(t, res.AddressPending)

	require.NoError(t, r.Delete(ctx, first.ID))

	assigned, err := r.AssignAddress(ctx, res.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "E011", assigned.Address.String(), "lowest released address is reused by the new holder")
}

func TestUpdateIsCoherentWithCache(t *testing.T) {
	t.Log("🛰 Houston revises the limitations of the radio")
	r := newHouston(t)
	ctx := context.Background()

	e := mustCreate(t, r, addr.Component, "S-Band Radio")
	key := e.SlotKey()

	_, err := r.Cached(ctx, key)
	require.NoError(t, err)

	updated, err := r.Update(ctx, e.ID, entity.Delta{Limitations: util.Ptr("No signal behind the moon")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.NotEqual(t, e.ContentHash, updated.ContentHash)

	snap, err := r.Cached(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "No signal behind the moon", snap.Entity.Payload.Limitations)
	assert.Equal(t, int64(2), snap.Entity.Version)

	entries := r.CacheEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].AccessCount, "refresh preserves the access count")

	_, err = r.Update(ctx, e.ID, entity.Delta{})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = r.Update(ctx, "NI-missing", entity.Delta{Identity: util.Ptr("x")})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateRestartsOpenTicket(t *testing.T) {
	r := newHouston(t)
	ctx := context.Background()

	res, err := r.Create(ctx, addr.Component, subsystem("Fuel Cell"), WithPriority(2))
	require.NoError(t, err)

	tk, err := r.DequeueNext()
	require.NoError(t, err)
	held, err := r.Advance(tk.ID, pipeline.StageProcessing, tk.Version, pipeline.Succeeded)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageLightningQA, held.Stage)

	_, err = r.Update(ctx, res.Entity.ID, entity.Delta{Intelligence: util.Ptr("Output drops below -20C")})
	require.NoError(t, err)

	tk, err = r.TicketFor(res.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StagePending, tk.Stage, "mutation sends the ticket back through QA")
	assert.Equal(t, 2, tk.Priority)

	// The worker still holding the old stage loses
	_, err = r.Advance(held.ID, pipeline.StageLightningQA, held.Version, pipeline.Succeeded)
	assert.True(t, errors.IsConflictError(err))
}

func TestGremlinDeleteCascades(t *testing.T) {
	t.Log("👾 Gremlin deletes the hub subsystem mid-flight")
	r := newHouston(t)
	ctx := context.Background()

	hub := mustCreate(t, r, addr.Component, "Main Bus")
	a := mustCreate(t, r, addr.Component, "Gyro")
	b := mustCreate(t, r, addr.Tool, "Sextant")
	c := mustCreate(t, r, addr.EEI, "Star Catalog")

	link := func(src, dst string, rel graph.RelationType) graph.EdgeID {
		id, err := r.Link(ctx, src, dst, rel, graph.DefaultStrength)
		require.NoError(t, err)
		return id
	}
	link(hub.ID, a.ID, graph.ProvidesTo)
	link(b.ID, hub.ID, graph.Monitors)
	link(hub.ID, c.ID, graph.Uses)
	unrelated1 := link(a.ID, b.ID, graph.DependsOn)
	unrelated2 := link(b.ID, c.ID, graph.Uses)
	require.Equal(t, 5, r.Stats().Edges)

	require.NoError(t, r.Delete(ctx, hub.ID))

	stats := r.Stats()
	assert.Equal(t, 2, stats.Edges, "exactly the hub's three edges are gone")
	remaining := map[graph.EdgeID]bool{}
	for _, e := range r.Edges(a.ID, graph.Filter{Direction: graph.Both}) {
		remaining[e.ID] = true
	}
	for _, e := range r.Edges(c.ID, graph.Filter{Direction: graph.Both}) {
		remaining[e.ID] = true
	}
	assert.True(t, remaining[unrelated1])
	assert.True(t, remaining[unrelated2])

	// Address released, cache purged, id tombstoned
	holder, allocated := r.space.Holder(*hub.Address)
	assert.False(t, allocated, "address %s still held by %q", hub.Address, holder)
	_, err := r.Cached(ctx, hub.SlotKey())
	assert.True(t, errors.IsNotFoundError(err))
	_, err = r.Get(ctx, hub.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Equal(t, 1, stats.Tombstones)

	// Open ticket abandoned with a distinct reason
	tk, err := r.TicketFor(hub.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed, tk.Stage)
	assert.Equal(t, pipeline.ReasonEntityDeleted, tk.Reason)
	_, err = r.Retry(ctx, tk.ID)
	assert.True(t, errors.IsConflictError(err), "a deleted entity's ticket cannot come back")

	// Edges to the dead id are refused
	_, err = r.Link(ctx, a.ID, hub.ID, graph.DependsOn, 1)
	assert.True(t, errors.Is(err, errors.ErrInvalidEndpoint))

	assert.True(t, errors.IsNotFoundError(r.Delete(ctx, hub.ID)))
	t.Log("✓ Nothing points at the deleted subsystem")
}

func TestCachedReadThrough(t *testing.T) {
	r := newHouston(t, WithCacheCapacity(1))
	ctx := context.Background()

	first := mustCreate(t, r, addr.Component, "Heat Shield")
	second := mustCreate(t, r, addr.Component, "Parachute")

	// Capacity 1: the second create evicted the first
	assert.Equal(t, 1, r.Stats().Cache.Len)

	snap, err := r.Cached(ctx, first.SlotKey())
	require.NoError(t, err)
	assert.Equal(t, first.ID, snap.Entity.ID)

	// Lookups by id work for entities that hold an address
	snap, err = r.Cached(ctx, entity.IDKey(second.ID))
	require.NoError(t, err)
	assert.Equal(t, second.ID, snap.Entity.ID)

	_, err = r.Cached(ctx, "@E003")
	assert.True(t, errors.IsNotFoundError(err), "allocated to nobody")
	_, err = r.Cached(ctx, "E001")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = r.CachedAddress(ctx, *first.Address)
	assert.NoError(t, err)
}

func TestCachedByIDHitsAnAddressedEntity(t *testing.T) {
	t.Log("🛰️ Flight asks for the Command Module by its id, not its address")
	r := newHouston(t)
	ctx := context.Background()

	cm := mustCreate(t, r, addr.Component, "Command Module")
	require.NotNil(t, cm.Address)
	before := r.Stats().Cache

	snap, err := r.Cached(ctx, entity.IDKey(cm.ID))
	require.NoError(t, err)
	assert.Equal(t, cm.ID, snap.Entity.ID)

	after := r.Stats().Cache
	assert.Equal(t, before.Hits+1, after.Hits)
	assert.Equal(t, before.Misses, after.Misses)
	assert.Equal(t, before.Len, after.Len, "no second entry under the id key")
}

func TestZeroCapacityStillReads(t *testing.T) {
	r := newHouston(t, WithCacheCapacity(0))
	e := mustCreate(t, r, addr.EEI, "Lunar Map")

	snap, err := r.Cached(context.Background(), e.SlotKey())
	require.NoError(t, err)
	assert.Equal(t, e.ID, snap.Entity.ID)
	assert.Equal(t, 0, r.Stats().Cache.Len)
}

func TestEnqueueRequiresLiveEntity(t *testing.T) {
	r := newHouston(t)
	ctx := context.Background()

	res, err := r.Create(ctx, addr.Escalation, subsystem("Abort Switch"), WithoutTicket())
	require.NoError(t, err)
	assert.Nil(t, res.Ticket)

	tk, err := r.Enqueue(ctx, res.Entity.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, tk.Priority)

	_, err = r.Enqueue(ctx, res.Entity.ID, 1)
	assert.True(t, errors.IsConflictError(err))

	_, err = r.Enqueue(ctx, "NI-ghost", 1)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = r.Create(ctx, addr.Escalation, subsystem("Bad"), WithPriority(11))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = r.Create(ctx, addr.Category("rocket"), subsystem("Bad"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCancelAndRetryThroughRegistry(t *testing.T) {
	r := newHouston(t)
	ctx := context.Background()
	res, err := r.Create(ctx, addr.Tool, subsystem("Periscope"))
	require.NoError(t, err)

	tk, err := r.Cancel(ctx, res.Ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed, tk.Stage)
	assert.Equal(t, pipeline.ReasonCanceled, tk.Reason)

	tk, err = r.Retry(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StagePending, tk.Stage)
	assert.Len(t, r.Tickets(pipeline.StagePending), 1)
}

func TestGraphQueriesThroughRegistry(t *testing.T) {
	r := newHouston(t)
	ctx := context.Background()

	cmd := mustCreate(t, r, addr.Component, "Command Module")
	lem := mustCreate(t, r, addr.Component, "Lunar Module")
	rover := mustCreate(t, r, addr.Tool, "Rover")

	_, err := r.Link(ctx, cmd.ID, lem.ID, graph.CoordinatesWith, 2)
	require.NoError(t, err)
	_, err = r.Link(ctx, lem.ID, rover.ID, graph.Uses, 1)
	require.NoError(t, err)

	var neighbors []string
	for id := range r.Neighbors(cmd.ID, graph.Filter{}) {
		neighbors = append(neighbors, id)
	}
	assert.Equal(t, []string{lem.ID}, neighbors)

	depths := map[string]int{}
	for v := range r.Traverse(cmd.ID, 5, graph.Filter{}) {
		depths[v.ID] = v.Depth
	}
	assert.Equal(t, map[string]int{cmd.ID: 0, lem.ID: 1, rover.ID: 2}, depths)

	view := r.Export()
	assert.Len(t, view.Nodes, 3)
	assert.Len(t, view.Links, 2)
	for _, n := range view.Nodes {
		assert.NotEqual(t, graph.UntypedNode, n.Type)
		assert.NotEmpty(t, n.Address)
	}
}

// Many callers create, update and delete concurrently; live entities must
// never share an address.
func TestConcurrentCallersNeverShareAddresses(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				res, err := r.Create(ctx, addr.Categories()[i%4], subsystem(fmt.Sprintf("Part %d-%d", w, i)))
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				if i%3 == 0 {
					if _, err := r.Update(ctx, res.Entity.ID, entity.Delta{Limitations: util.Ptr("worn")}); err != nil {
						t.Errorf("update: %v", err)
					}
				}
				if i%5 == 0 {
					if err := r.Delete(ctx, res.Entity.ID); err != nil {
						t.Errorf("delete: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	live, err := r.List(ctx)
	require.NoError(t, err)
	seen := make(map[addr.Address]string)
	for _, e := range live {
		require.NotNil(t, e.Address)
		if other, dup := seen[*e.Address]; dup {
			t.Fatalf("address %s held by %s and %s", e.Address, other, e.ID)
		}
		seen[*e.Address] = e.ID
		holder, ok := r.space.Holder(*e.Address)
		assert.True(t, ok)
		assert.Equal(t, e.ID, holder)
	}

	allocated := 0
	for _, p := range r.Stats().Partitions {
		allocated += p.Allocated
	}
	assert.Equal(t, len(live), allocated, "no leaked addresses")
}

func TestWorkerPoolDrainsThroughRegistry(t *testing.T) {
	r := newHouston(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreate(t, r, addr.Component, fmt.Sprintf("Valve %d", i))
	}

	handlers := pipeline.NewHandlerRegistry()
	var mu sync.Mutex
	seen := map[string]int64{}
	handlers.Register(pipeline.HandlerFunc(pipeline.StageExpertQA, func(ctx context.Context, tk pipeline.Ticket) error {
		e, err := r.Get(ctx, tk.EntityID)
		if err != nil {
			return err
		}
		mu.Lock()
		seen[e.ID] = e.Version
		mu.Unlock()
		return nil
	}))

	pool := r.NewWorkerPool(handlers)
	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, r.Stats().Pipeline.ByStage[pipeline.StageCompleted])
}

func TestTwoRegistriesShareTheDefaultRegisterer(t *testing.T) {
	t.Log("📡 Houston and the backup room both start with Prometheus on")
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[telemetry]
prometheus = true
namespace = "houston_backup"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := am.LoadFromFile(path)
	require.NoError(t, err)

	for _, room := range []string{"main", "backup"} {
		var r *Registry
		require.NotPanics(t, func() { r, err = NewFromConfig(cfg) }, room)
		require.NoError(t, err, room)
		r.Close()
	}
}

func TestNewFromConfigWiresTelemetry(t *testing.T) {
	t.Log("📡 Houston turns on Prometheus and checks the counters move")
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	content := `
[cache]
capacity = 2

[pipeline]
default_priority = 3
rate_per_second = 0

[telemetry]
prometheus = true
namespace = "houston"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	cfg, err := am.LoadFromFile(path)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	rec := &telemetry.Recorder{}
	r, err := NewFromConfig(cfg, WithRegisterer(reg), WithSink(rec))
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	res, err := r.Create(ctx, addr.Component, subsystem("Telemetry Unit"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Ticket.Priority)

	tk, err := r.DequeueNext()
	require.NoError(t, err)
	_, err = r.Advance(tk.ID, pipeline.StageProcessing, tk.Version, pipeline.Failed("sensor offline"))
	require.NoError(t, err)

	assert.Len(t, rec.Transitions(), 2, "extra sinks receive events alongside Prometheus")

	families, err := reg.Gather()
	require.NoError(t, err)
	var transitions float64
	for _, mf := range families {
		if mf.GetName() == "houston_pipeline_stage_transitions_total" {
			for _, m := range mf.GetMetric() {
				transitions += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), transitions)

	// Evictions reach both sinks too
	mustCreate(t, r, addr.Component, "Backup Unit")
	mustCreate(t, r, addr.Component, "Spare Unit")
	assert.Len(t, rec.Evictions(), 1)
}

func TestWatchAppliesCacheCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[cache]\ncapacity = 8\n"), 0644))

	r := newHouston(t, WithCacheCapacity(8))
	require.NoError(t, r.Watch(path))

	require.NoError(t, os.WriteFile(path, []byte("[cache]\ncapacity = 3\n[pipeline]\nrate_per_second = 50\nburst = 5\n"), 0644))

	require.Eventually(t, func() bool {
		return r.Stats().Cache.Capacity == 3
	}, 5*time.Second, 20*time.Millisecond)

	perSec, burst, _ := r.Limiter().Stats()
	assert.Equal(t, 50.0, perSec)
	assert.Equal(t, 5, burst)
}

func TestClosedRegistryRefusesWork(t *testing.T) {
	r := newHouston(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close is idempotent")

	_, err := r.Create(context.Background(), addr.Component, subsystem("Late"))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = r.DequeueNext()
	assert.True(t, errors.Is(err, ErrClosed))
}

package addr

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/telemetry"
)

// tinyLayout gives the component category exactly three addresses
func tinyLayout() Layout {
	return Layout{
		Space: Range{Lo: 0xE000, Hi: 0xE0FF},
		Partitions: map[Category]Range{
			Component: {Lo: 0xE001, Hi: 0xE003},
			Tool:      {Lo: 0xE010, Hi: 0xE01F},
		},
	}
}

func TestAllocationIsDeterministic(t *testing.T) {
	rec := &telemetry.Recorder{}
	s, err := New(tinyLayout(), WithSink(rec))
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		a, err := s.Allocate(Component)
		require.NoError(t, err)
		got = append(got, a.String())
	}
	assert.Equal(t, []string{"E001", "E002", "E003"}, got)

	_, err = s.Allocate(Component)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExhausted))
	assert.Equal(t, []string{"component"}, rec.Exhausted())

	// Other categories are unaffected
	a, err := s.Allocate(Tool)
	require.NoError(t, err)
	assert.Equal(t, "E010", a.String())
}

func TestReleaseMakesLowestAvailableAgain(t *testing.T) {
	s, err := New(tinyLayout())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.AllocateFor(Component, fmt.Sprintf("NI%d", i))
		require.NoError(t, err)
	}

	require.NoError(t, s.Release(0xE002))
	holder, ok := s.Holder(0xE002)
	assert.False(t, ok)
	assert.Empty(t, holder)

	a, err := s.AllocateFor(Component, "NI9")
	require.NoError(t, err)
	assert.Equal(t, Address(0xE002), a)
}

func TestReleaseErrors(t *testing.T) {
	s, err := New(tinyLayout())
	require.NoError(t, err)

	err = s.Release(0xF000)
	assert.True(t, errors.IsNotFoundError(err), "outside every partition")

	err = s.Release(0xE001)
	assert.True(t, errors.IsConflictError(err), "never allocated")

	a, err := s.Allocate(Component)
	require.NoError(t, err)
	require.NoError(t, s.Release(a))
	assert.True(t, errors.IsConflictError(s.Release(a)), "double release")
}

func TestLookup(t *testing.T) {
	s, err := New(DefaultLayout())
	require.NoError(t, err)

	cat, err := s.Lookup(0xE401)
	require.NoError(t, err)
	assert.Equal(t, Tool, cat)

	cat, err = s.Lookup(0xEFFF)
	require.NoError(t, err)
	assert.Equal(t, EEI, cat)

	_, err = s.Lookup(0xE000)
	assert.True(t, errors.IsNotFoundError(err), "partition marker is not addressable")
}

func TestBindEnforcesBijection(t *testing.T) {
	s, err := New(tinyLayout())
	require.NoError(t, err)

	a, err := s.Allocate(Component)
	require.NoError(t, err)

	require.NoError(t, s.Bind(a, "NI1"))
	require.NoError(t, s.Bind(a, "NI1"), "rebinding the same holder is idempotent")

	err = s.Bind(a, "NI2")
	assert.True(t, errors.IsInvariantViolation(err))

	b, err := s.Allocate(Component)
	require.NoError(t, err)
	err = s.Bind(b, "NI1")
	assert.True(t, errors.IsInvariantViolation(err), "one holder cannot hold two addresses")

	_, err = s.AllocateFor(Component, "NI1")
	assert.True(t, errors.IsInvariantViolation(err))

	assert.True(t, errors.IsConflictError(s.Bind(0xE003, "NI3")), "unallocated address")
}

func TestClaimRestoresSpecificAddress(t *testing.T) {
	s, err := New(tinyLayout())
	require.NoError(t, err)

	cat, err := s.Claim(0xE002, "NI7")
	require.NoError(t, err)
	assert.Equal(t, Component, cat)

	_, err = s.Claim(0xE002, "NI8")
	assert.True(t, errors.IsConflictError(err))

	a, err := s.Allocate(Component)
	require.NoError(t, err)
	assert.Equal(t, Address(0xE001), a, "claimed address is skipped")
	a, err = s.Allocate(Component)
	require.NoError(t, err)
	assert.Equal(t, Address(0xE003), a)
}

func TestGrow(t *testing.T) {
	s, err := New(tinyLayout())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Allocate(Component)
		require.NoError(t, err)
	}
	_, err = s.Allocate(Component)
	require.True(t, errors.Is(err, errors.ErrExhausted))

	require.NoError(t, s.Grow(Component, 2))
	a, err := s.Allocate(Component)
	require.NoError(t, err)
	assert.Equal(t, "E004", a.String())

	// E006..E010 would collide with the tool partition
	err = s.Grow(Component, 20)
	assert.True(t, errors.IsConflictError(err))

	err = s.Grow(Tool, 0x1000)
	assert.Error(t, err, "beyond the address space")

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, Component, stats[0].Category)
	assert.Equal(t, 4, stats[0].Allocated)
	assert.Equal(t, 1, stats[0].Available)
}

// Eight goroutines race for the same partition; every address must go to exactly one of them.
func TestConcurrentAllocationNeverDuplicates(t *testing.T) {
	s, err := New(DefaultLayout())
	require.NoError(t, err)

	const workers = 8
	const perWorker = 100

	var mu sync.Mutex
	seen := make(map[Address]string)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				holder := fmt.Sprintf("w%d-%d", w, i)
				a, err := s.AllocateFor(Component, holder)
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := seen[a]; dup {
					t.Errorf("address %s handed to both %s and %s", a, prev, holder)
				}
				seen[a] = holder
				mu.Unlock()

				// Release every third address to churn the free set
				if i%3 == 0 {
					mu.Lock()
					delete(seen, a)
					mu.Unlock()
					if err := s.Release(a); err != nil {
						t.Errorf("release: %v", err)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	for a, holder := range seen {
		got, ok := s.Holder(a)
		require.True(t, ok)
		assert.Equal(t, holder, got)
	}
}

func TestLayoutValidation(t *testing.T) {
	overlapping := tinyLayout()
	overlapping.Partitions[Tool] = Range{Lo: 0xE003, Hi: 0xE010}
	_, err := New(overlapping)
	assert.Error(t, err)

	outside := tinyLayout()
	outside.Partitions[Tool] = Range{Lo: 0xE0F0, Hi: 0xE1FF}
	_, err = New(outside)
	assert.Error(t, err)

	unknown := tinyLayout()
	unknown.Partitions["weapon"] = Range{Lo: 0xE030, Hi: 0xE031}
	_, err = New(unknown)
	assert.Error(t, err)
}

func TestLayoutFromConfigMatchesDefault(t *testing.T) {
	cfg := am.AddressSpaceConfig{
		Start:      "E000",
		End:        "F8FF",
		Component:  am.RangeConfig{Start: "E001", End: "E3FF"},
		Tool:       am.RangeConfig{Start: "E401", End: "E7FF"},
		Escalation: am.RangeConfig{Start: "E801", End: "EBFF"},
		EEI:        am.RangeConfig{Start: "EC01", End: "EFFF"},
	}
	layout, err := LayoutFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultLayout(), layout)
}

func TestParse(t *testing.T) {
	for _, in := range []string{"E001", "e001", "U+E001", "\uE001"} {
		a, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, Address(0xE001), a, in)
	}
	_, err := Parse("nope")
	assert.Error(t, err)
	assert.Equal(t, "\uE001", Address(0xE001).Glyph())
}

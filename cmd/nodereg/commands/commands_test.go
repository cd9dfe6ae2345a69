package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/nodereg/addr"
	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/pulse/pipeline"
	"github.com/teranos/nodereg/registry"
)

// Workshop universe: a well-described multimeter and a half-written soldering iron.
func TestStageHandlersQualityGate(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.New()
	require.NoError(t, err)
	defer reg.Close()

	multimeter, err := reg.Create(ctx, addr.Tool, entity.Payload{
		Identity:     "Multimeter",
		Capabilities: "Measures voltage, current and resistance",
	})
	require.NoError(t, err)
	iron, err := reg.Create(ctx, addr.Tool, entity.Payload{Identity: "Soldering iron"})
	require.NoError(t, err)

	pool := reg.NewWorkerPool(stageHandlers(reg))
	assert.NotNil(t, pool.Handlers().Get(pipeline.StageLightningQA))
	assert.Nil(t, pool.Handlers().Get(pipeline.StageExpertQA), "expert QA passes straight through")

	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done, err := reg.TicketFor(multimeter.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCompleted, done.Stage)
	t.Logf("🔧 multimeter completed after %d attempt(s)", done.Attempts)

	failed, err := reg.TicketFor(iron.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed, failed.Stage)
	assert.Equal(t, "missing capabilities", failed.Reason)
	t.Logf("🔥 soldering iron stopped at QA: %s", failed.Reason)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "ÅÄÖ", truncate("ÅÄÖ", 3))
}

func TestRelationListNamesEveryType(t *testing.T) {
	list := relationList()
	assert.Contains(t, list, "depends_on")
	assert.Contains(t, list, "configures")
}

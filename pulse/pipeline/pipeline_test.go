package pipeline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/telemetry"
)

// ============================================================================
// Airport Security Test Universe
// ============================================================================
//
// Characters:
//   - Passengers (entities) each hold at most one boarding pass (ticket)
//   - Priority 1 is first class, 10 is the last boarding group
//   - Agents (workers) call passengers forward and walk them through checks
// ============================================================================

func mustEnqueue(t *testing.T, p *Pipeline, entityID string, priority int) *Ticket {
	t.Helper()
	tk, err := p.Enqueue(entityID, priority)
	require.NoError(t, err)
	return tk
}

func TestDequeueOrdersByPriorityThenCreation(t *testing.T) {
	t.Log("✈ Four passengers queue in groups 5, 1, 5 and 3")
	p := New()

	a := mustEnqueue(t, p, "alice", 5)
	b := mustEnqueue(t, p, "bob", 1)
	c := mustEnqueue(t, p, "carol", 5)
	d := mustEnqueue(t, p, "dave", 3)

	var order []string
	for {
		tk, err := p.DequeueNext()
		if errors.Is(err, errors.ErrEmpty) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, StageProcessing, tk.Stage)
		order = append(order, tk.ID)
	}
	assert.Equal(t, []string{b.ID, d.ID, a.ID, c.ID}, order)
	t.Log("✓ First class first, then boarding groups in arrival order")
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	p := New(WithDefaultPriority(7))

	tk := mustEnqueue(t, p, "alice", 0)
	assert.Equal(t, 7, tk.Priority)
	assert.Equal(t, StagePending, tk.Stage)
	assert.Equal(t, int64(1), tk.Version)
	assert.Regexp(t, `^JB`, tk.ID)

	_, err := p.Enqueue("bob", 11)
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	_, err = p.Enqueue("bob", -1)
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
	_, err = p.Enqueue("", 5)
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)
}

func TestOneOpenTicketPerEntity(t *testing.T) {
	t.Log("🎫 Alice tries to get a second boarding pass")
	p := New()
	first := mustEnqueue(t, p, "alice", 5)

	_, err := p.Enqueue("alice", 1)
	assert.True(t, errors.IsConflictError(err))

	// Once the first ticket is terminal a new one may be opened
	_, err = p.Cancel(first.ID)
	require.NoError(t, err)
	second := mustEnqueue(t, p, "alice", 1)
	assert.NotEqual(t, first.ID, second.ID)

	// The canceled ticket cannot be retried while the new one is open
	_, err = p.Retry(first.ID)
	assert.True(t, errors.IsConflictError(err))
}

func TestNoDoubleDeliveryUnderConcurrency(t *testing.T) {
	t.Log("👮 Eight agents call passengers at the same time")
	p := New()
	const passengers = 200
	for i := 0; i < passengers; i++ {
		mustEnqueue(t, p, fmt.Sprintf("passenger-%03d", i), 1+i%10)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, err := p.DequeueNext()
				if errors.Is(err, errors.ErrEmpty) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				mu.Lock()
				seen[tk.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, passengers)
	for id, n := range seen {
		assert.Equal(t, 1, n, "ticket %s delivered %d times", id, n)
	}
}

func TestAdvanceWalksTheStages(t *testing.T) {
	rec := &telemetry.Recorder{}
	p := New(WithSink(rec))
	mustEnqueue(t, p, "alice", 5)

	tk, err := p.DequeueNext()
	require.NoError(t, err)
	assert.Equal(t, 1, tk.Attempts)
	require.NotNil(t, tk.StartedAt)

	want := []Stage{StageLightningQA, StageExpertQA, StageLinearIntegration, StageClaudeAutomation, StageCompleted}
	for _, next := range want {
		tk, err = p.Advance(tk.ID, tk.Stage, tk.Version, Succeeded)
		require.NoError(t, err)
		assert.Equal(t, next, tk.Stage)
	}
	require.NotNil(t, tk.FinishedAt)
	assert.False(t, tk.Open())

	// pending->processing plus five advances
	transitions := rec.Transitions()
	require.Len(t, transitions, 6)
	assert.Equal(t, "pending", transitions[0].From)
	assert.Equal(t, "completed", transitions[5].To)

	_, err = p.Advance(tk.ID, StageCompleted, tk.Version, Succeeded)
	assert.True(t, errors.IsConflictError(err), "terminal tickets do not move")
}

func TestStaleAdvanceIsRejected(t *testing.T) {
	t.Log("🛂 Two agents both try to clear the same passenger")
	p := New()
	mustEnqueue(t, p, "alice", 5)
	tk, err := p.DequeueNext()
	require.NoError(t, err)

	_, err = p.Advance(tk.ID, StageProcessing, tk.Version, Succeeded)
	require.NoError(t, err)

	_, err = p.Advance(tk.ID, StageProcessing, tk.Version, Succeeded)
	assert.True(t, errors.IsConflictError(err))

	cur, err := p.Ticket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StageLightningQA, cur.Stage, "second advance did not overwrite")

	_, err = p.Advance("JBnope", StageProcessing, 1, Succeeded)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestPendingTicketsOnlyLeaveThroughDequeue(t *testing.T) {
	p := New()
	tk := mustEnqueue(t, p, "alice", 5)
	_, err := p.Advance(tk.ID, StagePending, tk.Version, Succeeded)
	assert.True(t, errors.IsConflictError(err))
}

func TestFailureLandsInFailedAndRetryRequeues(t *testing.T) {
	t.Log("🧳 Alice's bag fails the quick screening, then she is sent back to the queue")
	p := New()
	original := mustEnqueue(t, p, "alice", 4)
	mustEnqueue(t, p, "bob", 4)

	tk, err := p.DequeueNext()
	require.NoError(t, err)
	require.Equal(t, original.ID, tk.ID)
	tk, err = p.Advance(tk.ID, StageProcessing, tk.Version, Succeeded)
	require.NoError(t, err)
	tk, err = p.Advance(tk.ID, StageLightningQA, tk.Version, Failed("liquid over 100ml"))
	require.NoError(t, err)

	assert.Equal(t, StageFailed, tk.Stage)
	assert.Equal(t, "liquid over 100ml", tk.Reason)
	require.NotNil(t, tk.FinishedAt)

	_, err = p.Retry(tk.ID)
	require.NoError(t, err)
	retried, err := p.Ticket(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StagePending, retried.Stage)
	assert.Equal(t, 4, retried.Priority)
	assert.Nil(t, retried.FinishedAt)
	assert.Empty(t, retried.Reason)

	// Alice was created first, so she is ahead of Bob in the same band
	next, err := p.DequeueNext()
	require.NoError(t, err)
	assert.Equal(t, original.ID, next.ID)
	assert.Equal(t, 2, next.Attempts)

	_, err = p.Retry(next.ID)
	assert.True(t, errors.IsConflictError(err), "only failed tickets retry")
}

func TestCancelOnlyEarly(t *testing.T) {
	p := New()
	pending := mustEnqueue(t, p, "alice", 5)
	canceled, err := p.Cancel(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, canceled.Stage)
	assert.Equal(t, ReasonCanceled, canceled.Reason)

	// A canceled pending ticket is never dequeued
	_, err = p.DequeueNext()
	assert.ErrorIs(t, err, errors.ErrEmpty)

	mustEnqueue(t, p, "bob", 5)
	processing, err := p.DequeueNext()
	require.NoError(t, err)
	_, err = p.Cancel(processing.ID)
	require.NoError(t, err)

	mustEnqueue(t, p, "carol", 5)
	late, err := p.DequeueNext()
	require.NoError(t, err)
	late, err = p.Advance(late.ID, StageProcessing, late.Version, Succeeded)
	require.NoError(t, err)

	_, err = p.Cancel(late.ID)
	assert.True(t, errors.IsConflictError(err))
	cur, _ := p.Ticket(late.ID)
	assert.Equal(t, StageLightningQA, cur.Stage)
}

func TestRestartSendsOpenTicketBackToPending(t *testing.T) {
	p := New()
	mustEnqueue(t, p, "alice", 2)
	tk, err := p.DequeueNext()
	require.NoError(t, err)
	tk, err = p.Advance(tk.ID, StageProcessing, tk.Version, Succeeded)
	require.NoError(t, err)

	restarted, err := p.Restart("alice")
	require.NoError(t, err)
	assert.Equal(t, StagePending, restarted.Stage)
	assert.Equal(t, 2, restarted.Priority)

	// The worker holding the old stage loses
	_, err = p.Advance(tk.ID, StageLightningQA, tk.Version, Succeeded)
	assert.True(t, errors.IsConflictError(err))

	again, err := p.DequeueNext()
	require.NoError(t, err)
	assert.Equal(t, tk.ID, again.ID)

	_, err = p.Restart("nobody")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestAdvanceFromBeforeARestartLosesToTheRedequeue(t *testing.T) {
	t.Log("🛂 Agent A steps away, Alice is sent back to the line and agent B picks her up")
	p := New()
	mustEnqueue(t, p, "alice", 5)

	held, err := p.DequeueNext()
	require.NoError(t, err)
	_, err = p.Restart("alice")
	require.NoError(t, err)
	fresh, err := p.DequeueNext()
	require.NoError(t, err)
	require.Equal(t, held.ID, fresh.ID)
	require.Equal(t, held.Stage, fresh.Stage, "both agents believe the ticket is processing")
	require.Greater(t, fresh.Version, held.Version)

	_, err = p.Advance(held.ID, held.Stage, held.Version, Succeeded)
	assert.True(t, errors.IsConflictError(err), "agent A's clearance is stale")

	cur, err := p.Ticket(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StageProcessing, cur.Stage, "stale advance did not move the ticket")

	moved, err := p.Advance(fresh.ID, fresh.Stage, fresh.Version, Succeeded)
	require.NoError(t, err, "agent B still owns the ticket")
	assert.Equal(t, StageLightningQA, moved.Stage)
}

func TestRestartOfPendingTicketKeepsSingleQueueEntry(t *testing.T) {
	p := New()
	mustEnqueue(t, p, "alice", 5)
	_, err := p.Restart("alice")
	require.NoError(t, err)

	_, err = p.DequeueNext()
	require.NoError(t, err)
	_, err = p.DequeueNext()
	assert.ErrorIs(t, err, errors.ErrEmpty)
}

func TestAbandonFailsAnyOpenStage(t *testing.T) {
	p := New()
	mustEnqueue(t, p, "alice", 5)
	tk, _ := p.DequeueNext()
	tk, _ = p.Advance(tk.ID, StageProcessing, tk.Version, Succeeded)
	tk, _ = p.Advance(tk.ID, StageLightningQA, tk.Version, Succeeded)

	abandoned := p.Abandon("alice")
	require.NotNil(t, abandoned)
	assert.Equal(t, StageFailed, abandoned.Stage)
	assert.Equal(t, ReasonEntityDeleted, abandoned.Reason)
	assert.Nil(t, p.Abandon("alice"))

	_, err := p.Retry(tk.ID)
	assert.True(t, errors.IsConflictError(err))
}

func TestStatsListAndForEntity(t *testing.T) {
	p := New()
	a := mustEnqueue(t, p, "alice", 5)
	mustEnqueue(t, p, "bob", 5)
	_, err := p.Cancel(a.ID)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Open)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.ByStage[StageFailed])
	assert.Equal(t, 0, s.ByStage[StageExpertQA])

	assert.Len(t, p.List(StagePending), 1)
	assert.Len(t, p.List(""), 2)

	got, err := p.ForEntity("alice")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	_, err = p.ForEntity("carol")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubscribersSeeTransitions(t *testing.T) {
	p := New()
	ch := p.Subscribe()
	defer p.Unsubscribe(ch)

	mustEnqueue(t, p, "alice", 5)
	_, err := p.DequeueNext()
	require.NoError(t, err)

	first := <-ch
	second := <-ch
	assert.Equal(t, StagePending, first.Stage)
	assert.Equal(t, StageProcessing, second.Stage)
	assert.Equal(t, 1, second.Attempts)
}

func TestTransitionTimingUsesClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &telemetry.Recorder{}
	p := New(WithSink(rec), WithClock(func() time.Time { return now }))

	mustEnqueue(t, p, "alice", 5)
	now = now.Add(2 * time.Second)
	_, err := p.DequeueNext()
	require.NoError(t, err)

	require.Len(t, rec.Transitions(), 1)
	assert.Equal(t, 2*time.Second, rec.Transitions()[0].InStage)
}

func TestRestoreRebuildsQueue(t *testing.T) {
	p := New()
	a := mustEnqueue(t, p, "alice", 3)
	b := mustEnqueue(t, p, "bob", 1)
	tk, _ := p.DequeueNext()
	require.Equal(t, b.ID, tk.ID)

	restored := New()
	for _, saved := range p.List("") {
		require.NoError(t, restored.Restore(*saved))
	}

	next, err := restored.DequeueNext()
	require.NoError(t, err)
	assert.Equal(t, a.ID, next.ID)

	_, err = restored.Enqueue("bob", 5)
	assert.True(t, errors.IsConflictError(err), "bob's processing ticket is still open")
	assert.True(t, errors.IsConflictError(restored.Restore(*a)))
}

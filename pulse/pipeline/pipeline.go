package pipeline

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
	vanity "github.com/teranos/vanity-id"
	"go.uber.org/zap"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/telemetry"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// queueItem is a pending ticket in the priority queue. Items are never removed
// early: an item whose gen no longer matches its ticket is skipped on dequeue.
type queueItem struct {
	ticketID string
	priority int
	seq      uint64
	gen      uint64
}

func byPriorityThenSeq(a, b interface{}) int {
	x, y := a.(queueItem), b.(queueItem)
	switch {
	case x.priority != y.priority:
		return x.priority - y.priority
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	}
	return 0
}

// Pipeline is the ticket state machine. All state lives behind one mutex;
// DequeueNext is the contention point and hands each pending ticket to
// exactly one caller.
type Pipeline struct {
	mu       sync.Mutex
	tickets  map[string]*Ticket
	open     map[string]string // entity id -> open ticket id
	latest   map[string]string // entity id -> most recent ticket id
	pending  *priorityqueue.Queue
	seq      uint64
	gen      uint64
	nPending int

	subscribers []chan Ticket

	defaultPriority int
	sink            telemetry.Sink
	now             func() time.Time
	logger          *zap.SugaredLogger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithSink reports every stage transition to sink
func WithSink(sink telemetry.Sink) Option {
	return func(p *Pipeline) { p.sink = telemetry.OrNop(sink) }
}

// WithClock overrides time.Now (tests)
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithDefaultPriority sets the priority used when Enqueue is given 0
func WithDefaultPriority(priority int) Option {
	return func(p *Pipeline) {
		if priority >= HighestPriority && priority <= LowestPriority {
			p.defaultPriority = priority
		}
	}
}

// New creates an empty pipeline
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		tickets:         make(map[string]*Ticket),
		open:            make(map[string]string),
		latest:          make(map[string]string),
		pending:         priorityqueue.NewWith(byPriorityThenSeq),
		defaultPriority: DefaultPriority,
		sink:            telemetry.Nop{},
		now:             time.Now,
		logger:          logger.AddPulseSymbol(logger.ComponentLogger("pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultPriority returns the priority Enqueue uses when given 0
func (p *Pipeline) DefaultPriority() int {
	return p.defaultPriority
}

// Enqueue opens a pending ticket for entityID. Priority 0 means the default.
// An entity already holding an open ticket is rejected with ErrConflict.
func (p *Pipeline) Enqueue(entityID string, priority int) (*Ticket, error) {
	if entityID == "" {
		return nil, errors.NewInvalidRequestError("enqueue without entity id")
	}
	if priority == 0 {
		priority = p.defaultPriority
	}
	if priority < HighestPriority || priority > LowestPriority {
		return nil, errors.NewInvalidRequestError("priority %d outside %d..%d", priority, HighestPriority, LowestPriority)
	}

	p.mu.Lock()
	if openID, ok := p.open[entityID]; ok {
		p.mu.Unlock()
		err := errors.NewConflictError("entity %s already has an open ticket", entityID)
		return nil, errors.WithDetail(err, fmt.Sprintf("Open ticket: %s", openID))
	}

	ticketID, err := vanity.GenerateJobASIDWithRetry("enrichment", entityID, "pipeline", func(id string) bool {
		_, exists := p.tickets[id]
		return exists
	})
	if err != nil {
		p.mu.Unlock()
		return nil, errors.Wrap(err, "failed to generate ticket id")
	}

	now := p.now()
	p.seq++
	t := &Ticket{
		ID:        ticketID,
		EntityID:  entityID,
		Priority:  priority,
		Stage:     StagePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		seq:       p.seq,
		enteredAt: now,
	}
	p.tickets[t.ID] = t
	p.open[entityID] = t.ID
	p.latest[entityID] = t.ID
	p.pushLocked(t)
	p.notifyLocked(t)
	out := t.clone()
	p.mu.Unlock()

	p.logger.Debugw("Enqueued ticket",
		logger.FieldTicketID, t.ID,
		logger.FieldEntityID, entityID,
		logger.FieldPriority, priority)
	return out, nil
}

func (p *Pipeline) pushLocked(t *Ticket) {
	p.gen++
	t.queueGen = p.gen
	p.pending.Enqueue(queueItem{ticketID: t.ID, priority: t.Priority, seq: t.seq, gen: t.queueGen})
	p.nPending++
}

// DequeueNext hands the best pending ticket to the caller and moves it to
// processing. ErrEmpty when nothing is pending.
func (p *Pipeline) DequeueNext() (*Ticket, error) {
	p.mu.Lock()
	for {
		v, ok := p.pending.Dequeue()
		if !ok {
			p.mu.Unlock()
			return nil, errors.ErrEmpty
		}
		item := v.(queueItem)
		t, exists := p.tickets[item.ticketID]
		if !exists || t.Stage != StagePending || t.queueGen != item.gen {
			continue // superseded
		}
		p.nPending--

		now := p.now()
		t.Attempts++
		t.StartedAt = &now
		ev := p.transitionLocked(t, StageProcessing, "", now)
		out := t.clone()
		p.mu.Unlock()

		p.sink.StageTransition(ev)
		return out, nil
	}
}

// Advance moves a ticket out of expected: to the next stage on success, to
// failed otherwise. version is the ticket version the caller last saw. A
// ticket that is no longer in expected, or has moved since at that version,
// was taken over by someone else and the call fails with ErrConflict.
func (p *Pipeline) Advance(ticketID string, expected Stage, version int64, outcome Outcome) (*Ticket, error) {
	p.mu.Lock()
	t, ok := p.tickets[ticketID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.NewNotFoundError("ticket %s", ticketID)
	}
	if t.Stage != expected {
		p.mu.Unlock()
		err := errors.NewConflictError("ticket %s is in %s, not %s", ticketID, t.Stage, expected)
		err = errors.WithDetail(err, fmt.Sprintf("Ticket version: %d", t.Version))
		return nil, err
	}
	if t.Version != version {
		p.mu.Unlock()
		err := errors.NewConflictError("ticket %s is at version %d, not %d", ticketID, t.Version, version)
		return nil, errors.WithHint(err, "the ticket was restarted and dequeued again; re-read it")
	}
	if t.Stage.Terminal() {
		p.mu.Unlock()
		return nil, errors.NewConflictError("ticket %s is already %s", ticketID, t.Stage)
	}
	if t.Stage == StagePending {
		p.mu.Unlock()
		err := errors.NewConflictError("ticket %s is pending", ticketID)
		return nil, errors.WithHint(err, "pending tickets leave the queue through DequeueNext")
	}

	to := StageFailed
	reason := outcome.Reason
	if outcome.Success {
		to, _ = t.Stage.Next()
		reason = ""
	} else if reason == "" {
		reason = "stage " + string(t.Stage) + " failed"
	}

	ev := p.transitionLocked(t, to, reason, p.now())
	out := t.clone()
	p.mu.Unlock()

	p.sink.StageTransition(ev)
	if to == StageFailed {
		p.logger.Infow("Ticket failed",
			logger.FieldTicketID, t.ID,
			logger.FieldEntityID, t.EntityID,
			"from", expected,
			logger.FieldReason, reason)
	}
	return out, nil
}

// Retry puts a failed ticket back in the queue at its original priority.
// It keeps its creation order, so within a priority band it goes ahead of
// tickets created after it.
func (p *Pipeline) Retry(ticketID string) (*Ticket, error) {
	p.mu.Lock()
	t, ok := p.tickets[ticketID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.NewNotFoundError("ticket %s", ticketID)
	}
	if t.Stage != StageFailed {
		p.mu.Unlock()
		return nil, errors.NewConflictError("ticket %s is %s; only failed tickets can be retried", ticketID, t.Stage)
	}
	if t.Reason == ReasonEntityDeleted {
		p.mu.Unlock()
		return nil, errors.NewConflictError("ticket %s belongs to a deleted entity", ticketID)
	}
	if openID, busy := p.open[t.EntityID]; busy {
		p.mu.Unlock()
		return nil, errors.NewConflictError("entity %s already has open ticket %s", t.EntityID, openID)
	}

	t.FinishedAt = nil
	ev := p.transitionLocked(t, StagePending, "", p.now())
	p.open[t.EntityID] = t.ID
	p.latest[t.EntityID] = t.ID
	p.pushLocked(t)
	out := t.clone()
	p.mu.Unlock()

	p.sink.StageTransition(ev)
	return out, nil
}

// Cancel fails a ticket with reason "canceled". Only pending and processing
// tickets can be canceled; later stages need a compensating action instead.
func (p *Pipeline) Cancel(ticketID string) (*Ticket, error) {
	p.mu.Lock()
	t, ok := p.tickets[ticketID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.NewNotFoundError("ticket %s", ticketID)
	}
	if !t.Stage.Cancelable() {
		p.mu.Unlock()
		err := errors.NewConflictError("ticket %s is %s and can no longer be canceled", ticketID, t.Stage)
		return nil, errors.WithHint(err, "cancellation is only possible while pending or processing")
	}

	ev := p.failLocked(t, ReasonCanceled)
	out := t.clone()
	p.mu.Unlock()

	p.sink.StageTransition(ev)
	return out, nil
}

// Abandon fails the open ticket of a deleted entity, whatever its stage.
// Returns nil when the entity had no open ticket.
func (p *Pipeline) Abandon(entityID string) *Ticket {
	p.mu.Lock()
	id, ok := p.open[entityID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	t := p.tickets[id]
	ev := p.failLocked(t, ReasonEntityDeleted)
	out := t.clone()
	p.mu.Unlock()

	p.sink.StageTransition(ev)
	return out
}

func (p *Pipeline) failLocked(t *Ticket, reason string) telemetry.StageTransition {
	if t.Stage == StagePending {
		p.nPending--
	}
	return p.transitionLocked(t, StageFailed, reason, p.now())
}

// Restart sends an entity's open ticket back to pending at the same priority.
// Tickets already pending are left where they are. ErrNotFound when the
// entity has no open ticket.
func (p *Pipeline) Restart(entityID string) (*Ticket, error) {
	p.mu.Lock()
	id, ok := p.open[entityID]
	if !ok {
		p.mu.Unlock()
		return nil, errors.NewNotFoundError("open ticket for entity %s", entityID)
	}
	t := p.tickets[id]
	if t.Stage == StagePending {
		out := t.clone()
		p.mu.Unlock()
		return out, nil
	}

	t.StartedAt = nil
	ev := p.transitionLocked(t, StagePending, "", p.now())
	p.pushLocked(t)
	out := t.clone()
	p.mu.Unlock()

	p.sink.StageTransition(ev)
	p.logger.Debugw("Restarted ticket",
		logger.FieldTicketID, t.ID,
		logger.FieldEntityID, entityID,
		"from", ev.From)
	return out, nil
}

// transitionLocked moves t to stage and returns the telemetry event to emit
// once the lock is released.
func (p *Pipeline) transitionLocked(t *Ticket, to Stage, reason string, now time.Time) telemetry.StageTransition {
	from := t.Stage
	inStage := now.Sub(t.enteredAt)

	t.Reason = reason
	t.moveTo(to, now)
	if to.Terminal() {
		if p.open[t.EntityID] == t.ID {
			delete(p.open, t.EntityID)
		}
	}
	p.notifyLocked(t)

	return telemetry.StageTransition{
		TicketID: t.ID,
		EntityID: t.EntityID,
		From:     string(from),
		To:       string(to),
		Priority: t.Priority,
		Reason:   reason,
		InStage:  inStage,
		At:       now,
	}
}

// Ticket returns a copy of one ticket
func (p *Pipeline) Ticket(ticketID string) (*Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickets[ticketID]
	if !ok {
		return nil, errors.NewNotFoundError("ticket %s", ticketID)
	}
	return t.clone(), nil
}

// ForEntity returns the entity's open ticket, or its most recent one
func (p *Pipeline) ForEntity(entityID string) (*Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.open[entityID]
	if !ok {
		id, ok = p.latest[entityID]
	}
	if !ok {
		return nil, errors.NewNotFoundError("ticket for entity %s", entityID)
	}
	return p.tickets[id].clone(), nil
}

// List returns tickets in stage (every ticket when stage is empty), oldest first
func (p *Pipeline) List(stage Stage) []*Ticket {
	p.mu.Lock()
	out := make([]*Ticket, 0, len(p.tickets))
	for _, t := range p.tickets {
		if stage == "" || t.Stage == stage {
			out = append(out, t.clone())
		}
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b *Ticket) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Stats counts tickets per stage
type Stats struct {
	ByStage map[Stage]int `json:"by_stage"`
	Open    int           `json:"open"`
	Pending int           `json:"pending"`
	Total   int           `json:"total"`
}

// Stats returns ticket counts
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{ByStage: make(map[Stage]int, len(stageOrder)+1)}
	for _, st := range Stages() {
		s.ByStage[st] = 0
	}
	for _, t := range p.tickets {
		s.ByStage[t.Stage]++
	}
	s.Open = len(p.open)
	s.Pending = p.nPending
	s.Total = len(p.tickets)
	return s
}

// Subscribe returns a channel that receives a copy of every ticket change.
// The caller is responsible for calling Unsubscribe when done.
func (p *Pipeline) Subscribe() chan Ticket {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Ticket, SubscriberChannelBufferSize)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is NOT closed by this
// method; the caller owns its lifecycle.
func (p *Pipeline) Unsubscribe(ch chan Ticket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			return
		}
	}
}

// notifyLocked sends without blocking; a full subscriber misses the update.
// REQUIRES: p.mu held.
func (p *Pipeline) notifyLocked(t *Ticket) {
	for _, ch := range p.subscribers {
		select {
		case ch <- *t.clone():
		default:
		}
	}
}

// Restore loads a persisted ticket. Tickets must be restored in creation
// order; pending ones go back in the queue.
func (p *Pipeline) Restore(t Ticket) error {
	if t.ID == "" || t.EntityID == "" || !t.Stage.Valid() {
		return errors.NewInvalidRequestError("cannot restore ticket %q in stage %q", t.ID, t.Stage)
	}
	if t.Priority < HighestPriority || t.Priority > LowestPriority {
		return errors.NewInvalidRequestError("cannot restore ticket %s with priority %d", t.ID, t.Priority)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tickets[t.ID]; exists {
		return errors.NewConflictError("ticket %s already exists", t.ID)
	}
	if t.Open() {
		if openID, busy := p.open[t.EntityID]; busy {
			return errors.NewConflictError("entity %s already has open ticket %s", t.EntityID, openID)
		}
	}

	restored := t.clone()
	p.seq++
	restored.seq = p.seq
	restored.enteredAt = t.UpdatedAt
	p.tickets[restored.ID] = restored
	p.latest[restored.EntityID] = restored.ID
	if restored.Open() {
		p.open[restored.EntityID] = restored.ID
	}
	if restored.Stage == StagePending {
		p.pushLocked(restored)
	}
	return nil
}

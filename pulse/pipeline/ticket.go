// Package pipeline drives entities through the enrichment stages.
//
// Every entity holds at most one open ticket. Tickets wait in a priority
// queue while pending; a worker takes one with DequeueNext and then walks it
// through the QA stages with Advance, which is guarded by the stage the
// caller believes the ticket is in.
package pipeline

import (
	"strings"
	"time"

	"github.com/teranos/nodereg/errors"
)

// Stage is a pipeline state
type Stage string

const (
	StagePending           Stage = "pending"
	StageProcessing        Stage = "processing"
	StageLightningQA       Stage = "lightning_qa"
	StageExpertQA          Stage = "expert_qa"
	StageLinearIntegration Stage = "linear_integration"
	StageClaudeAutomation  Stage = "claude_automation"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

// stageOrder is the success path; failed hangs off every non-terminal stage
var stageOrder = []Stage{
	StagePending,
	StageProcessing,
	StageLightningQA,
	StageExpertQA,
	StageLinearIntegration,
	StageClaudeAutomation,
	StageCompleted,
}

// Stages lists every stage, success path first
func Stages() []Stage {
	return append(append([]Stage(nil), stageOrder...), StageFailed)
}

// Terminal reports whether no further transition is possible without Retry
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage
func (s Stage) Valid() bool {
	return s == StageFailed || s.index() >= 0
}

func (s Stage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s on success
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Cancelable reports whether a ticket in s may still be canceled
func (s Stage) Cancelable() bool {
	return s == StagePending || s == StageProcessing
}

// ParseStage accepts a stage name such as "expert_qa" or "expert-qa"
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", errors.NewInvalidRequestError("unknown pipeline stage %q", s)
	}
	return st, nil
}

// Priority bounds. Lower numbers are served first.
const (
	HighestPriority = 1
	LowestPriority  = 10
	DefaultPriority = 5
)

// Failure reasons set by the pipeline itself
const (
	ReasonCanceled      = "canceled"
	ReasonEntityDeleted = "entity_deleted"
	ReasonInterrupted   = "interrupted"
)

// Outcome is the result of running one stage
type Outcome struct {
	Success bool
	Reason  string
}

// Succeeded moves a ticket to its next stage
var Succeeded = Outcome{Success: true}

// Failed moves a ticket to the failed stage with reason
func Failed(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Ticket tracks one entity's progress through the stages
type Ticket struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	Priority   int        `json:"priority"`
	Stage      Stage      `json:"stage"`
	Reason     string     `json:"reason,omitempty"`
	Attempts   int        `json:"attempts"` // times dequeued
	Version    int64      `json:"version"`  // bumped on every transition
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`

	seq       uint64    // creation order, breaks priority ties
	queueGen  uint64    // matches the live queue item while pending
	enteredAt time.Time // when the current stage was entered
}

// Open reports whether the ticket still occupies its entity's single slot
func (t *Ticket) Open() bool {
	return !t.Stage.Terminal()
}

func (t *Ticket) clone() *Ticket {
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

// moveTo records a transition at now
func (t *Ticket) moveTo(stage Stage, now time.Time) {
	t.Stage = stage
	t.Version++
	t.UpdatedAt = now
	t.enteredAt = now
	if stage.Terminal() {
		t.FinishedAt = &now
	}
}

// Package telemetry carries registry events to an external monitoring collaborator.
//
// The registry reports that an event happened; storage and aggregation belong
// to the Sink implementation.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/nodereg/logger"
)

// StageTransition is emitted on every pipeline ticket transition
type StageTransition struct {
	TicketID string
	EntityID string
	From     string
	To       string
	Priority int
	Reason   string
	InStage  time.Duration // Time spent in From before the transition
	At       time.Time
}

// CacheEviction is emitted for every slot cache eviction
type CacheEviction struct {
	Key         string
	EntityID    string
	AccessCount int64
	Age         time.Duration // Time since the entry was last accessed
	At          time.Time
}

// Sink receives registry events. Implementations must be safe for concurrent use
// and must not block.
type Sink interface {
	StageTransition(StageTransition)
	CacheEviction(CacheEviction)
	AddressExhausted(category string)
}

// Nop discards every event
type Nop struct{}

func (Nop) StageTransition(StageTransition) {}
func (Nop) CacheEviction(CacheEviction)     {}
func (Nop) AddressExhausted(string)         {}

// OrNop returns s, or Nop when s is nil
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// LogSink writes events as debug-level structured log lines
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink returns a sink logging under the "telemetry" component
func NewLogSink() *LogSink {
	return &LogSink{logger: logger.ComponentLogger("telemetry")}
}

func (l *LogSink) StageTransition(e StageTransition) {
	l.logger.Debugw("Stage transition",
		logger.FieldTicketID, e.TicketID,
		logger.FieldEntityID, e.EntityID,
		"from", e.From,
		"to", e.To,
		logger.FieldPriority, e.Priority,
		logger.FieldDurationMS, e.InStage.Milliseconds())
}

func (l *LogSink) CacheEviction(e CacheEviction) {
	l.logger.Debugw("Cache eviction",
		logger.FieldSlotKey, e.Key,
		logger.FieldEntityID, e.EntityID,
		logger.FieldCount, e.AccessCount,
		"age", e.Age)
}

func (l *LogSink) AddressExhausted(category string) {
	l.logger.Warnw("Address partition exhausted",
		logger.FieldCategory, category)
}

// Multi fans events out to several sinks in order
type Multi []Sink

func (m Multi) StageTransition(e StageTransition) {
	for _, s := range m {
		s.StageTransition(e)
	}
}

func (m Multi) CacheEviction(e CacheEviction) {
	for _, s := range m {
		s.CacheEviction(e)
	}
}

func (m Multi) AddressExhausted(category string) {
	for _, s := range m {
		s.AddressExhausted(category)
	}
}

// Recorder keeps every event in memory. Tests and the CLI use it to inspect what happened.
type Recorder struct {
	mu          sync.Mutex
	transitions []StageTransition
	evictions   []CacheEviction
	exhausted   []string
}

func (r *Recorder) StageTransition(e StageTransition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, e)
}

func (r *Recorder) CacheEviction(e CacheEviction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions = append(r.evictions, e)
}

func (r *Recorder) AddressExhausted(category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted = append(r.exhausted, category)
}

// Transitions returns a copy of the recorded stage transitions
func (r *Recorder) Transitions() []StageTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StageTransition(nil), r.transitions...)
}

// Evictions returns a copy of the recorded cache evictions
func (r *Recorder) Evictions() []CacheEviction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CacheEviction(nil), r.evictions...)
}

// Exhausted returns the categories reported as exhausted, in order
func (r *Recorder) Exhausted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.exhausted...)
}

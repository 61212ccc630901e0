// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream delivers workflow events to connected clients.
//
// A DefaultEmitter is created per workflow run. Stages emit typed
// StreamEvents into it; transports (SSE, WebSocket) attach as
// subscribers and receive the events in emission order. Delivery is
// decoupled from emission: each subscriber owns a bounded queue and a
// pump goroutine, so a stalled client never blocks the workflow.
//
// # Ordering
//
// Within one run, events are strictly ordered and carry a strictly
// increasing sequence number. A stage_end is never delivered before
// its stage_start. Across runs no ordering is implied.
//
// # Back-pressure
//
// When a subscriber's queue is full, the oldest informational event
// (log, tool_call_*) is evicted to make room. Stage boundaries and
// terminal events are never dropped; if the queue holds only those,
// it grows past its cap rather than lose one. Evictions are reported
// to the subscriber as a single synthesized WARNING log per burst.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/SkiffLocal/pkg/logging"
	"github.com/AleutianAI/SkiffLocal/services/forge/config"
	"github.com/AleutianAI/SkiffLocal/services/forge/datatypes"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// eventsEmitted counts events by envelope type.
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Stream events emitted, by type",
	}, []string{"type"})

	// eventsDropped counts informational events evicted under
	// back-pressure.
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Subsystem: "stream",
		Name:      "dropped_total",
		Help:      "Informational events dropped by slow subscribers",
	})

	// activeSubscribers tracks attached transports.
	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Currently attached stream subscribers",
	})
)

// =============================================================================
// Constants
// =============================================================================

const (
	// defaultQueueSize bounds a subscriber's pending-event queue.
	defaultQueueSize = 256

	// bufferSize caps the per-run replay buffer.
	bufferSize = 1000
)

// =============================================================================
// Emitter Interface
// =============================================================================

// Emitter is the stage-facing event surface.
//
// # Description
//
// Stages report progress through an Emitter without knowing who is
// listening. The production implementation is DefaultEmitter; tests
// use MockEmitter.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Emitter interface {
	// EmitStageStart announces a stage beginning.
	EmitStageStart(stage string)

	// EmitStageEnd announces a stage completing with its result.
	EmitStageEnd(stage string, result map[string]any)

	// EmitLog forwards an informational progress line. Level uses the
	// fabric's wire names ("INFO", "WARNING", ...).
	EmitLog(level, stage, message string)

	// EmitToolCallStart announces an external tool invocation.
	EmitToolCallStart(stage, tool string, args map[string]any)

	// EmitToolCallEnd announces the tool invocation finishing.
	EmitToolCallEnd(stage, tool string, result map[string]any)

	// EmitError emits the failing terminal event and closes the stream.
	EmitError(err error)

	// EmitFinal emits the successful terminal event and closes the
	// stream.
	EmitFinal(result map[string]any, metrics map[string]float64)
}

// =============================================================================
// Pacing
// =============================================================================

// Pacing holds the advisory inter-event delivery delays.
//
// The delay lets thin UI clients render incremental progress. It is
// applied by the subscriber pump only while the queue is empty; a
// backlogged subscriber is flushed at full speed, so pacing can never
// stall the workflow.
type Pacing struct {
	// Default applies after informational events.
	Default time.Duration

	// Critical applies after stage boundaries and terminal events.
	Critical time.Duration
}

// PacingFromConfig builds delivery pacing from the stream section.
func PacingFromConfig(cfg config.StreamConfig) Pacing {
	return Pacing{
		Default:  time.Duration(cfg.PacingMillis) * time.Millisecond,
		Critical: time.Duration(cfg.CriticalPacingMillis) * time.Millisecond,
	}
}

// For returns the delay bucket for an event type.
func (p Pacing) For(t datatypes.StreamEventType) time.Duration {
	if t.Droppable() {
		return p.Default
	}
	return p.Critical
}

// =============================================================================
// DefaultEmitter
// =============================================================================

// DefaultEmitter multicasts one run's events to attached subscribers.
//
// # Description
//
// The engine creates one DefaultEmitter per workflow run and hands it
// to every stage. Transports attach via Subscribe before the run
// starts (or mid-run, with replay). After a terminal event the emitter
// closes itself; later emits are ignored, which guarantees at most one
// terminal event reaches any subscriber.
//
// # Thread Safety
//
// Safe for concurrent use. Emission holds the emitter lock across the
// fan-out, so all subscribers observe the same order.
type DefaultEmitter struct {
	taskID   string
	logger   *logging.Logger
	pacing   Pacing
	queueCap int

	mu       sync.Mutex
	seq      uint64
	subs     map[string]*subscriber
	buffer   []datatypes.StreamEvent
	terminal bool
	closed   bool
}

// Option configures a DefaultEmitter.
type Option func(*DefaultEmitter)

// WithPacing sets the delivery pacing buckets.
func WithPacing(p Pacing) Option {
	return func(e *DefaultEmitter) { e.pacing = p }
}

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(e *DefaultEmitter) {
		if n > 0 {
			e.queueCap = n
		}
	}
}

// NewEmitter creates the emitter for one workflow run.
//
// # Inputs
//
//   - taskID: The run's task id, stamped on every event.
//   - logger: Fabric logger for drop diagnostics. May be nil.
//   - opts: Pacing and queue overrides.
func NewEmitter(taskID string, logger *logging.Logger, opts ...Option) *DefaultEmitter {
	e := &DefaultEmitter{
		taskID:   taskID,
		logger:   logger,
		queueCap: defaultQueueSize,
		subs:     make(map[string]*subscriber),
		buffer:   make([]datatypes.StreamEvent, 0, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TaskID returns the run this emitter belongs to.
func (e *DefaultEmitter) TaskID() string {
	return e.taskID
}

// EmitStageStart announces a stage beginning.
func (e *DefaultEmitter) EmitStageStart(stage string) {
	e.emit(datatypes.NewStageStart(e.taskID, stage))
}

// EmitStageEnd announces a stage completing with its result.
func (e *DefaultEmitter) EmitStageEnd(stage string, result map[string]any) {
	e.emit(datatypes.NewStageEnd(e.taskID, stage, result))
}

// EmitLog forwards an informational progress line.
func (e *DefaultEmitter) EmitLog(level, stage, message string) {
	e.emit(datatypes.NewLogStreamEvent(e.taskID, stage, level, message))
}

// EmitToolCallStart announces an external tool invocation.
func (e *DefaultEmitter) EmitToolCallStart(stage, tool string, args map[string]any) {
	e.emit(datatypes.NewToolCallStart(e.taskID, stage, tool, args))
}

// EmitToolCallEnd announces the tool invocation finishing.
func (e *DefaultEmitter) EmitToolCallEnd(stage, tool string, result map[string]any) {
	e.emit(datatypes.NewToolCallEnd(e.taskID, stage, tool, result))
}

// EmitError emits the failing terminal event and closes the stream.
func (e *DefaultEmitter) EmitError(err error) {
	e.emit(datatypes.NewErrorEvent(e.taskID, err))
}

// EmitFinal emits the successful terminal event and closes the stream.
func (e *DefaultEmitter) EmitFinal(result map[string]any, metrics map[string]float64) {
	e.emit(datatypes.NewFinalResult(e.taskID, result, metrics))
}

// emit assigns the sequence number, records the event, and fans it out.
func (e *DefaultEmitter) emit(event datatypes.StreamEvent) {
	e.mu.Lock()

	if e.closed || e.terminal {
		e.mu.Unlock()
		return
	}

	e.seq++
	event.Seq = e.seq

	e.buffer = append(e.buffer, event)
	if len(e.buffer) > bufferSize {
		e.buffer = e.buffer[len(e.buffer)-bufferSize:]
	}

	for _, sub := range e.subs {
		sub.push(event, e.queueCap)
	}

	isTerminal := event.Type.IsTerminal()
	if isTerminal {
		e.terminal = true
	}
	e.mu.Unlock()

	eventsEmitted.WithLabelValues(string(event.Type)).Inc()

	if isTerminal {
		e.Close()
	}
}

// Subscribe attaches a consumer and returns its subscription.
//
// # Description
//
// When replay is true, events already emitted this run are queued
// first, so a transport that attaches mid-run still sees the complete
// stream. The subscription channel is closed after the run's terminal
// event (or Close) once the queue drains.
//
// # Inputs
//
//   - replay: Queue the run's buffered history before live events.
//
// # Outputs
//
//   - *Subscription: The attached consumer handle.
func (e *DefaultEmitter) Subscribe(replay bool) *Subscription {
	sub := newSubscriber(e.taskID, e.logger)

	e.mu.Lock()
	if replay {
		for _, event := range e.buffer {
			sub.push(event, bufferSize)
		}
	}
	if e.closed {
		sub.close()
	} else {
		e.subs[sub.id] = sub
	}
	e.mu.Unlock()

	go sub.pump(e.pacing)

	return &Subscription{ID: sub.id, emitter: e, sub: sub}
}

// Unsubscribe detaches a consumer immediately, discarding whatever it
// had not read yet.
func (e *DefaultEmitter) Unsubscribe(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if ok {
		sub.abort()
	}
}

// Buffer returns a copy of the events emitted so far.
func (e *DefaultEmitter) Buffer() []datatypes.StreamEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]datatypes.StreamEvent, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// Terminal reports whether the run already emitted its terminal event.
func (e *DefaultEmitter) Terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// Close detaches all subscribers after their queues drain.
//
// Called automatically after a terminal event; callers use it directly
// only on abandon paths where no terminal will ever arrive.
func (e *DefaultEmitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := make([]*subscriber, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.subs = make(map[string]*subscriber)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is one attached consumer of a run's event stream.
type Subscription struct {
	// ID identifies the subscription for Unsubscribe.
	ID string

	emitter *DefaultEmitter
	sub     *subscriber
}

// Events returns the delivery channel. It closes after the run's
// terminal event or Cancel, once pending events drain.
func (s *Subscription) Events() <-chan datatypes.StreamEvent {
	return s.sub.out
}

// Cancel detaches the subscription. Pending events are discarded and
// the Events channel closes shortly after.
func (s *Subscription) Cancel() {
	s.emitter.Unsubscribe(s.ID)
	s.sub.abort()
}

// =============================================================================
// subscriber
// =============================================================================

// subscriber owns one consumer's bounded queue and pump goroutine.
type subscriber struct {
	id     string
	taskID string
	logger *logging.Logger
	out    chan datatypes.StreamEvent
	done   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []datatypes.StreamEvent
	dropped int
	closed  bool
	aborted bool
}

func newSubscriber(taskID string, logger *logging.Logger) *subscriber {
	s := &subscriber{
		id:     uuid.New().String(),
		taskID: taskID,
		logger: logger,
		out:    make(chan datatypes.StreamEvent),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push enqueues an event, evicting the oldest informational entry when
// the queue is full. Never blocks.
func (s *subscriber) push(event datatypes.StreamEvent, queueCap int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) >= queueCap {
		evicted := false
		for i := range s.queue {
			if s.queue[i].Type.Droppable() {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			if event.Type.Droppable() {
				s.dropped++
				return
			}
			// Only stage boundaries and terminals remain; grow rather
			// than lose one.
		}
	}

	s.queue = append(s.queue, event)
	s.cond.Signal()
}

// close stops the pump once the queue drains. Used on the run-over
// path, where the consumer keeps reading until the channel closes.
func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// abort stops the pump immediately, discarding queued events. Used
// when the consumer is gone and will never read again.
func (s *subscriber) abort() {
	s.mu.Lock()
	if !s.aborted {
		s.aborted = true
		close(s.done)
	}
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// pump delivers queued events to the out channel in order, pacing
// delivery while the consumer keeps up and reporting drop bursts.
//
// The drop report is a synthesized log event without a sequence
// number; it is delivered before the event that emptied the backlog,
// so a terminal event always arrives last.
func (s *subscriber) pump(pacing Pacing) {
	activeSubscribers.Inc()
	defer activeSubscribers.Dec()
	defer close(s.out)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		event := s.queue[0]
		s.queue = s.queue[1:]
		backlog := len(s.queue)

		var dropped int
		if s.dropped > 0 && backlog == 0 {
			dropped = s.dropped
			s.dropped = 0
		}
		s.mu.Unlock()

		if dropped > 0 {
			eventsDropped.Add(float64(dropped))
			if s.logger != nil {
				s.logger.Warn("stream subscriber fell behind",
					"task_id", s.taskID, "dropped", dropped)
			}
			warning := datatypes.NewLogStreamEvent(s.taskID, "",
				logging.LevelWarn.String(),
				fmt.Sprintf("dropped %d informational events under back-pressure", dropped))
			select {
			case s.out <- warning:
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- event:
		case <-s.done:
			return
		}

		if backlog == 0 {
			if delay := pacing.For(event.Type); delay > 0 {
				time.Sleep(delay)
			}
		}
	}
}

// =============================================================================
// MockEmitter
// =============================================================================

// MockEmitter records events for stage tests.
//
// # Thread Safety
//
// Safe for concurrent use.
type MockEmitter struct {
	mu     sync.Mutex
	Events []datatypes.StreamEvent
}

// NewMockEmitter creates an empty recorder.
func NewMockEmitter() *MockEmitter {
	return &MockEmitter{}
}

func (m *MockEmitter) record(event datatypes.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Seq = uint64(len(m.Events) + 1)
	m.Events = append(m.Events, event)
}

// EmitStageStart records a stage_start event.
func (m *MockEmitter) EmitStageStart(stage string) {
	m.record(datatypes.NewStageStart("", stage))
}

// EmitStageEnd records a stage_end event.
func (m *MockEmitter) EmitStageEnd(stage string, result map[string]any) {
	m.record(datatypes.NewStageEnd("", stage, result))
}

// EmitLog records a log event.
func (m *MockEmitter) EmitLog(level, stage, message string) {
	m.record(datatypes.NewLogStreamEvent("", stage, level, message))
}

// EmitToolCallStart records a tool_call_start event.
func (m *MockEmitter) EmitToolCallStart(stage, tool string, args map[string]any) {
	m.record(datatypes.NewToolCallStart("", stage, tool, args))
}

// EmitToolCallEnd records a tool_call_end event.
func (m *MockEmitter) EmitToolCallEnd(stage, tool string, result map[string]any) {
	m.record(datatypes.NewToolCallEnd("", stage, tool, result))
}

// EmitError records the failing terminal event.
func (m *MockEmitter) EmitError(err error) {
	m.record(datatypes.NewErrorEvent("", err))
}

// EmitFinal records the successful terminal event.
func (m *MockEmitter) EmitFinal(result map[string]any, metrics map[string]float64) {
	m.record(datatypes.NewFinalResult("", result, metrics))
}

// Recorded returns a copy of the captured events.
func (m *MockEmitter) Recorded() []datatypes.StreamEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]datatypes.StreamEvent, len(m.Events))
	copy(out, m.Events)
	return out
}

// ByType returns the captured events of one type.
func (m *MockEmitter) ByType(t datatypes.StreamEventType) []datatypes.StreamEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datatypes.StreamEvent
	for _, event := range m.Events {
		if event.Type == t {
			out = append(out, event)
		}
	}
	return out
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Emitter = (*DefaultEmitter)(nil)
	_ Emitter = (*MockEmitter)(nil)
)

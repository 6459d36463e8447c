package monitoring

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
)

// AuditEvent is a persisted record of a stage or run outcome.
type AuditEvent struct {
	ID         uuid.UUID       `json:"id"`
	RunID      string          `json:"run_id"`
	Pipeline   string          `json:"pipeline,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Kind       events.Kind     `json:"kind"`
	State      string          `json:"state"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// AuditStore persists audit events.
type AuditStore interface {
	SaveAuditEvent(ctx context.Context, event *AuditEvent) error
	BatchSaveAuditEvents(ctx context.Context, events []AuditEvent) error
}

// AuditConfig configures the audit writer.
type AuditConfig struct {
	BufferSize     int
	BatchSize      int
	FlushInterval  time.Duration
	EnableAsync    bool
	IncludePayload bool
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		BufferSize:     1000,
		BatchSize:      100,
		FlushInterval:  5 * time.Second,
		EnableAsync:    true,
		IncludePayload: true,
	}
}

// AuditWriter captures stage and run outcomes from the event bus and
// persists them in batches. Without a store it only logs.
type AuditWriter struct {
	logger *observability.Logger
	store  AuditStore
	buffer chan *AuditEvent
	config AuditConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewAuditWriter creates a writer and starts its flush loop when async.
func NewAuditWriter(logger *observability.Logger, store AuditStore, config AuditConfig) *AuditWriter {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	w := &AuditWriter{
		logger: logger.WithComponent("audit_writer"),
		store:  store,
		buffer: make(chan *AuditEvent, config.BufferSize),
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if config.EnableAsync {
		go w.runFlushLoop()
	} else {
		close(w.doneCh)
	}
	return w
}

// Attach records terminal stage and run events from bus.
func (w *AuditWriter) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		if ev, ok := auditEventFrom(e); ok {
			if err := w.Record(context.Background(), ev); err != nil {
				w.logger.Warn().Err(err).Str("run_id", ev.RunID).Msg("Failed to record audit event")
			}
		}
	})
}

func auditEventFrom(e events.Event) (AuditEvent, bool) {
	switch ev := e.(type) {
	case events.StageEvent:
		if ev.Restored {
			return AuditEvent{}, false
		}
		return AuditEvent{
			RunID:      ev.RunID,
			Stage:      ev.Stage,
			Kind:       events.KindStage,
			State:      ev.State,
			Attempts:   ev.Attempts,
			Error:      ev.Error,
			Reason:     ev.Reason,
			OccurredAt: ev.Timestamp,
		}, true
	case events.RunEvent:
		if !pipeline.RunState(ev.State).Terminal() {
			return AuditEvent{}, false
		}
		ae := AuditEvent{
			RunID:      ev.RunID,
			Pipeline:   ev.Pipeline,
			Kind:       events.KindRun,
			State:      ev.State,
			Error:      ev.Error,
			OccurredAt: ev.Timestamp,
		}
		if len(ev.Counts) > 0 {
			ae.Payload, _ = json.Marshal(map[string]any{"counts": ev.Counts, "progress": ev.Progress})
		}
		return ae, true
	}
	return AuditEvent{}, false
}

// Record queues an event. When the buffer is full it is written
// synchronously.
func (w *AuditWriter) Record(ctx context.Context, event AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if !w.config.IncludePayload {
		event.Payload = nil
	}

	if w.config.EnableAsync && !w.stopped() {
		select {
		case w.buffer <- &event:
			return nil
		default:
			w.logger.Warn().Msg("Audit buffer full, writing synchronously")
		}
	}
	return w.writeEvent(ctx, &event)
}

func (w *AuditWriter) writeEvent(ctx context.Context, event *AuditEvent) error {
	if w.store == nil {
		w.logEvent(event, "Audit event (no store)")
		return nil
	}
	return w.store.SaveAuditEvent(ctx, event)
}

func (w *AuditWriter) logEvent(event *AuditEvent, msg string) {
	w.logger.Info().
		Str("run_id", event.RunID).
		Str("kind", string(event.Kind)).
		Str("stage", event.Stage).
		Str("state", event.State).
		Msg(msg)
}

func (w *AuditWriter) runFlushLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	var batch []*AuditEvent
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= w.config.BatchSize {
				w.flushBatch(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-w.stopCh:
			batch = w.drain(batch)
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			return
		}
	}
}

func (w *AuditWriter) drain(batch []*AuditEvent) []*AuditEvent {
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
		default:
			return batch
		}
	}
}

func (w *AuditWriter) flushBatch(batch []*AuditEvent) {
	if w.store == nil {
		for _, event := range batch {
			w.logEvent(event, "Audit event (batch, no store)")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make([]AuditEvent, len(batch))
	for i, event := range batch {
		out[i] = *event
	}
	if err := w.store.BatchSaveAuditEvents(ctx, out); err != nil {
		w.logger.Error().Err(err).Int("count", len(batch)).Msg("Failed to flush audit batch")
	} else {
		w.logger.Debug().Int("count", len(batch)).Msg("Flushed audit batch")
	}
}

func (w *AuditWriter) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Stop flushes buffered events and stops the writer.
func (w *AuditWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"OmniVault/internal/event"
	"OmniVault/internal/observability"
)

// PersistedEvent is the post-commit notification handed to the outbound
// publisher. The orchestrator (cmd/main.go) bridges this to the NATS
// publisher's input type, so downstream consumers only ever see events
// that are durable.
type PersistedEvent struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PluginID       *uint8
	Payload        []byte
	StateHash      []byte
	Timestamp      time.Time
}

// PersistenceWorker drains the vault's event channel and batch-writes the
// log to Postgres. The vault uses BLOCKING sends on the channel, so if this
// worker falls behind, the vault stalls — guaranteeing no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan event.Event
	outChan      chan<- PersistedEvent
	batchSize    int
	flushTimeout time.Duration
	hasher       *StateHasher
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan event.Event,
	outChan chan<- PersistedEvent,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		outChan:      outChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		hasher:       NewStateHasher(),
		metrics:      metrics,
	}
}

// RestoreChain resets the hash chain tip, used when resuming from a
// snapshot instead of genesis. Call before Run.
func (pw *PersistenceWorker) RestoreChain(tip [32]byte) {
	pw.hasher.Restore(tip)
}

// ChainTip returns the current hash chain tip for snapshotting.
func (pw *PersistenceWorker) ChainTip() [32]byte {
	return pw.hasher.GetPrevHash()
}

// Run starts the persistence worker loop. It batches incoming events and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Record, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				} else {
					pw.publish(batch)
				}
			}
			return ctx.Err()

		case ev, ok := <-pw.inputChan:
			if !ok {
				// Channel closed — flush and exit
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					} else {
						pw.publish(batch)
					}
				}
				return nil
			}

			batch = append(batch, BuildRecord(ev, time.Now().UTC(), pw.hasher))

			// Flush if batch is full
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				} else {
					pw.publish(batch)
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout — write whatever we have
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				} else {
					pw.publish(batch)
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops events: it retries until the write succeeds or the context is
// cancelled, and on cancellation makes one final attempt with a background
// context so the batch is not lost during shutdown.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Record) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(batch))
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				finalErr := pw.flush(context.Background(), batch)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Record) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	requests := make([]RequestRow, 0, len(batch))
	resolutions := make([]RequestResolution, 0, len(batch))
	for _, rec := range batch {
		events = append(events, rec.Event)
		if rec.NewRequest != nil {
			requests = append(requests, *rec.NewRequest)
		}
		if rec.Resolution != nil {
			resolutions = append(resolutions, *rec.Resolution)
		}
	}

	// Events, new requests, and request resolutions commit atomically.
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if err := pw.writer.WriteRequestBatch(ctx, tx, requests); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_requests").Inc()
		}
		return err
	}

	if err := pw.writer.ResolveRequestBatch(ctx, tx, resolutions, start.UTC()); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("resolve_requests").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	// Record metrics on success
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistRequestsWritten.Add(float64(len(requests) + len(resolutions)))
		if len(events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}

	return nil
}

// publish forwards committed events to the outbound channel. Publishing is
// best-effort: a full channel drops the notification rather than stalling
// the write path, since every event remains readable from the log.
func (pw *PersistenceWorker) publish(batch []Record) {
	if pw.outChan == nil {
		return
	}
	for _, rec := range batch {
		e := rec.Event
		out := PersistedEvent{
			Sequence:       e.Sequence,
			EventType:      e.EventType,
			IdempotencyKey: e.IdempotencyKey,
			PluginID:       pluginFromColumn(e.PluginID),
			Payload:        e.Payload,
			StateHash:      e.StateHash,
			Timestamp:      e.Timestamp,
		}
		select {
		case pw.outChan <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

// GetWriter returns the underlying writer for snapshot and query use.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}

func pluginFromColumn(id *int16) *uint8 {
	if id == nil {
		return nil
	}
	v := uint8(*id)
	return &v
}

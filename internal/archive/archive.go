// Package archive hands relayed messages and finished calls to durable
// sinks without blocking the realtime path.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/careline-hub/internal/domain"
	"github.com/ashureev/careline-hub/internal/telemetry"
)

// Sink persists or forwards archive records.
type Sink interface {
	SaveMessage(ctx context.Context, msg domain.Message) error
	UpdateMessageState(ctx context.Context, change domain.MessageStateChange) error
	SaveCall(ctx context.Context, rec domain.CallRecord) error
	Close() error
}

type recordKind int

const (
	recordMessage recordKind = iota
	recordMessageState
	recordCall
)

func (k recordKind) String() string {
	switch k {
	case recordMessage:
		return "message"
	case recordMessageState:
		return "message_state"
	default:
		return "call"
	}
}

type record struct {
	kind   recordKind
	msg    domain.Message
	change domain.MessageStateChange
	call   domain.CallRecord
}

const (
	defaultQueueSize = 1000
	sinkTimeout      = 5 * time.Second
	drainTimeout     = 5 * time.Second
)

// Recorder queues records for a background worker that fans them out to
// every sink. Enqueueing never blocks; a full queue drops the record.
type Recorder struct {
	sinks   []Sink
	queue   chan record
	logger  *slog.Logger
	metrics *telemetry.Metrics
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the worker. A Recorder with no sinks discards records.
func NewRecorder(queueSize int, logger *slog.Logger, metrics *telemetry.Metrics, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		queue:   make(chan record, queueSize),
		logger:  logger,
		metrics: metrics,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Message archives a newly relayed message.
func (r *Recorder) Message(msg domain.Message) {
	r.enqueue(record{kind: recordMessage, msg: msg})
}

// MessageState archives a delivery state transition.
func (r *Recorder) MessageState(change domain.MessageStateChange) {
	r.enqueue(record{kind: recordMessageState, change: change})
}

// Call archives a finished call session.
func (r *Recorder) Call(rec domain.CallRecord) {
	r.enqueue(record{kind: recordCall, call: rec})
}

func (r *Recorder) enqueue(rec record) {
	if r == nil || len(r.sinks) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- rec:
	default:
		r.metrics.ArchiveDropped(context.Background(), rec.kind.String())
		r.logger.Warn("Archive queue full, dropping record", "record", rec.kind.String())
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	for _, sink := range r.sinks {
		var err error
		switch rec.kind {
		case recordMessage:
			err = sink.SaveMessage(ctx, rec.msg)
		case recordMessageState:
			err = sink.UpdateMessageState(ctx, rec.change)
		case recordCall:
			err = sink.SaveCall(ctx, rec.call)
		}
		if err != nil {
			r.logger.Error("Archive write failed",
				"record", rec.kind.String(),
				"sink", fmt.Sprintf("%T", sink),
				"error", err,
			)
		}
	}
}

// Close stops accepting records, drains the queue and closes every sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		r.logger.Warn("Archive drain timed out", "pending", len(r.queue))
	}

	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

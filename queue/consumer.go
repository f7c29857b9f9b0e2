// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/everclearorg/mark/config"
	"github.com/everclearorg/mark/core"
)

// Handler processes one dequeued event.
type Handler interface {
	Handle(ctx context.Context, event *core.QueuedEvent) core.HandlerOutcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *core.QueuedEvent) core.HandlerOutcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event *core.QueuedEvent) core.HandlerOutcome {
	return f(ctx, event)
}

// ConsumerPool drains the queue with a fixed set of workers. Each worker
// loops dequeue -> handle -> acknowledge / retry / dead-letter. Workers share
// no state beyond the queue itself, whose operations are atomic.
type ConsumerPool struct {
	queue    *Queue
	handlers map[core.EventType]Handler
	workers  int
	idleWait time.Duration
	log      log.Logger

	wg sync.WaitGroup
}

// NewConsumerPool creates a pool of the given size. A size below one is
// raised to one.
func NewConsumerPool(queue *Queue, handlers map[core.EventType]Handler, workers int) *ConsumerPool {
	if workers < 1 {
		workers = 1
	}
	return &ConsumerPool{
		queue:    queue,
		handlers: handlers,
		workers:  workers,
		idleWait: 500 * time.Millisecond,
		log:      log.New("component", "consumer"),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has drained its in-flight event.
func (p *ConsumerPool) Run(ctx context.Context) {
	p.log.Info("consumer pool starting", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	p.log.Info("consumer pool stopped")
}

func (p *ConsumerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		handled := p.drainOnce(ctx)
		if handled == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idleWait):
			}
		}
	}
}

// drainOnce dequeues and handles one batch across all event types, high
// priority first within each batch, and returns how many events it handled.
func (p *ConsumerPool) drainOnce(ctx context.Context) int {
	paused, err := p.queue.IsPaused(ctx)
	if err != nil {
		p.log.Error("pause check failed", "err", err)
		return 0
	}
	if paused {
		return 0
	}

	handled := 0
	for _, t := range core.EventTypes() {
		handler, ok := p.handlers[t]
		if !ok {
			continue
		}
		events, err := p.queue.Dequeue(ctx, t, 10)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("dequeue failed", "type", t, "err", err)
			}
			continue
		}
		for _, event := range byPriority(events) {
			if ctx.Err() != nil {
				// Shutdown mid-batch: leave the rest in processing; startup
				// reclaim will restore them.
				return handled
			}
			p.handleOne(ctx, handler, event)
			handled++
		}
	}
	return handled
}

// byPriority serves HIGH events ahead of the rest of the batch while keeping
// FIFO order within each priority class.
func byPriority(events []*core.QueuedEvent) []*core.QueuedEvent {
	if len(events) < 2 {
		return events
	}
	out := make([]*core.QueuedEvent, 0, len(events))
	for _, e := range events {
		if e.Priority == core.PriorityHigh {
			out = append(out, e)
		}
	}
	for _, e := range events {
		if e.Priority != core.PriorityHigh {
			out = append(out, e)
		}
	}
	return out
}

func (p *ConsumerPool) handleOne(ctx context.Context, handler Handler, event *core.QueuedEvent) {
	outcome := handler.Handle(ctx, event)

	switch outcome.Result {
	case core.HandlerSuccess:
		if err := p.queue.Acknowledge(ctx, event); err != nil {
			p.log.Error("acknowledge failed", "id", event.ID, "err", err)
		}

	case core.HandlerInvalid:
		p.log.Warn("event invalid", "type", event.Type, "id", event.ID, "err", outcome.Err)
		if err := p.queue.Acknowledge(ctx, event); err != nil {
			p.log.Error("acknowledge failed", "id", event.ID, "err", err)
		}
		if event.Type == core.EventInvoiceEnqueued {
			if err := p.queue.AddInvalidInvoice(ctx, event.ID); err != nil {
				p.log.Error("invalid marker failed", "id", event.ID, "err", err)
			}
		}

	case core.HandlerFailure:
		p.retry(ctx, event, outcome)
	}
}

// retry re-enqueues a failed event with backoff, or dead-letters it once the
// retry budget is spent. Events with an infinite budget never increment their
// retry count.
func (p *ConsumerPool) retry(ctx context.Context, event *core.QueuedEvent, outcome core.HandlerOutcome) {
	if event.MaxRetries != core.RetryForever {
		event.RetryCount++
	}
	if event.RetriesExhausted() {
		if err := p.queue.MoveToDeadLetter(ctx, event, outcome.Err); err != nil {
			p.log.Error("dead-letter failed", "id", event.ID, "err", err)
		}
		return
	}

	delay := time.Duration(outcome.RetryAfter) * time.Millisecond
	if delay <= 0 {
		delay = retryBackoff(event.RetryCount)
	}
	event.ScheduledAt = time.Now().Add(delay).UnixMilli()

	if _, err := p.queue.Enqueue(ctx, event, true); err != nil {
		p.log.Error("retry enqueue failed", "id", event.ID, "err", err)
		return
	}
	p.log.Debug("event scheduled for retry",
		"type", event.Type, "id", event.ID, "retry", event.RetryCount, "delay", delay, "err", outcome.Err)
}

// retryBackoff doubles the base delay per attempt, capped at the maximum.
func retryBackoff(attempt int) time.Duration {
	delay := config.RetryBaseDelay
	for i := 0; i < attempt && delay < config.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > config.RetryMaxDelay {
		delay = config.RetryMaxDelay
	}
	return delay
}

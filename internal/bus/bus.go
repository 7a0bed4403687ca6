// Package bus implements the in-process Message Bus:
// publish/subscribe with strict priority ordering, request/response via
// correlation ids, and a bounded history ring buffer for audit/search.
package bus

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"autodev/internal/model"
	"autodev/internal/pipelog"

	"github.com/google/uuid"
)

// Handler processes a delivered message. Handlers must be idempotent:
// delivery is at-least-once within the process.
type Handler func(model.Message)

type subscription struct {
	recipient  string
	typeFilter *model.MessageType
	handler    Handler
}

// GetFilter narrows Get/drain calls.
type GetFilter struct {
	Priority *model.Priority
	Type     *model.MessageType
	Limit    int
}

// HistoryFilter narrows History() queries.
type HistoryFilter struct {
	Recipient *string
	Type      *model.MessageType
	Since     *time.Time
}

// Bus is a single-process, thread-safe publish/subscribe hub.
type Bus struct {
	mu sync.Mutex

	// queues holds one priority-ordered queue per recipient; a broadcast
	// message is copied into every queue that exists at publish time.
	queues map[string]*priorityQueue

	subs []subscription

	// pending correlates outstanding request() calls to their reply channel.
	pending map[string]chan model.Message

	history         []model.Message
	historyCap      int
	perRecipientCap int

	log *pipelog.Logger

	closed bool
	wg     sync.WaitGroup
}

// Config controls bus-wide bounds.
type Config struct {
	HistoryCap      int
	PerRecipientCap int
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{HistoryCap: 10000, PerRecipientCap: 1000}
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 10000
	}
	if cfg.PerRecipientCap <= 0 {
		cfg.PerRecipientCap = 1000
	}
	return &Bus{
		queues:          make(map[string]*priorityQueue),
		pending:         make(map[string]chan model.Message),
		historyCap:      cfg.HistoryCap,
		perRecipientCap: cfg.PerRecipientCap,
		log:             pipelog.Get(pipelog.CategoryBus),
	}
}

func (b *Bus) queueFor(recipient string) *priorityQueue {
	q, ok := b.queues[recipient]
	if !ok {
		q = newPriorityQueue()
		b.queues[recipient] = q
	}
	return q
}

// Publish enqueues a message. When Recipient is empty, Broadcast is
// forced true and the message is delivered to every subscriber.
// Publish also records the message into history and, if the message
// correlates to an outstanding request(), completes that request.
func (b *Bus) Publish(msg model.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Recipient == "" {
		msg.Broadcast = true
	}

	b.mu.Lock()

	b.appendHistoryLocked(msg)

	if msg.CorrelationID != "" {
		if ch, ok := b.pending[msg.CorrelationID]; ok {
			delete(b.pending, msg.CorrelationID)
			select {
			case ch <- msg:
			default:
			}
		}
	}

	var toNotify []subscription
	var dropped []overflowDrop
	if msg.Broadcast {
		for _, sub := range b.subs {
			if subMatches(sub, msg) {
				toNotify = append(toNotify, sub)
			}
		}
		for recipient := range b.queues {
			if d, ok := b.enqueueLocked(recipient, msg); ok {
				dropped = append(dropped, d)
			}
		}
	} else {
		if d, ok := b.enqueueLocked(msg.Recipient, msg); ok {
			dropped = append(dropped, d)
		}
		for _, sub := range b.subs {
			if sub.recipient == msg.Recipient && subMatches(sub, msg) {
				toNotify = append(toNotify, sub)
			}
		}
	}

	b.mu.Unlock()

	// Overflow alerts publish outside the lock; an alert's own drops do
	// not alert again, so a flood of alerts can never feed itself.
	if msg.Type != model.MsgSystemAlert {
		for _, d := range dropped {
			b.Publish(model.Message{
				Type:      model.MsgSystemAlert,
				Priority:  model.PriorityHigh,
				Sender:    "bus",
				Broadcast: true,
				Payload: map[string]any{
					"kind":         "queue_overflow",
					"recipient":    d.recipient,
					"dropped_id":   d.msg.ID,
					"dropped_type": string(d.msg.Type),
				},
			})
		}
	}

	for _, sub := range toNotify {
		b.dispatch(sub, msg)
	}
}

// overflowDrop records one message evicted by the per-recipient cap.
type overflowDrop struct {
	recipient string
	msg       model.Message
}

func subMatches(sub subscription, msg model.Message) bool {
	if sub.typeFilter != nil && *sub.typeFilter != msg.Type {
		return false
	}
	return true
}

// enqueueLocked adds msg to recipient's queue, applying the overflow
// policy: the lowest-priority oldest message is evicted and returned so
// Publish can raise a SYSTEM_ALERT for it once the lock is released.
func (b *Bus) enqueueLocked(recipient string, msg model.Message) (overflowDrop, bool) {
	q := b.queueFor(recipient)
	heap.Push(q, msg)
	if q.Len() > b.perRecipientCap {
		dropped := q.dropLowestPriorityOldest()
		b.log.Warn("queue overflow for %s: dropped message %s (type=%s)", recipient, dropped.ID, dropped.Type)
		return overflowDrop{recipient: recipient, msg: dropped}, true
	}
	return overflowDrop{}, false
}

func (b *Bus) appendHistoryLocked(msg model.Message) {
	b.history = append(b.history, msg)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
}

// dispatch invokes a subscriber's handler, converting a panic into a
// logged SYSTEM_WARNING so other subscribers still get delivery.
func (b *Bus) dispatch(sub subscription, msg model.Message) {
	b.wg.Add(1)
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic for recipient %s: %v", sub.recipient, r)
			// A panic while handling a panic warning is logged only, so a
			// handler that panics on every message cannot recurse forever.
			if kind, _ := msg.Payload["kind"].(string); msg.Type == model.MsgSystemWarning && kind == "handler_panic" {
				return
			}
			b.Publish(model.Message{
				Type:      model.MsgSystemWarning,
				Priority:  model.PriorityHigh,
				Sender:    "bus",
				Broadcast: true,
				Payload:   map[string]any{"kind": "handler_panic", "recipient": sub.recipient, "error": fmt.Sprintf("%v", r)},
			})
		}
	}()
	sub.handler(msg)
}

// Subscribe registers handler for recipient, optionally filtered to a
// single message type.
func (b *Bus) Subscribe(recipient string, typeFilter *model.MessageType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{recipient: recipient, typeFilter: typeFilter, handler: handler})
	b.queueFor(recipient)
}

// Get drains up to filter.Limit matching messages addressed to
// recipient, FIFO within priority, skipping (and dropping) any expired
// message encountered along the way.
func (b *Bus) Get(recipient string, filter GetFilter) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[recipient]
	if !ok {
		return nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = q.Len()
	}

	var out []model.Message
	var requeue []model.Message
	now := time.Now()
	for q.Len() > 0 && len(out) < limit {
		msg := heap.Pop(q).(model.Message)
		if msg.Expired(now) {
			continue
		}
		if filter.Priority != nil && msg.Priority != *filter.Priority {
			requeue = append(requeue, msg)
			continue
		}
		if filter.Type != nil && msg.Type != *filter.Type {
			requeue = append(requeue, msg)
			continue
		}
		out = append(out, msg)
	}
	for _, msg := range requeue {
		heap.Push(q, msg)
	}
	return out
}

// Request publishes payload to recipient under a fresh correlation id
// and blocks until a reply bearing that id arrives or timeout elapses.
func (b *Bus) Request(ctx context.Context, sender, recipient string, msgType model.MessageType, payload map[string]any, timeout time.Duration) (model.Message, error) {
	correlationID := uuid.NewString()
	reply := make(chan model.Message, 1)

	b.mu.Lock()
	b.pending[correlationID] = reply
	b.mu.Unlock()

	b.Publish(model.Message{
		Type:          msgType,
		Priority:      model.PriorityHigh,
		Sender:        sender,
		Recipient:     recipient,
		Payload:       payload,
		CorrelationID: correlationID,
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case msg := <-reply:
		return msg, nil
	case <-timeoutCtx.Done():
		b.mu.Lock()
		delete(b.pending, correlationID)
		b.mu.Unlock()
		return model.Message{}, fmt.Errorf("bus: request to %s timed out after %s: %w", recipient, timeout, timeoutCtx.Err())
	}
}

// Reply publishes a response correlated to an inbound request message.
func (b *Bus) Reply(to model.Message, sender string, payload map[string]any) {
	b.Publish(model.Message{
		Type:          to.Type,
		Priority:      to.Priority,
		Sender:        sender,
		Recipient:     to.Sender,
		Payload:       payload,
		CorrelationID: to.CorrelationID,
	})
}

// History returns a copy of the bounded ring buffer filtered by filter,
// most recent last, capped at limit entries (0 = unlimited).
func (b *Bus) History(filter HistoryFilter, limit int) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []model.Message
	for _, msg := range b.history {
		if filter.Recipient != nil && msg.Recipient != *filter.Recipient {
			continue
		}
		if filter.Type != nil && msg.Type != *filter.Type {
			continue
		}
		if filter.Since != nil && msg.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Shutdown waits for in-flight handler dispatches to finish, bounded by
// grace.
func (b *Bus) Shutdown(grace time.Duration) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		b.log.Warn("shutdown grace period elapsed with handlers still running")
	}
}

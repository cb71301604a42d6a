// Package eventlog converges the two ingestion paths (worker goroutines and
// the HTTP query/control surface) onto identical system_events rows, and
// exposes the query surface spec section 6.3 requires.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sovi/pkg/domain"
	"sovi/pkg/store"
)

// fallbackExchange is the out-of-band sink a failed event insert is
// published to, per spec section 4.8: "failure to write an event is itself an
// event emitted to an out-of-band log sink".
const fallbackExchange = "sovi.events.fallback"

// Log wraps a Store's event methods and guarantees both ingestion paths
// produce identical rows.
type Log struct {
	store store.Store
	amqp  *amqp.Channel
}

// New builds an event log over the given store. amqpConn may be nil, in
// which case insert failures are only logged locally (no fallback sink).
func New(st store.Store, amqpConn *amqp.Connection) (*Log, error) {
	l := &Log{store: st}
	if amqpConn != nil {
		ch, err := amqpConn.Channel()
		if err != nil {
			return nil, err
		}
		if err := ch.ExchangeDeclare(fallbackExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return nil, err
		}
		l.amqp = ch
	}
	return l, nil
}

// Emit is the synchronous ingestion path called directly from worker
// goroutines (scheduler, session runner, creation runner, warming engine).
func (l *Log) Emit(ctx context.Context, event domain.SystemEvent) (int64, error) {
	return l.insert(ctx, event)
}

// EmitHTTP is the ingestion path for conditions observed from the
// apiserver's request handling path (for example, an operator-triggered
// action that itself needs to be recorded). It funnels into the exact same
// Store.InsertEvent call as Emit so the two paths can never diverge.
func (l *Log) EmitHTTP(ctx context.Context, event domain.SystemEvent) (int64, error) {
	return l.insert(ctx, event)
}

func (l *Log) insert(ctx context.Context, event domain.SystemEvent) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Context == nil {
		event.Context = map[string]any{}
	}
	id, err := l.store.InsertEvent(ctx, event)
	if err != nil {
		l.publishFallback(event, err)
		return 0, err
	}
	return id, nil
}

func (l *Log) publishFallback(event domain.SystemEvent, cause error) {
	slog.Error("event insert failed, publishing to fallback sink",
		"event_type", event.EventType, "category", event.Category, "error", cause)
	if l.amqp == nil {
		return
	}
	payload := struct {
		Event domain.SystemEvent `json:"event"`
		Cause string             `json:"cause"`
	}{Event: event, Cause: cause.Error()}
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		slog.Error("marshal fallback event payload failed", "error", marshalErr)
		return
	}
	if pubErr := l.amqp.Publish(fallbackExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now().UTC(),
	}); pubErr != nil {
		slog.Error("publish to fallback exchange failed", "error", pubErr)
	}
}

// ByFilter returns events matching the given filter, cursor, and limit.
func (l *Log) ByFilter(ctx context.Context, filter store.EventFilter) ([]domain.SystemEvent, error) {
	return l.store.ListEvents(ctx, filter)
}

// Unresolved returns unresolved events in ascending id order (oldest first).
func (l *Log) Unresolved(ctx context.Context, limit int) ([]domain.SystemEvent, error) {
	resolved := false
	return l.store.ListEvents(ctx, store.EventFilter{Resolved: &resolved, Limit: limit})
}

// Resolve marks an event resolved by the given identity.
func (l *Log) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	return l.store.ResolveEvent(ctx, id, resolvedBy)
}

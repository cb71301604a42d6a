package eventlog

import (
	"context"
	"testing"

	"sovi/pkg/domain"
	"sovi/pkg/store"
	"sovi/pkg/store/storetest"
)

func TestEmitAndEmitHTTPProduceIdenticalShapedRows(t *testing.T) {
	mem := storetest.NewMemStore()
	log, err := New(mem, nil)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	ctx := context.Background()

	id1, err := log.Emit(ctx, domain.SystemEvent{
		Category:  domain.CategoryScheduler,
		Severity:  domain.SeverityInfo,
		EventType: "warming_complete",
		Message:   "worker path",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	id2, err := log.EmitHTTP(ctx, domain.SystemEvent{
		Category:  domain.CategoryScheduler,
		Severity:  domain.SeverityInfo,
		EventType: "warming_complete",
		Message:   "http path",
	})
	if err != nil {
		t.Fatalf("emit http: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct monotonic ids, got %d and %d", id1, id2)
	}

	events, err := log.ByFilter(ctx, store.EventFilter{EventType: "warming_complete"})
	if err != nil {
		t.Fatalf("by filter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.Context == nil {
			t.Fatalf("expected non-nil context map on every event")
		}
	}
}

func TestUnresolvedAndResolve(t *testing.T) {
	mem := storetest.NewMemStore()
	log, _ := New(mem, nil)
	ctx := context.Background()

	id, err := log.Emit(ctx, domain.SystemEvent{
		Category:  domain.CategoryDevice,
		Severity:  domain.SeverityError,
		EventType: "install_failed",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	unresolved, err := log.Unresolved(ctx, 10)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved event, got %d", len(unresolved))
	}
	if err := log.Resolve(ctx, id, "operator-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	unresolved, err = log.Unresolved(ctx, 10)
	if err != nil {
		t.Fatalf("unresolved after resolve: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected 0 unresolved events after resolve, got %d", len(unresolved))
	}
}

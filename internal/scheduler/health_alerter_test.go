package scheduler

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestHealthAlerterEscalatesAfterThreshold(t *testing.T) {
	redis := miniredis.RunT(t)
	alerter := NewHealthAlerter(redis.Addr(), "", "test:health")
	if alerter == nil {
		t.Fatalf("expected alerter")
	}

	ctx := context.Background()
	var last HealthAlertResult
	for i := 0; i < healthProbeThreshold; i++ {
		result, err := alerter.Observe(ctx, "dev-1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		last = result
	}
	if !last.Escalated {
		t.Fatalf("expected escalation after %d failures, got %+v", healthProbeThreshold, last)
	}
}

func TestHealthAlerterDoesNotEscalateBelowThreshold(t *testing.T) {
	redis := miniredis.RunT(t)
	alerter := NewHealthAlerter(redis.Addr(), "", "test:health")

	result, err := alerter.Observe(context.Background(), "dev-2")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Escalated {
		t.Fatalf("unexpected escalation on first failure: %+v", result)
	}
}

func TestHealthAlerterIsolatesByDevice(t *testing.T) {
	redis := miniredis.RunT(t)
	alerter := NewHealthAlerter(redis.Addr(), "", "test:health")
	ctx := context.Background()

	for i := 0; i < healthProbeThreshold; i++ {
		if _, err := alerter.Observe(ctx, "dev-a"); err != nil {
			t.Fatalf("observe dev-a: %v", err)
		}
	}
	result, err := alerter.Observe(ctx, "dev-b")
	if err != nil {
		t.Fatalf("observe dev-b: %v", err)
	}
	if result.Escalated {
		t.Fatalf("dev-b's first failure should not be escalated just because dev-a escalated")
	}
}

func TestNewHealthAlerterReturnsNilWithoutAddr(t *testing.T) {
	if alerter := NewHealthAlerter("", "", "test:health"); alerter != nil {
		t.Fatalf("expected nil alerter when addr is empty")
	}
}

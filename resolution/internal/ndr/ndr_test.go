package ndr

import (
	"testing"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

func TestCanTransition(t *testing.T) {
	if !CanTransition(models.StatusDetected, models.StatusInResolution) {
		t.Fatalf("expected detected -> in_resolution to be allowed")
	}
	if !CanTransition(models.StatusEscalated, models.StatusRTOTriggered) {
		t.Fatalf("expected escalated -> rto_triggered to be allowed")
	}
	if CanTransition(models.StatusResolved, models.StatusEscalated) {
		t.Fatalf("expected resolved -> escalated to be blocked")
	}
	if CanTransition(models.StatusRTOTriggered, models.StatusInResolution) {
		t.Fatalf("expected rto_triggered -> in_resolution to be blocked")
	}
}

func TestDetectedCanEscalateDirectly(t *testing.T) {
	if !CanTransition(models.StatusDetected, models.StatusEscalated) {
		t.Fatalf("expected detected -> escalated to be allowed")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	ev := EventTypeForTransition(models.StatusInResolution, models.StatusResolved)
	if ev == "" {
		t.Fatalf("expected event type for in_resolution -> resolved")
	}
}

func TestOpen(t *testing.T) {
	if !Open(models.StatusDetected) || !Open(models.StatusInResolution) {
		t.Fatalf("expected detected and in_resolution to be open")
	}
	if Open(models.StatusEscalated) || Open(models.StatusResolved) {
		t.Fatalf("expected escalated and resolved to be closed")
	}
}

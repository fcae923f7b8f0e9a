package database

import (
	"testing"
	"time"
)

func setupResilienceEventManagerTest(t *testing.T) (*ResilienceEventManager, func()) {
	tdb, cleanupMain := setupTestDB(t)
	rm := NewResilienceEventManager(tdb)
	if err := rm.CreateSchemaResilienceEvents(); err != nil {
		cleanupMain()
		t.Fatalf("Failed to create resilience_events schema: %v", err)
	}
	return rm, cleanupMain
}

func TestResilienceEventManagerCreateSchema(t *testing.T) {
	rm, cleanup := setupResilienceEventManagerTest(t)
	defer cleanup()

	var tableName string
	err := rm.tdb.DB().QueryRow(
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' AND table_name = 'resilience_events';",
	).Scan(&tableName)
	if err != nil {
		t.Fatalf("resilience_events table was not created: %v", err)
	}
}

func TestResilienceEventManagerRecordAndRecentEvents(t *testing.T) {
	rm, cleanup := setupResilienceEventManagerTest(t)
	defer cleanup()

	now := time.Now().UTC()
	if err := rm.RecordEvent("circuit_breaker", "saxo-stream", "state_change", map[string]any{"from": "closed", "to": "open"}, now); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := rm.RecordEvent("circuit_breaker", "saxo-stream", "state_change", map[string]any{"from": "open", "to": "half_open"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := rm.RecordEvent("watchdog", "order-feed", "timeout", nil, now); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	events, err := rm.RecentEvents("circuit_breaker", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 circuit_breaker events, got %d", len(events))
	}
	if events[0].Detail["to"] != "half_open" {
		t.Errorf("expected most recent event first, got %+v", events[0])
	}
}

func TestResilienceEventManagerRecordEventRequiresFields(t *testing.T) {
	rm, cleanup := setupResilienceEventManagerTest(t)
	defer cleanup()

	if err := rm.RecordEvent("", "x", "y", nil, time.Now()); err == nil {
		t.Error("expected error for empty component")
	}
}

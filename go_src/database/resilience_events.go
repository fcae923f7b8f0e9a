package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResilienceEventManager handles operations for the resilience_events
// table: a forensic log of the resilience events that callers record
// with RecordEvent (cmd/wata-kline-stream records WebSocket state
// changes, disconnects and watchdog timeouts). This is distinct from message replay — it exists
// purely so an operator can reconstruct what the resilience stack did
// after the fact.
type ResilienceEventManager struct {
	tdb *TradingDB
}

// NewResilienceEventManager creates a new ResilienceEventManager.
func NewResilienceEventManager(tdb *TradingDB) *ResilienceEventManager {
	return &ResilienceEventManager{tdb: tdb}
}

// CreateSchemaResilienceEvents creates the resilience_events table.
func (rm *ResilienceEventManager) CreateSchemaResilienceEvents() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resilience_events (
		id BIGINT PRIMARY KEY DEFAULT nextval('resilience_events_id_seq'),
		component VARCHAR NOT NULL,     -- e.g. "circuit_breaker", "wsmanager", "watchdog"
		name VARCHAR NOT NULL,          -- the component instance's own name
		event_type VARCHAR NOT NULL,    -- e.g. "state_change", "reconnect", "timeout"
		detail JSON,
		occurred_at TIMESTAMP NOT NULL
	);`
	if _, err := rm.tdb.DB().Exec(`CREATE SEQUENCE IF NOT EXISTS resilience_events_id_seq;`); err != nil {
		return fmt.Errorf("failed to create resilience_events_id_seq: %w", err)
	}
	if _, err := rm.tdb.DB().Exec(schema); err != nil {
		return fmt.Errorf("failed to create resilience_events schema: %w", err)
	}
	return nil
}

// RecordEvent appends one forensic event row.
func (rm *ResilienceEventManager) RecordEvent(component, name, eventType string, detail map[string]any, occurredAt time.Time) error {
	if component == "" || name == "" || eventType == "" {
		return fmt.Errorf("component, name and event_type are all required")
	}

	var detailArg interface{}
	if len(detail) > 0 {
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal event detail to JSON: %w", err)
		}
		detailArg = detailJSON
	}

	_, err := rm.tdb.DB().Exec(
		`INSERT INTO resilience_events (component, name, event_type, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		component, name, eventType, detailArg, occurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert resilience event: %w", err)
	}
	return nil
}

// ResilienceEvent is one row read back from resilience_events.
type ResilienceEvent struct {
	ID         int64
	Component  string
	Name       string
	EventType  string
	Detail     map[string]any
	OccurredAt time.Time
}

// RecentEvents returns up to limit most recent events for component,
// newest first.
func (rm *ResilienceEventManager) RecentEvents(component string, limit int) ([]ResilienceEvent, error) {
	rows, err := rm.tdb.DB().Query(
		`SELECT id, component, name, event_type, detail, occurred_at FROM resilience_events
		 WHERE component = ? ORDER BY occurred_at DESC LIMIT ?`,
		component, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query resilience_events: %w", err)
	}
	defer rows.Close()

	var events []ResilienceEvent
	for rows.Next() {
		var ev ResilienceEvent
		var detailRaw []byte
		if err := rows.Scan(&ev.ID, &ev.Component, &ev.Name, &ev.EventType, &detailRaw, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan resilience_events row: %w", err)
		}
		if len(detailRaw) > 0 {
			if err := json.Unmarshal(detailRaw, &ev.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event detail: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

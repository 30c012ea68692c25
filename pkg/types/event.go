// Package types provides core data types for the activity pipeline.
package types

import (
	"fmt"
	"time"
)

// Lifecycle event types emitted by the Collector. Anything outside this
// set is treated as a free-form resource interaction verb ("view",
// "submission", "download", ...).
const (
	EventPageView      = "page_view"
	EventPageExit      = "page_exit"
	EventTabBlur       = "tab_blur"
	EventTabFocus      = "tab_focus"
	EventUserIdle      = "user_idle"
	EventSessionEnd    = "session_end"
	EventResourceStart = "resource_start"
	EventResourceEnd   = "resource_end"

	EventView       = "view"
	EventSubmission = "submission"
)

// Resource types understood by the rollup contribution rules.
const (
	ResourcePage       = "page"
	ResourceSession    = "session"
	ResourceCourse     = "course"
	ResourceAssignment = "assignment"
	ResourceContent    = "content"
)

// ActivityEvent is a single recorded user interaction fact. Events are
// immutable once constructed and append-only in the Event Log.
type ActivityEvent struct {
	// EventID is the client-generated UUID used as the idempotency key
	EventID string `json:"event_id"`

	// ActorID identifies the acting user
	ActorID int64 `json:"actor_id"`

	// EventType categorizes the event (lifecycle type or resource verb)
	EventType string `json:"event_type"`

	// ResourceType is the kind of resource the event refers to
	ResourceType string `json:"resource_type,omitempty"`

	// ResourceID identifies the resource; empty for session-level events
	ResourceID string `json:"resource_id,omitempty"`

	// Timestamp is the client-assigned occurrence time in Unix milliseconds
	Timestamp int64 `json:"timestamp"`

	// DurationSeconds is non-zero only for completed intervals
	DurationSeconds int64 `json:"duration_seconds"`

	// Metadata is an open key/value bag, never used as an aggregation key
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the invariants required of every transmitted event.
func (e *ActivityEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event: event_id is required")
	}
	if e.ActorID <= 0 {
		return fmt.Errorf("event: actor_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event: event_type is required")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("event: timestamp is required")
	}
	if e.DurationSeconds < 0 {
		return fmt.Errorf("event: duration_seconds must be >= 0, got %d", e.DurationSeconds)
	}
	return nil
}

// Time returns the event timestamp as a UTC time.
func (e *ActivityEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// DayBucket truncates the event timestamp to its UTC day (YYYY-MM-DD).
func (e *ActivityEvent) DayBucket() string {
	return e.Time().Format("2006-01-02")
}

// MonthPartition returns the YYYYMM partition key for the event.
func (e *ActivityEvent) MonthPartition() string {
	return e.Time().Format("200601")
}

// IsLifecycle reports whether the type belongs to the fixed lifecycle set
// emitted by the Collector state machine.
func IsLifecycle(eventType string) bool {
	switch eventType {
	case EventPageView, EventPageExit, EventTabBlur, EventTabFocus,
		EventUserIdle, EventSessionEnd, EventResourceStart, EventResourceEnd:
		return true
	}
	return false
}

// IsResourceInteraction reports whether the type is a resource verb
// (anything outside the lifecycle set, plus explicit interval brackets).
func IsResourceInteraction(eventType string) bool {
	switch eventType {
	case EventResourceStart, EventResourceEnd:
		return true
	}
	return !IsLifecycle(eventType)
}

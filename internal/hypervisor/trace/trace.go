// Package trace records address space events for offline analysis of guest memory behaviour.
package trace

import (
	"sync"
	"time"
)

// Event represents a single traced event with timing information.
type Event struct {
	Timestamp int64  `json:"ts"`   // Unix nanoseconds when the event started
	Duration  int64  `json:"dur"`  // Duration in nanoseconds (0 for point events)
	Addr      uint64 `json:"addr"` // Guest-physical address
	Length    uint64 `json:"len"`
	Type      uint8  `json:"typ"`
}

// Event types for categorization
const (
	TypeFault    uint8 = 0
	TypePrefault uint8 = 1
	TypeMap      uint8 = 2
	TypeUnmap    uint8 = 3
	TypePin      uint8 = 4
	TypeUnpin    uint8 = 5
	TypeReclaim  uint8 = 6
)

// TypeName returns a short label for an event type.
func TypeName(t uint8) string {
	switch t {
	case TypeFault:
		return "fault"
	case TypePrefault:
		return "prefault"
	case TypeMap:
		return "map"
	case TypeUnmap:
		return "unmap"
	case TypePin:
		return "pin"
	case TypeUnpin:
		return "unpin"
	case TypeReclaim:
		return "reclaim"
	default:
		return "unknown"
	}
}

// EventRecorder is a thread-safe recorder for trace events.
// A nil recorder is valid and records nothing.
type EventRecorder struct {
	mu      sync.Mutex
	events  []Event
	enabled bool
}

// NewEventRecorder creates a new event recorder.
// If enabled is false, recording operations are no-ops.
func NewEventRecorder(enabled bool) *EventRecorder {
	r := &EventRecorder{
		enabled: enabled,
	}
	if enabled {
		r.events = make([]Event, 0, 1024)
	}

	return r
}

// SetEnabled enables or disables recording.
func (r *EventRecorder) SetEnabled(enabled bool) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.enabled = enabled
	if enabled && r.events == nil {
		r.events = make([]Event, 0, 1024)
	}
}

// IsEnabled returns whether recording is enabled.
func (r *EventRecorder) IsEnabled() bool {
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.enabled
}

// Record adds an event that started at startTime and ends now.
func (r *EventRecorder) Record(startTime time.Time, addr, length uint64, eventType uint8) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	r.events = append(r.events, Event{
		Timestamp: startTime.UnixNano(),
		Duration:  time.Since(startTime).Nanoseconds(),
		Addr:      addr,
		Length:    length,
		Type:      eventType,
	})
}

// RecordNow adds a point event (no duration) at the current time.
func (r *EventRecorder) RecordNow(addr, length uint64, eventType uint8) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	r.events = append(r.events, Event{
		Timestamp: time.Now().UnixNano(),
		Addr:      addr,
		Length:    length,
		Type:      eventType,
	})
}

// Events returns a copy of all recorded events.
func (r *EventRecorder) Events() []Event {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Event, len(r.events))
	copy(result, r.events)

	return result
}

// Clear removes all recorded events.
func (r *EventRecorder) Clear() {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = r.events[:0]
}

// Count returns the number of recorded events.
func (r *EventRecorder) Count() int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

// Package storage provides SQLite persistence for the controller's history:
// valve transitions, sensor readings, safety trips and per-zone runtime.
package storage

import "time"

// Valve event sources
const (
	SourceAuto      = "auto"
	SourceManual    = "manual"
	SourceSafety    = "safety"
	SourceWinterize = "winterize"
	SourceSystem    = "system"
)

// ValveEvent records one committed valve transition
type ValveEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"` // Shared by the start and stop of one run
	ZoneID    uint8     `json:"zone_id"`
	PrevState bool      `json:"prev_state"`
	NewState  bool      `json:"new_state"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Published bool      `json:"published"`
}

// MoistureReading is a periodic sample of one zone
type MoistureReading struct {
	ID          int64     `json:"id"`
	ZoneID      uint8     `json:"zone_id"`
	Raw         uint16    `json:"raw"`
	Percent     uint8     `json:"percent"`
	Temperature float64   `json:"temperature"` // °F
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// SafetyTrip records a safety limit forcing a zone off
type SafetyTrip struct {
	ID        int64         `json:"id"`
	ZoneID    uint8         `json:"zone_id"`
	Trip      string        `json:"trip"` // freeze, max_duration, daily_cap
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
	Published bool          `json:"published"`
}

// ZoneRuntime is the runtime state that survives restarts
type ZoneRuntime struct {
	ZoneID      uint8     `json:"zone_id"`
	LastWatered time.Time `json:"last_watered"`
	UpdatedAt   time.Time `json:"updated_at"`
}

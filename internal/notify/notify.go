// Package notify publishes committed valve transitions, safety trips and
// lifecycle events to an MQTT broker, with a fake for tests.
package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics, relative to the configured prefix.
const (
	TopicValveFmt = "%s/zone/%d/valve" // zone number is 1-based
	TopicSafety   = "%s/safety"
	TopicSystem   = "%s/system"
)

// Publisher publishes events to a broker. Publishing failures are returned
// and must never stop the control loop.
type Publisher interface {
	PublishTransition(t Transition) error
	PublishTrip(t Trip) error
	PublishSystem(e SystemEvent) error
	Close() error
}

// Transition is a committed valve change.
type Transition struct {
	Timestamp time.Time
	Zone      int // 0-based index
	On        bool
	Source    string
	Reason    string
	RunID     string
}

// Trip is a safety limit forcing a zone off.
type Trip struct {
	Timestamp time.Time
	Zone      int
	Trip      string
	Elapsed   time.Duration
}

// SystemEvent is a lifecycle event such as STARTUP or SHUTDOWN.
type SystemEvent struct {
	Timestamp time.Time
	Event     string
	Reason    string
	Retained  bool
}

type valvePayload struct {
	Valve struct {
		Timestamp string `json:"timestamp"`
		Zone      int    `json:"zone"`
		State     string `json:"state"`
		Source    string `json:"source"`
		Reason    string `json:"reason,omitempty"`
		RunID     string `json:"run_id,omitempty"`
	} `json:"valve"`
}

type tripPayload struct {
	Safety struct {
		Timestamp  string `json:"timestamp"`
		Zone       int    `json:"zone"`
		Trip       string `json:"trip"`
		ElapsedSec int64  `json:"elapsed_sec"`
	} `json:"safety"`
}

type systemPayload struct {
	System struct {
		Timestamp string `json:"timestamp"`
		Event     string `json:"event"`
		Reason    string `json:"reason,omitempty"`
	} `json:"system"`
}

func state(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// ValveTopic returns the topic of zone index i.
func ValveTopic(prefix string, i int) string {
	return fmt.Sprintf(TopicValveFmt, prefix, i+1)
}

// FormatTransition creates the JSON payload for a valve transition.
func FormatTransition(t Transition) ([]byte, error) {
	var p valvePayload
	p.Valve.Timestamp = t.Timestamp.UTC().Format(time.RFC3339)
	p.Valve.Zone = t.Zone + 1
	p.Valve.State = state(t.On)
	p.Valve.Source = t.Source
	p.Valve.Reason = t.Reason
	p.Valve.RunID = t.RunID
	return json.Marshal(p)
}

// FormatTrip creates the JSON payload for a safety trip.
func FormatTrip(t Trip) ([]byte, error) {
	var p tripPayload
	p.Safety.Timestamp = t.Timestamp.UTC().Format(time.RFC3339)
	p.Safety.Zone = t.Zone + 1
	p.Safety.Trip = t.Trip
	p.Safety.ElapsedSec = int64(t.Elapsed / time.Second)
	return json.Marshal(p)
}

// FormatSystem creates the JSON payload for a lifecycle event.
func FormatSystem(e SystemEvent) ([]byte, error) {
	var p systemPayload
	p.System.Timestamp = e.Timestamp.UTC().Format(time.RFC3339)
	p.System.Event = e.Event
	p.System.Reason = e.Reason
	return json.Marshal(p)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTransition(Transition) error { return nil }
func (Nop) PublishTrip(Trip) error             { return nil }
func (Nop) PublishSystem(SystemEvent) error    { return nil }
func (Nop) Close() error                       { return nil }

package engine

import (
	"time"

	"github.com/agsys/zone-controller/internal/config"
	"github.com/agsys/zone-controller/internal/zone"
)

// ZoneStatus is the observable state of one zone.
type ZoneStatus struct {
	ID            uint8         `json:"id" yaml:"id"`
	Name          string        `json:"name" yaml:"name"`
	Mode          config.Mode   `json:"mode" yaml:"mode"`
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Active        bool          `json:"active" yaml:"active"`
	On            bool          `json:"on" yaml:"on"`
	Energized     bool          `json:"energized" yaml:"energized"` // last commanded relay state
	Since         time.Time     `json:"since,omitempty" yaml:"since,omitempty"`
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`
	WateredToday  time.Duration `json:"watered_today" yaml:"watered_today"`
	LastWatered   time.Time     `json:"last_watered,omitempty" yaml:"last_watered,omitempty"`
	Raw           uint16        `json:"raw" yaml:"raw"`
	RawValid      bool          `json:"raw_valid" yaml:"raw_valid"`
	Moisture      uint8         `json:"moisture" yaml:"moisture"`
	MoistureValid bool          `json:"moisture_valid" yaml:"moisture_valid"`
	Held          bool          `json:"held" yaml:"held"`
	Flags         zone.Flags    `json:"-" yaml:"-"`
	Status        string        `json:"status" yaml:"status"`
}

// WinterizeProgress describes a running winterize sequence.
type WinterizeProgress struct {
	Zone      int       `json:"zone" yaml:"zone"`
	Remaining []int     `json:"remaining" yaml:"remaining"`
	Until     time.Time `json:"until" yaml:"until"`
}

// Status is a point-in-time copy of the engine state.
type Status struct {
	Time         time.Time          `json:"time" yaml:"time"`
	Settings     config.Settings    `json:"settings" yaml:"settings"`
	Zones        []ZoneStatus       `json:"zones" yaml:"zones"`
	Temperature  float64            `json:"temperature" yaml:"temperature"` // in Settings.System.TempUnit
	Humidity     float64            `json:"humidity" yaml:"humidity"`
	AmbientValid bool               `json:"ambient_valid" yaml:"ambient_valid"`
	Freezing     bool               `json:"freezing" yaml:"freezing"`
	Winterize    *WinterizeProgress `json:"winterize,omitempty" yaml:"winterize,omitempty"`
}

func (e *Engine) status(now time.Time) Status {
	s := Status{
		Time:         now,
		Settings:     e.settings,
		Zones:        make([]ZoneStatus, 0, config.MaxZones),
		Temperature:  e.settings.System.TempUnit.Display(e.ambient.Temperature),
		Humidity:     e.ambient.Humidity,
		AmbientValid: e.ambient.Valid,
		Freezing:     e.freezing,
	}

	active := e.active()
	for i := range e.zones {
		st := &e.zones[i]
		cfg := e.settings.Zones[i]
		s.Zones = append(s.Zones, ZoneStatus{
			ID:            cfg.ID,
			Name:          cfg.Name,
			Mode:          cfg.Mode,
			Enabled:       cfg.Enabled,
			Active:        i < active,
			On:            st.On,
			Energized:     e.relay.IsOn(i),
			Since:         st.Since,
			Elapsed:       st.Elapsed(now),
			WateredToday:  st.WateredToday(now),
			LastWatered:   st.LastWatered,
			Raw:           st.Raw,
			RawValid:      st.RawValid,
			Moisture:      st.Moisture,
			MoistureValid: st.MoistureValid,
			Held:          e.held[i],
			Flags:         st.Flags,
			Status:        st.Flags.String(),
		})
	}

	if w := e.winterize; w != nil {
		p := &WinterizeProgress{Zone: w.zone(), Until: w.until}
		if w.cur+1 < len(w.queue) {
			p.Remaining = append([]int(nil), w.queue[w.cur+1:]...)
		}
		s.Winterize = p
	}
	return s
}

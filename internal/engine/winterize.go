package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/storage"
)

// winterizer is a sequence of timed pulses, one zone at a time.
type winterizer struct {
	queue []int
	cur   int // index into queue, -1 before the first pulse
	until time.Time
}

func (w *winterizer) zone() int {
	if w.cur < 0 || w.cur >= len(w.queue) {
		return -1
	}
	return w.queue[w.cur]
}

func (e *Engine) startWinterize(now time.Time) error {
	var queue []int
	for i := 0; i < e.active(); i++ {
		if e.settings.Zones[i].Enabled {
			queue = append(queue, i)
		}
	}

	for i := range e.zones {
		if e.zones[i].On {
			if err := e.setZone(i, false, storage.SourceWinterize, "winterize start", now); err != nil {
				return err
			}
		}
	}

	if len(queue) == 0 {
		e.log.Info("winterize skipped, no enabled zones")
		return nil
	}

	e.winterize = &winterizer{queue: queue, cur: -1}
	e.log.Info("winterize started", zap.Ints("zones", queue), zap.Duration("pulse", e.cfg.WinterizePulse))
	e.stepWinterize(now)
	return nil
}

// stepWinterize advances the sequence. Freeze protection and the governor
// do not apply to winterize pulses.
func (e *Engine) stepWinterize(now time.Time) {
	w := e.winterize
	if z := w.zone(); z >= 0 {
		if now.Before(w.until) {
			return
		}
		if err := e.setZone(z, false, storage.SourceWinterize, "pulse complete", now); err != nil {
			return
		}
	}

	w.cur++
	if w.cur >= len(w.queue) {
		e.winterize = nil
		e.log.Info("winterize complete")
		return
	}

	z := w.queue[w.cur]
	if err := e.setZone(z, true, storage.SourceWinterize, "pulse", now); err != nil {
		// retried on the next tick
		w.cur--
		return
	}
	w.until = now.Add(e.cfg.WinterizePulse)
}

func (e *Engine) cancelWinterize(now time.Time, reason string) {
	w := e.winterize
	if w == nil {
		return
	}
	if z := w.zone(); z >= 0 && e.zones[z].On {
		e.setZone(z, false, storage.SourceWinterize, reason, now)
	}
	e.winterize = nil
	e.log.Info("winterize stopped", zap.String("reason", reason))
}

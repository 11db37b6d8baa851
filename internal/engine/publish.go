package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/notify"
)

// enqueue hands an event to the publish loop without blocking the control
// loop. It is only used when there is no history database to act as outbox.
func (e *Engine) enqueue(ev any) {
	if !e.publishing {
		return
	}
	select {
	case e.outbox <- ev:
	default:
		e.log.Warn("publish queue full, dropping event")
	}
}

// publishLoop forwards committed events to the publisher. With a history
// database the unpublished rows are the outbox and are retried until the
// broker accepts them; without one, events are best effort.
func (e *Engine) publishLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case ev := <-e.outbox:
			e.publish(ev)
		case <-ticker.C:
			if e.history != nil {
				e.syncHistory()
			}
		}
	}
}

func (e *Engine) publish(ev any) {
	var err error
	switch v := ev.(type) {
	case notify.Transition:
		err = e.pub.PublishTransition(v)
	case notify.Trip:
		err = e.pub.PublishTrip(v)
	}
	if err != nil {
		e.log.Debug("failed to publish event", zap.Error(err))
	}
}

// syncHistory publishes unpublished valve events and safety trips, oldest
// first, stopping at the first failure so ordering is kept.
func (e *Engine) syncHistory() {
	events, err := e.history.GetUnpublishedValveEvents(e.cfg.PublishBatch)
	if err != nil {
		e.log.Error("failed to get unpublished valve events", zap.Error(err))
		return
	}
	for _, ev := range events {
		t := notify.Transition{
			Timestamp: ev.Timestamp,
			Zone:      int(ev.ZoneID),
			On:        ev.NewState,
			Source:    ev.Source,
			Reason:    ev.Reason,
			RunID:     ev.RunID,
		}
		if err := e.pub.PublishTransition(t); err != nil {
			e.log.Debug("failed to publish valve event", zap.Int64("id", ev.ID), zap.Error(err))
			return
		}
		if err := e.history.MarkValveEventPublished(ev.ID); err != nil {
			e.log.Error("failed to mark valve event published", zap.Int64("id", ev.ID), zap.Error(err))
			return
		}
	}

	trips, err := e.history.GetUnpublishedSafetyTrips(e.cfg.PublishBatch)
	if err != nil {
		e.log.Error("failed to get unpublished safety trips", zap.Error(err))
		return
	}
	for _, tr := range trips {
		if err := e.pub.PublishTrip(notify.Trip{
			Timestamp: tr.Timestamp,
			Zone:      int(tr.ZoneID),
			Trip:      tr.Trip,
			Elapsed:   tr.Elapsed,
		}); err != nil {
			e.log.Debug("failed to publish safety trip", zap.Int64("id", tr.ID), zap.Error(err))
			return
		}
		if err := e.history.MarkSafetyTripPublished(tr.ID); err != nil {
			e.log.Error("failed to mark safety trip published", zap.Int64("id", tr.ID), zap.Error(err))
			return
		}
	}

	if len(events) > 0 || len(trips) > 0 {
		e.log.Debug("published history", zap.Int("events", len(events)), zap.Int("trips", len(trips)))
	}
}

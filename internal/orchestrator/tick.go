package orchestrator

import (
	"time"

	"github.com/stat7verse/backbone/internal/eventlog"
)

// localTick advances every registered game's logical clock. Every
// cfg.ControlTickDivisor local ticks it runs a synchronization pass:
// draining the pending cross-game event queue, delivering each event, and
// appending a control_tick_complete envelope.
func (o *Orchestrator) localTick() {
	now := time.Now().UTC()
	for _, reg := range o.reg.games {
		reg.LastTickAt = now
		reg.Stats.LocalTicks++
	}

	o.localTickCount++
	if o.localTickCount < o.cfg.ControlTickDivisor {
		return
	}
	o.localTickCount = 0
	o.controlTick(now)
}

func (o *Orchestrator) controlTick(start time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			o.failedTicks++
			o.logger.Error("control_tick_panic", map[string]any{"tick_number": o.tickNumber})
			o.metrics.IncCounter("failed_ticks", 1)
		}
	}()

	o.tickNumber++
	batch := o.pending
	o.pending = nil

	routed := 0
	for _, pe := range batch {
		env := o.log.Append(eventlog.Envelope{
			EventType:    eventlog.EventCrossGameEvent,
			SourceGameID: pe.input.SourceGameID,
			TargetGameID: pe.input.TargetGameID,
			Data: mergeEventTypeDetail(pe.input.Data, pe.input.EventType),
		})
		o.mirror(env)
		if src, ok := o.reg.get(pe.input.SourceGameID); ok {
			src.Stats.EventsPublished++
		}
		if pe.input.TargetGameID != nil {
			if tgt, ok := o.reg.get(*pe.input.TargetGameID); ok {
				tgt.Stats.EventsReceived++
			}
		}
		if o.bcast != nil {
			o.bcast.Deliver(env, pe.input.SourceGameID, pe.input.TargetGameID)
		}
		routed++
	}

	o.retireDrainingGames(start)

	rec := ControlTickRecord{
		TickNumber:   o.tickNumber,
		StartedAt:    start.Format("2006-01-02T15:04:05.000Z"),
		FinishedAt:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		GamesSynced:  len(o.reg.games),
		EventsRouted: routed,
		DurationMS:   time.Since(start).Milliseconds(),
	}
	o.pushTickHistory(rec)
	if o.audit != nil {
		o.audit.MirrorTick(rec)
	}

	data := map[string]any{
		"tick_number":   rec.TickNumber,
		"started_at":    rec.StartedAt,
		"finished_at":   rec.FinishedAt,
		"games_synced":  rec.GamesSynced,
		"events_routed": rec.EventsRouted,
		"duration_ms":   rec.DurationMS,
	}
	env := o.log.Append(eventlog.Envelope{EventType: eventlog.EventControlTickComplete, Data: data})
	o.mirror(env)
	if o.bcast != nil {
		o.bcast.DeliverAll(env)
	}
	o.metrics.SetGauge("tick_number", float64(rec.TickNumber))
	o.metrics.IncCounter("events_routed_total", int64(routed))
}

// retireDrainingGames transitions draining registrations to retired once
// their grace period has elapsed. The grace window is cfg.ConnectionGrace,
// reused here as the orchestrator's only visibility into "outbound queues
// drained" is time-based (per-subscriber queue state lives in the writer
// task, not the registry).
func (o *Orchestrator) retireDrainingGames(now time.Time) {
	for gameID, reg := range o.reg.games {
		if reg.State != StateDraining {
			continue
		}
		if now.Sub(reg.DrainingSince) < o.cfg.ConnectionGrace() {
			continue
		}
		if err := reg.transitionTo(StateRetired); err != nil {
			continue
		}
		o.reg.remove(gameID)
	}
}

func (o *Orchestrator) pushTickHistory(rec ControlTickRecord) {
	o.tickHistory = append(o.tickHistory, rec)
	if len(o.tickHistory) > maxTickHistory {
		o.tickHistory = o.tickHistory[len(o.tickHistory)-maxTickHistory:]
	}
}

// TickHistory returns a copy of the bounded control-tick record ring for
// the /api/metrics side-channel. Must only be called from the tick task
// (e.g. via a Request) to respect the single-writer invariant.
func (o *Orchestrator) TickHistory() []ControlTickRecord {
	out := make([]ControlTickRecord, len(o.tickHistory))
	copy(out, o.tickHistory)
	return out
}

func mergeEventTypeDetail(data map[string]any, detail string) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["event_type_detail"] = detail
	return out
}

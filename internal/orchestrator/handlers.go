package orchestrator

import (
	"time"

	"github.com/stat7verse/backbone/internal/apperrors"
	"github.com/stat7verse/backbone/internal/eventlog"
	"github.com/stat7verse/backbone/internal/stat7"
)

func (o *Orchestrator) handleRegister(req Request) {
	in := req.Register

	if _, exists := o.reg.get(in.GameID); exists {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeDuplicateGameID, "game_id already registered: "+in.GameID, nil)})
		return
	}

	lineage := int64(0)
	if in.Lineage != nil {
		lineage = *in.Lineage
	}
	coord := stat7.Coordinate{
		Realm:     in.RealmID,
		Lineage:   lineage,
		Adjacency: in.Adjacency,
		Horizon:   stat7.HorizonEmergence,
		Resonance: in.Resonance,
		Velocity:  in.Velocity,
		Density:   in.Density,
	}
	if err := coord.Validate(); err != nil {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeInvalidCoordinate, err.Error(), nil)})
		return
	}

	entity := stat7.Entity{Coordinate: coord, CreatedAt: time.Now().UTC()}
	if err := o.index.Insert(entity); err != nil {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeInvalidCoordinate, err.Error(), nil)})
		return
	}

	reg := &Registration{
		GameID:          in.GameID,
		RealmID:         in.RealmID,
		Developer:       in.DeveloperName,
		Description:     in.Description,
		RealmCoordinate: coord,
		RegisteredAt:    time.Now().UTC(),
		LocalTickPeriod: o.cfg.TickPeriod(),
		LastTickAt:      time.Now().UTC(),
		State:           StateProposed,
	}
	if err := reg.transitionTo(StateActive); err != nil {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeInternal, err.Error(), nil)})
		return
	}
	o.reg.put(reg)
	o.metrics.IncCounter("games_registered", 1)

	env := o.log.Append(eventlog.Envelope{
		EventType: eventlog.EventGameRegistered,
		Data: map[string]any{
			"game_id":          in.GameID,
			"realm_id":         in.RealmID,
			"realm_coordinate": coord.Address(),
		},
	})
	o.mirror(env)
	if o.bcast != nil {
		o.bcast.DeliverAll(env)
	}
	o.reply(req, Response{Envelope: &env})
}

func (o *Orchestrator) handleUnregister(req Request) {
	in := req.Unregister
	reg, exists := o.reg.get(in.GameID)
	if !exists {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeUnknownGameID, "unknown game_id: "+in.GameID, nil)})
		return
	}
	if reg.State == StateActive {
		if err := reg.transitionTo(StateDraining); err != nil {
			o.reply(req, Response{Err: apperrors.New(apperrors.CodeInternal, err.Error(), nil)})
			return
		}
		reg.DrainingSince = time.Now().UTC()
	}

	env := o.log.Append(eventlog.Envelope{
		EventType: eventlog.EventGameUnregistered,
		Data:      map[string]any{"game_id": in.GameID},
	})
	o.mirror(env)
	if o.bcast != nil {
		o.bcast.DeliverAll(env)
	}
	o.reply(req, Response{Envelope: &env})
}

// handlePublish validates the publish request immediately, rejecting an
// unknown source or target with nothing appended to the log, but defers
// the actual log append and delivery to the next control-tick's drain
// pass, preserving per-source publication order and the control-tick
// barrier.
func (o *Orchestrator) handlePublish(req Request) {
	in := req.Publish

	source, ok := o.reg.get(in.SourceGameID)
	if !ok || source.State == StateRetired {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeUnknownSource, "unknown source_game_id: "+in.SourceGameID, nil)})
		return
	}
	if source.State == StateDraining {
		o.reply(req, Response{Err: apperrors.New(apperrors.CodeUnknownSource, "source_game_id is draining and cannot publish: "+in.SourceGameID, nil)})
		return
	}
	if in.TargetGameID != nil {
		if _, ok := o.reg.get(*in.TargetGameID); !ok {
			o.reply(req, Response{Err: apperrors.New(apperrors.CodeUnknownTarget, "unknown target_game_id: "+*in.TargetGameID, nil)})
			return
		}
	}

	o.pending = append(o.pending, pendingEvent{connID: req.ConnID, input: in})
	o.reply(req, Response{})
}

func (o *Orchestrator) handleListGames(req Request) {
	snap := o.reg.snapshot()
	games := make([]any, 0, len(snap))
	for _, r := range snap {
		games = append(games, map[string]any{
			"game_id":  r.GameID,
			"realm_id": r.RealmID,
			"state":    string(r.State),
			"address":  r.RealmCoordinate.Address(),
		})
	}
	env := eventlog.Envelope{
		EventType: eventlog.EventGameList,
		Data:      map[string]any{"games": games},
	}
	o.reply(req, Response{Envelope: &env})
}

func (o *Orchestrator) handleUniverseState(req Request) {
	env := o.buildUniverseState()
	o.reply(req, Response{Envelope: &env})
}

func (o *Orchestrator) buildUniverseState() eventlog.Envelope {
	return eventlog.Envelope{
		EventType: eventlog.EventUniverseState,
		Data: map[string]any{
			"tick_number":      o.tickNumber,
			"registered_games": len(o.reg.games),
			"buffered_events":  o.log.Len(),
			"uptime_ms":        time.Since(o.startedAt).Milliseconds(),
		},
	}
}

func (o *Orchestrator) handleMetricsSnapshot(req Request) {
	counters, gauges := o.metrics.Snapshot()
	history := o.TickHistory()
	ticks := make([]any, 0, len(history))
	for _, rec := range history {
		ticks = append(ticks, map[string]any{
			"tick_number":   rec.TickNumber,
			"started_at":    rec.StartedAt,
			"finished_at":   rec.FinishedAt,
			"games_synced":  rec.GamesSynced,
			"events_routed": rec.EventsRouted,
			"duration_ms":   rec.DurationMS,
		})
	}
	gameStats := make(map[string]any, len(o.reg.games))
	for gameID, reg := range o.reg.games {
		gameStats[gameID] = reg.Stats
	}
	env := eventlog.Envelope{
		Data: map[string]any{
			"counters":     counters,
			"gauges":       gauges,
			"tick_history": ticks,
			"game_stats":   gameStats,
		},
	}
	o.reply(req, Response{Envelope: &env})
}

func (o *Orchestrator) mirror(env eventlog.Envelope) {
	if o.audit != nil {
		o.audit.MirrorEnvelope(env)
	}
}

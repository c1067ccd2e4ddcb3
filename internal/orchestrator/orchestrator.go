// Package orchestrator implements the control-tick core: the realm
// registry, the two-level tick scheduler, cross-game event routing, and
// control-tick records. It owns all mutable orchestrator state; every
// mutation happens on a single goroutine (the tick task), reached only via
// the Requests channel.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/stat7verse/backbone/internal/apperrors"
	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/eventlog"
	"github.com/stat7verse/backbone/internal/stat7"
	"github.com/stat7verse/backbone/internal/telemetry"
)

// Broadcaster delivers envelopes to connected subscribers. It is
// implemented by the WS fan-out server's Hub and injected into the
// Orchestrator so the tick task never performs socket I/O itself.
type Broadcaster interface {
	// Deliver sends env to every subscriber with interest in targetGameID
	// (nil = broadcast to every subscriber accepting broadcast events),
	// always including the subscriber registered for sourceGameID so a
	// publisher observes its own echo.
	Deliver(env eventlog.Envelope, sourceGameID string, targetGameID *string)
	// DeliverAll sends env to every connected subscriber unconditionally.
	DeliverAll(env eventlog.Envelope)
	// SendTo sends env only to the connection identified by connID (used
	// for list_games/universe_state direct replies and error envelopes).
	SendTo(connID string, env eventlog.Envelope)
}

// AuditSink mirrors envelopes and control-tick records for offline
// inspection. It is best-effort and never blocks the tick task.
type AuditSink interface {
	MirrorEnvelope(env eventlog.Envelope)
	MirrorTick(rec ControlTickRecord)
}

// ControlTickRecord is emitted as the data payload of a
// control_tick_complete envelope and mirrored to the audit sink.
type ControlTickRecord struct {
	TickNumber uint64 `json:"tick_number"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	GamesSynced int   `json:"games_synced"`
	EventsRouted int  `json:"events_routed"`
	DurationMS int64  `json:"duration_ms"`
}

type pendingEvent struct {
	connID string
	input  PublishEventInput
}

// Orchestrator is the control-tick core. Construct with New
// and run its tick task with Run in its own goroutine.
type Orchestrator struct {
	cfg     config.Config
	log     *eventlog.Log
	index   *stat7.Index
	reg     *registry
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	bcast   Broadcaster
	audit   AuditSink

	requests chan Request

	tickNumber     uint64
	localTickCount int
	pending        []pendingEvent
	startedAt      time.Time
	failedTicks    uint64

	// tickHistory is a bounded ring of the last 64 ControlTickRecords,
	// exposed via /api/metrics.
	tickHistory []ControlTickRecord
}

const maxTickHistory = 64

// New constructs an Orchestrator. bcast and audit may be nil; audit being
// nil disables mirroring entirely.
func New(cfg config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics, bcast Broadcaster, audit AuditSink) *Orchestrator {
	if logger == nil {
		logger = telemetry.Nop
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      eventlog.NewLog(cfg.BufferMax),
		index:    stat7.NewIndex(),
		reg:      newRegistry(),
		logger:   logger,
		metrics:  metrics,
		bcast:    bcast,
		audit:    audit,
		requests: make(chan Request, 256),
	}
}

// Submit enqueues req for processing by the tick task. It is safe to call
// from any reader task; it never blocks on tick processing itself, only on
// channel capacity (backpressure against a stalled tick task).
func (o *Orchestrator) Submit(ctx context.Context, req Request) error {
	select {
	case o.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Log returns the underlying event log, read-only from the caller's
// perspective (Replay/LastSeq/Len are safe for concurrent use).
func (o *Orchestrator) Log() *eventlog.Log { return o.log }

// Run is the tick task: the single owner of all orchestrator mutable
// state. It must be started in its own goroutine exactly once. It returns
// when ctx is cancelled, after draining in-flight commands for up to
// cfg.ShutdownGrace and emitting a final universe_state envelope.
func (o *Orchestrator) Run(ctx context.Context) {
	o.startedAt = time.Now()
	ticker := time.NewTicker(o.cfg.TickPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.drainAndShutdown()
			return
		case req := <-o.requests:
			o.handleRequest(req)
		case <-ticker.C:
			o.localTick()
		}
	}
}

func (o *Orchestrator) drainAndShutdown() {
	grace := time.NewTimer(o.cfg.ShutdownGrace())
	defer grace.Stop()
drain:
	for {
		select {
		case req := <-o.requests:
			o.handleRequest(req)
		case <-grace.C:
			break drain
		default:
			break drain
		}
	}
	final := o.buildUniverseState()
	stamped := o.log.Append(final)
	if o.bcast != nil {
		o.bcast.DeliverAll(stamped)
	}
}

func (o *Orchestrator) handleRequest(req Request) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("tick_task_panic", map[string]any{"panic": fmt.Sprintf("%v", rec), "command": string(req.Kind)})
			o.metrics.IncCounter("internal_errors", 1)
			if req.Reply != nil {
				req.Reply <- Response{Err: apperrors.New(apperrors.CodeInternal, "internal error processing command", nil)}
			}
		}
	}()

	switch req.Kind {
	case CmdRegisterGame:
		o.handleRegister(req)
	case CmdUnregisterGame:
		o.handleUnregister(req)
	case CmdPublishEvent:
		o.handlePublish(req)
	case CmdListGames:
		o.handleListGames(req)
	case CmdUniverseState:
		o.handleUniverseState(req)
	case CmdMetricsSnapshot:
		o.handleMetricsSnapshot(req)
	default:
		if req.Reply != nil {
			req.Reply <- Response{Err: apperrors.New(apperrors.CodeSchemaError, fmt.Sprintf("unrecognized command %q", req.Kind), nil)}
		}
	}
}

func (o *Orchestrator) reply(req Request, resp Response) {
	if req.Reply != nil {
		req.Reply <- resp
	}
}

// Package auditstore mirrors event envelopes and control-tick records to a
// durable SQL sink for offline inspection. It is best-effort: the tick
// task never blocks on it, and the mirroring methods swallow errors after
// logging them.
package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stat7verse/backbone/internal/eventlog"
	"github.com/stat7verse/backbone/internal/orchestrator"
	"github.com/stat7verse/backbone/internal/telemetry"
)

// dialect abstracts the two placeholder styles the two supported drivers
// require ($1.. for postgres, ? for sqlite) behind one set of statements.
type dialect struct {
	name              string
	driverName        string
	createEnvelopes   string
	createTicks       string
	insertEnvelope    string
	insertTick        string
}

var dialects = map[string]dialect{
	"postgres": {
		name:       "postgres",
		driverName: "postgres",
		createEnvelopes: `
CREATE TABLE IF NOT EXISTS backbone_envelopes (
  seq             BIGINT NOT NULL PRIMARY KEY,
  event_type      TEXT NOT NULL,
  ts              TEXT NOT NULL,
  source_game_id  TEXT NOT NULL,
  target_game_id  TEXT,
  data_json       TEXT NOT NULL
);`,
		createTicks: `
CREATE TABLE IF NOT EXISTS backbone_ticks (
  tick_number   BIGINT NOT NULL PRIMARY KEY,
  started_at    TEXT NOT NULL,
  finished_at   TEXT NOT NULL,
  games_synced  INT NOT NULL,
  events_routed INT NOT NULL,
  duration_ms   BIGINT NOT NULL
);`,
		insertEnvelope: `
INSERT INTO backbone_envelopes (seq, event_type, ts, source_game_id, target_game_id, data_json)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (seq) DO NOTHING;`,
		insertTick: `
INSERT INTO backbone_ticks (tick_number, started_at, finished_at, games_synced, events_routed, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tick_number) DO NOTHING;`,
	},
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite3",
		createEnvelopes: `
CREATE TABLE IF NOT EXISTS backbone_envelopes (
  seq             INTEGER NOT NULL PRIMARY KEY,
  event_type      TEXT NOT NULL,
  ts              TEXT NOT NULL,
  source_game_id  TEXT NOT NULL,
  target_game_id  TEXT,
  data_json       TEXT NOT NULL
);`,
		createTicks: `
CREATE TABLE IF NOT EXISTS backbone_ticks (
  tick_number   INTEGER NOT NULL PRIMARY KEY,
  started_at    TEXT NOT NULL,
  finished_at   TEXT NOT NULL,
  games_synced  INTEGER NOT NULL,
  events_routed INTEGER NOT NULL,
  duration_ms   INTEGER NOT NULL
);`,
		insertEnvelope: `
INSERT OR IGNORE INTO backbone_envelopes (seq, event_type, ts, source_game_id, target_game_id, data_json)
VALUES (?, ?, ?, ?, ?, ?);`,
		insertTick: `
INSERT OR IGNORE INTO backbone_ticks (tick_number, started_at, finished_at, games_synced, events_routed, duration_ms)
VALUES (?, ?, ?, ?, ?, ?);`,
	},
}

// mirrorQueueMax bounds the number of pending mirror writes. A write is
// dropped (and a warning logged) rather than grown past this, so a slow or
// degraded audit DB never backs up onto the tick task.
const mirrorQueueMax = 256

type mirrorJobKind int

const (
	mirrorJobEnvelope mirrorJobKind = iota
	mirrorJobTick
)

type mirrorJob struct {
	kind mirrorJobKind
	env  eventlog.Envelope
	tick orchestrator.ControlTickRecord
}

// Store is a SQL-backed AuditSink. It satisfies orchestrator.AuditSink.
// MirrorEnvelope/MirrorTick only enqueue; a dedicated goroutine started by
// Open drains the queue and performs the actual writes, so the tick task
// that calls them never blocks on the database.
type Store struct {
	db     *sql.DB
	dlct   dialect
	logger *telemetry.Logger

	jobs chan mirrorJob
	stop chan struct{}
	done chan struct{}
}

// Open opens driver ("sqlite" or "postgres") against dsn, ensures the
// mirror schema exists, and starts the background drain goroutine. Callers
// should Close the returned Store on shutdown.
func Open(ctx context.Context, driver, dsn string, logger *telemetry.Logger) (*Store, error) {
	if logger == nil {
		logger = telemetry.Nop
	}
	d, ok := dialects[strings.TrimSpace(driver)]
	if !ok {
		return nil, fmt.Errorf("auditstore: unsupported driver %q", driver)
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("auditstore: open %s: %w", d.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditstore: ping %s: %w", d.name, err)
	}

	s := &Store{
		db:     db,
		dlct:   d,
		logger: logger,
		jobs:   make(chan mirrorJob, mirrorQueueMax),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.run()
	return s, nil
}

// run is the dedicated mirror-writer goroutine: the sole caller of
// db.ExecContext for mirror writes. On stop it drains whatever is already
// queued on a best-effort basis, then exits.
func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case job := <-s.jobs:
			s.write(job)
		case <-s.stop:
			for {
				select {
				case job := <-s.jobs:
					s.write(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(job mirrorJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch job.kind {
	case mirrorJobEnvelope:
		dataJSON, err := json.Marshal(job.env.Data)
		if err != nil {
			s.logger.Warn("audit_mirror_encode_failed", map[string]any{"seq": job.env.Seq, "err": err.Error()})
			return
		}
		var target any
		if job.env.TargetGameID != nil {
			target = *job.env.TargetGameID
		}
		if _, err := s.db.ExecContext(ctx, s.dlct.insertEnvelope, job.env.Seq, string(job.env.EventType), job.env.Ts, job.env.SourceGameID, target, string(dataJSON)); err != nil {
			s.logger.Warn("audit_mirror_write_failed", map[string]any{"seq": job.env.Seq, "err": err.Error()})
		}
	case mirrorJobTick:
		rec := job.tick
		if _, err := s.db.ExecContext(ctx, s.dlct.insertTick, rec.TickNumber, rec.StartedAt, rec.FinishedAt, rec.GamesSynced, rec.EventsRouted, rec.DurationMS); err != nil {
			s.logger.Warn("audit_mirror_tick_write_failed", map[string]any{"tick_number": rec.TickNumber, "err": err.Error()})
		}
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dlct.createEnvelopes); err != nil {
		return fmt.Errorf("auditstore: ensure envelopes schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dlct.createTicks); err != nil {
		return fmt.Errorf("auditstore: ensure ticks schema: %w", err)
	}
	return nil
}

// Close stops the drain goroutine (letting it flush whatever is already
// queued) and releases the underlying database handle.
func (s *Store) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}

// MirrorEnvelope implements orchestrator.AuditSink. It never blocks: the
// write is handed off to the drain goroutine over a bounded channel, and
// dropped with a logged warning if the queue is full.
func (s *Store) MirrorEnvelope(env eventlog.Envelope) {
	select {
	case s.jobs <- mirrorJob{kind: mirrorJobEnvelope, env: env}:
	default:
		s.logger.Warn("audit_mirror_overrun", map[string]any{"seq": env.Seq})
	}
}

// MirrorTick implements orchestrator.AuditSink. See MirrorEnvelope.
func (s *Store) MirrorTick(rec orchestrator.ControlTickRecord) {
	select {
	case s.jobs <- mirrorJob{kind: mirrorJobTick, tick: rec}:
	default:
		s.logger.Warn("audit_mirror_overrun", map[string]any{"tick_number": rec.TickNumber})
	}
}

var _ orchestrator.AuditSink = (*Store)(nil)

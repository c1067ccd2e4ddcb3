package orchestrator

import "github.com/stat7verse/backbone/internal/eventlog"

// CommandKind is the tagged-variant discriminator for a Request.
type CommandKind string

const (
	CmdRegisterGame   CommandKind = "register_game"
	CmdUnregisterGame CommandKind = "unregister_game"
	CmdPublishEvent   CommandKind = "publish_event"
	CmdListGames      CommandKind = "list_games"
	CmdUniverseState  CommandKind = "universe_state"
	CmdMetricsSnapshot CommandKind = "metrics_snapshot"
)

// RegisterGameInput is the payload of a register_game command.
type RegisterGameInput struct {
	GameID        string
	RealmID       string
	DeveloperName string
	Description   string
	RealmType     string
	Adjacency     []string
	Resonance     float64
	Velocity      float64
	Density       float64
	Lineage       *int64
}

// UnregisterGameInput is the payload of an unregister_game command.
type UnregisterGameInput struct {
	GameID string
}

// PublishEventInput is the payload of a publish_event command.
type PublishEventInput struct {
	SourceGameID string
	TargetGameID *string
	EventType    string
	Data         map[string]any
}

// Request is a single command submitted by a connection's reader task to
// the tick task's inbox. The tick task is the sole owner of all mutable
// state; Request never carries a pointer into connection-owned memory.
type Request struct {
	Kind       CommandKind
	ConnID     string
	Register   RegisterGameInput
	Unregister UnregisterGameInput
	Publish    PublishEventInput
	Reply      chan Response
}

// Response is the tick task's synchronous reply to a Request. Envelope is
// populated for list_games/universe_state (direct, non-broadcast replies);
// Err is populated for any rejected command and must be sent to the
// requesting connection only, never appended to the log.
type Response struct {
	Envelope *eventlog.Envelope
	Err      error
}

package orchestrator

import (
	"fmt"
	"time"

	"github.com/stat7verse/backbone/internal/stat7"
)

// RegistrationState is the lifecycle stage of a Registration.
type RegistrationState string

const (
	StateProposed RegistrationState = "proposed"
	StateActive   RegistrationState = "active"
	StateDraining RegistrationState = "draining"
	StateRetired  RegistrationState = "retired"
)

var transitions = map[RegistrationState]map[RegistrationState]bool{
	StateProposed: {StateActive: true},
	StateActive:   {StateDraining: true},
	StateDraining: {StateRetired: true},
	StateRetired:  {},
}

// ErrIllegalTransition is returned when a Registration's state machine is
// asked to move to a state not reachable from its current one.
var ErrIllegalTransition = fmt.Errorf("orchestrator: illegal registration transition")

// Stats tracks per-game activity counters, surfaced per game_id under
// game_stats on the /api/metrics side-channel.
type Stats struct {
	LocalTicks      uint64 `json:"local_ticks"`
	EventsPublished uint64 `json:"events_published"`
	EventsReceived  uint64 `json:"events_received"`
}

// Registration is the orchestrator's record of a registered game. The
// orchestrator exclusively owns and mutates it; game clients hold only a
// weak reference (game_id lookup).
type Registration struct {
	GameID           string
	RealmID          string
	Developer        string
	Description      string
	RealmCoordinate  stat7.Coordinate
	RegisteredAt     time.Time
	LocalTickPeriod  time.Duration
	LastTickAt       time.Time
	State            RegistrationState
	DrainingSince    time.Time
	Stats            Stats
}

// transitionTo validates and applies a state transition, returning
// ErrIllegalTransition if the move is not reachable from the current state.
func (r *Registration) transitionTo(next RegistrationState) error {
	allowed, ok := transitions[r.State]
	if !ok || !allowed[next] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, next)
	}
	r.State = next
	return nil
}

// registry is the orchestrator's game_id -> Registration map, mutated only
// by the tick task.
type registry struct {
	games map[string]*Registration
}

func newRegistry() *registry {
	return &registry{games: make(map[string]*Registration)}
}

func (r *registry) get(gameID string) (*Registration, bool) {
	reg, ok := r.games[gameID]
	return reg, ok
}

func (r *registry) put(reg *Registration) {
	r.games[reg.GameID] = reg
}

func (r *registry) remove(gameID string) {
	delete(r.games, gameID)
}

// snapshot returns a stable, name-ordered copy of the registry for
// list_games / /api/realms responses.
func (r *registry) snapshot() []Registration {
	out := make([]Registration, 0, len(r.games))
	for _, reg := range r.games {
		out = append(out, *reg)
	}
	sortRegistrations(out)
	return out
}

func sortRegistrations(regs []Registration) {
	for i := 1; i < len(regs); i++ {
		for j := i; j > 0 && regs[j].GameID < regs[j-1].GameID; j-- {
			regs[j], regs[j-1] = regs[j-1], regs[j]
		}
	}
}

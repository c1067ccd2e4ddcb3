// Package wsserver implements the WS fan-out server: a single
// /ws endpoint that dispatches commands to the orchestrator and relays
// event log envelopes to subscribers, plus HTTP side-channels for
// operability.
package wsserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stat7verse/backbone/internal/apperrors"
	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/eventlog"
	"github.com/stat7verse/backbone/internal/orchestrator"
	"github.com/stat7verse/backbone/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub owns the set of connected subscribers and their interest filters. It
// is the Broadcaster the orchestrator's tick task calls into; Hub itself
// never touches orchestrator state, only sockets.
type Hub struct {
	cfg    config.Config
	logger *telemetry.Logger

	mu          sync.RWMutex
	clients     map[*client]bool
	interest    map[*client]map[string]bool // gameID -> wants it (empty set = broadcast-only, all accepted)
	sourceOwner map[string]*client          // game_id -> the client that registered as that source, for echo delivery

	register   chan *registration
	unregister chan *client
}

// registration pairs a new client with the replay envelopes that must be
// queued on its send channel before it becomes eligible for live delivery.
type registration struct {
	c      *client
	replay [][]byte
}

// NewHub constructs a Hub. Call Run in its own goroutine before serving
// connections.
func NewHub(cfg config.Config, logger *telemetry.Logger) *Hub {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger,
		clients:     make(map[*client]bool),
		interest:    make(map[*client]map[string]bool),
		sourceOwner: make(map[string]*client),
		register:    make(chan *registration),
		unregister:  make(chan *client),
	}
}

// Run processes register/unregister until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case r := <-h.register:
			h.addClient(r)
		case c := <-h.unregister:
			h.dropClient(c)
		}
	}
}

// addClient adds r.c to the client set and queues its replay window in the
// same critical section, under the lock Deliver/DeliverAll/SendTo take to
// read h.clients/h.interest. That ordering guarantees a concurrent Deliver
// call either completes entirely before c exists (so it never sees c) or
// entirely after the replay window is already queued ahead of it on
// c.send — a live envelope can never overtake the replay.
func (h *Hub) addClient(r *registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[r.c] = true
	h.interest[r.c] = make(map[string]bool)
	for _, b := range r.replay {
		select {
		case r.c.send <- b:
		default:
			return
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	delete(h.interest, c)
	for gameID, owner := range h.sourceOwner {
		if owner == c {
			delete(h.sourceOwner, gameID)
		}
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*client]bool)
	h.interest = make(map[*client]map[string]bool)
	h.sourceOwner = make(map[string]*client)
}

// claimSource records c as the owning connection for gameID, so publish
// echoes reach the publisher even without an explicit subscribe.
func (h *Hub) claimSource(gameID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sourceOwner[gameID] = c
}

func (h *Hub) releaseSource(gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sourceOwner, gameID)
}

// Deliver implements orchestrator.Broadcaster: targetGameID == nil means
// broadcast to every subscriber; otherwise deliver only to subscribers of
// targetGameID plus the connection owning sourceGameID (so the publisher
// observes its own echo).
func (h *Hub) Deliver(env eventlog.Envelope, sourceGameID string, targetGameID *string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	recipients := make(map[*client]bool)
	if targetGameID == nil {
		for c := range h.clients {
			recipients[c] = true
		}
	} else {
		for c, games := range h.interest {
			if games[*targetGameID] {
				recipients[c] = true
			}
		}
		if owner, ok := h.sourceOwner[sourceGameID]; ok {
			recipients[owner] = true
		}
	}
	for c := range recipients {
		h.send(c, env)
	}
}

// DeliverAll implements orchestrator.Broadcaster.
func (h *Hub) DeliverAll(env eventlog.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.send(c, env)
	}
}

// SendTo implements orchestrator.Broadcaster: a direct, non-broadcast reply
// to a single connection (list_games, universe_state, metrics, error).
func (h *Hub) SendTo(connID string, env eventlog.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.id == connID {
			h.send(c, env)
			return
		}
	}
}

func (h *Hub) send(c *client, env eventlog.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	default:
		h.logger.Warn("subscriber_overrun", map[string]any{"conn_id": c.id})
		h.disconnect(c, apperrors.CodeOverrun)
	}
}

// disconnect closes c's send channel (without holding h.mu, since callers
// may already hold a read lock) by deferring the actual unregister to the
// hub's own goroutine.
func (h *Hub) disconnect(c *client, code apperrors.Code) {
	go func() {
		_ = code
		h.unregister <- c
	}()
}

// addInterest registers connection c's interest in gameID (for
// targeted routing) — called from the reader task on register_game so the
// registrant automatically receives events targeted at it.
func (h *Hub) addInterest(c *client, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interest[c] == nil {
		h.interest[c] = make(map[string]bool)
	}
	h.interest[c][gameID] = true
}

func (h *Hub) removeInterest(c *client, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.interest[c]; ok {
		delete(m, gameID)
	}
}

// connectionCount returns the number of currently connected subscribers,
// used to enforce MAX_CONNECTIONS (Overloaded).
func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var _ orchestrator.Broadcaster = (*Hub)(nil)

func errorEnvelope(env apperrors.Envelope) eventlog.Envelope {
	return eventlog.Envelope{
		EventType: eventlog.EventError,
		Data: map[string]any{
			"kind":    string(env.Code),
			"message": env.Message,
		},
	}
}

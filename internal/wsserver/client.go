package wsserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stat7verse/backbone/internal/apperrors"
	"github.com/stat7verse/backbone/internal/config"
	"github.com/stat7verse/backbone/internal/eventlog"
	"github.com/stat7verse/backbone/internal/orchestrator"
)

// client is one WS connection. readPump and writePump are its reader and
// writer tasks, per the concurrency model: a reader task decodes frames
// and forwards commands to the tick task via Submit; a writer task drains
// send to the socket. Neither performs blocking orchestrator work.
type client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	orch  *orchestrator.Orchestrator
	cfg   config.Config

	// sourceGames tracks game_ids this connection registered, so they can
	// be released from the hub's sourceOwner map on disconnect.
	sourceGames map[string]bool
}

func newClientID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func newClient(hub *Hub, conn *websocket.Conn, orch *orchestrator.Orchestrator, cfg config.Config) *client {
	return &client{
		id:          newClientID(),
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, cfg.PerSubscriberQueueMax),
		orch:        orch,
		cfg:         cfg,
		sourceGames: make(map[string]bool),
	}
}

// clientMessage is the inbound WS command frame (the commands
// table). Action is the dispatch discriminator.
type clientMessage struct {
	Action string `json:"action"`

	GameID        string   `json:"game_id,omitempty"`
	RealmID       string   `json:"realm_id,omitempty"`
	DeveloperName string   `json:"developer_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	RealmType     string   `json:"realm_type,omitempty"`
	Adjacency     []string `json:"adjacency,omitempty"`
	Resonance     float64  `json:"resonance,omitempty"`
	Velocity      float64  `json:"velocity,omitempty"`
	Density       float64  `json:"density,omitempty"`
	Lineage       *int64   `json:"lineage,omitempty"`

	SourceGameID string         `json:"source_game_id,omitempty"`
	TargetGameID *string        `json:"target_game_id,omitempty"`
	EventType    string         `json:"event_type,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		for gameID := range c.sourceGames {
			c.hub.releaseSource(gameID)
		}
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(c.cfg.MaxFrameBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			c.replyError(apperrors.New(apperrors.CodeSchemaError, "binary frames are rejected", nil))
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.replyError(apperrors.New(apperrors.CodeSchemaError, "malformed JSON frame", nil))
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *client) dispatch(ctx context.Context, msg clientMessage) {
	switch msg.Action {
	case "register_game":
		c.handleRegister(ctx, msg)
	case "unregister_game":
		c.handleUnregister(ctx, msg)
	case "publish_event":
		c.handlePublish(ctx, msg)
	case "list_games":
		c.handleListGames(ctx)
	case "universe_state":
		c.handleUniverseState(ctx)
	default:
		c.replyError(apperrors.New(apperrors.CodeSchemaError, "unrecognized command", map[string]any{"action": msg.Action}))
	}
}

func (c *client) handleRegister(ctx context.Context, msg clientMessage) {
	if msg.GameID == "" || msg.RealmID == "" {
		c.replyError(apperrors.New(apperrors.CodeSchemaError, "game_id and realm_id are required", nil))
		return
	}
	reply := make(chan orchestrator.Response, 1)
	err := c.orch.Submit(ctx, orchestrator.Request{
		Kind:   orchestrator.CmdRegisterGame,
		ConnID: c.id,
		Register: orchestrator.RegisterGameInput{
			GameID:        msg.GameID,
			RealmID:       msg.RealmID,
			DeveloperName: msg.DeveloperName,
			Description:   msg.Description,
			RealmType:     msg.RealmType,
			Adjacency:     msg.Adjacency,
			Resonance:     msg.Resonance,
			Velocity:      msg.Velocity,
			Density:       msg.Density,
			Lineage:       msg.Lineage,
		},
		Reply: reply,
	})
	if err != nil {
		return
	}
	resp := <-reply
	if resp.Err != nil {
		c.replyErrorFromErr(resp.Err)
		return
	}
	c.sourceGames[msg.GameID] = true
	c.hub.claimSource(msg.GameID, c)
	c.hub.addInterest(c, msg.GameID)
}

func (c *client) handleUnregister(ctx context.Context, msg clientMessage) {
	if msg.GameID == "" {
		c.replyError(apperrors.New(apperrors.CodeSchemaError, "game_id is required", nil))
		return
	}
	reply := make(chan orchestrator.Response, 1)
	err := c.orch.Submit(ctx, orchestrator.Request{
		Kind:       orchestrator.CmdUnregisterGame,
		ConnID:     c.id,
		Unregister: orchestrator.UnregisterGameInput{GameID: msg.GameID},
		Reply:      reply,
	})
	if err != nil {
		return
	}
	resp := <-reply
	if resp.Err != nil {
		c.replyErrorFromErr(resp.Err)
		return
	}
	delete(c.sourceGames, msg.GameID)
	c.hub.releaseSource(msg.GameID)
	c.hub.removeInterest(c, msg.GameID)
}

func (c *client) handlePublish(ctx context.Context, msg clientMessage) {
	if msg.SourceGameID == "" || msg.EventType == "" {
		c.replyError(apperrors.New(apperrors.CodeSchemaError, "source_game_id and event_type are required", nil))
		return
	}
	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}
	reply := make(chan orchestrator.Response, 1)
	err := c.orch.Submit(ctx, orchestrator.Request{
		Kind:   orchestrator.CmdPublishEvent,
		ConnID: c.id,
		Publish: orchestrator.PublishEventInput{
			SourceGameID: msg.SourceGameID,
			TargetGameID: msg.TargetGameID,
			EventType:    msg.EventType,
			Data:         data,
		},
		Reply: reply,
	})
	if err != nil {
		return
	}
	resp := <-reply
	if resp.Err != nil {
		c.replyErrorFromErr(resp.Err)
	}
}

func (c *client) handleListGames(ctx context.Context) {
	reply := make(chan orchestrator.Response, 1)
	err := c.orch.Submit(ctx, orchestrator.Request{Kind: orchestrator.CmdListGames, ConnID: c.id, Reply: reply})
	if err != nil {
		return
	}
	resp := <-reply
	if resp.Envelope != nil {
		c.hub.send(c, *resp.Envelope)
	}
}

func (c *client) handleUniverseState(ctx context.Context) {
	reply := make(chan orchestrator.Response, 1)
	err := c.orch.Submit(ctx, orchestrator.Request{Kind: orchestrator.CmdUniverseState, ConnID: c.id, Reply: reply})
	if err != nil {
		return
	}
	resp := <-reply
	if resp.Envelope != nil {
		c.hub.send(c, *resp.Envelope)
	}
}

func (c *client) replyError(env apperrors.Envelope) {
	c.hub.send(c, errorEnvelope(env))
}

func (c *client) replyErrorFromErr(err error) {
	if env, ok := err.(apperrors.Envelope); ok {
		c.replyError(env)
		return
	}
	c.replyError(apperrors.New(apperrors.CodeInternal, err.Error(), nil))
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// buildReplay encodes every envelope currently retained in the log, oldest
// first. The result travels with the new client in its registration, and
// Hub.addClient queues it on the client's send channel in the same step
// that registers the client — the at-least-once replay guarantee for a
// freshly connected subscriber.
func buildReplay(log *eventlog.Log) [][]byte {
	envs := log.Replay(0)
	out := make([][]byte, 0, len(envs))
	for _, env := range envs {
		b, err := json.Marshal(env)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

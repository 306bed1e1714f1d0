package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
	"github.com/mapleleafu/tabletop/tabletop-backend/repository"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateAuthenticated
	stateJoined
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAuthenticated:
		return "authenticated"
	case stateJoined:
		return "joined"
	}
	return fmt.Sprintf("sessionState(%d)", int(s))
}

type eventHandler func(ctx context.Context, data json.RawMessage)

// Session is the protocol state of one connection. It is only touched from
// the connection's read loop, which handles one frame at a time.
type Session struct {
	conn    *Connection
	handler *Handler

	state    sessionState
	game     int
	handlers map[string]eventHandler
}

func newSession(conn *Connection, h *Handler) *Session {
	return &Session{
		conn:     conn,
		handler:  h,
		handlers: make(map[string]eventHandler),
	}
}

func (s *Session) handle(ctx context.Context, frame models.Frame) {
	if frame.Event == models.EventJoin {
		s.onJoin(ctx, frame.Data)
		return
	}
	if fn, ok := s.handlers[frame.Event]; ok {
		fn(ctx, frame.Data)
		return
	}
	if frame.Event == models.EventAction {
		s.conn.sendError(ctx, "not_joined", "join a game before sending actions")
		return
	}
	s.conn.sendError(ctx, "unsupported_event", fmt.Sprintf("unsupported event %q", frame.Event))
}

func (s *Session) onJoin(ctx context.Context, data json.RawMessage) {
	logger := s.handler.logger

	if s.state == stateJoined {
		logger.Printf("ws: %s: ignoring join, already joined game %d", s.conn.id, s.game)
		return
	}

	var req models.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.conn.sendError(ctx, "bad_request", "join expects {userToken, game}")
		return
	}

	switch s.state {
	case stateConnected:
		if err := s.handler.auth.Authenticate(ctx, req); err != nil {
			logger.Printf("ws: %s: authentication for game %d failed: %v", s.conn.id, req.Game, err)
			s.conn.sendError(ctx, "unauthorized", "authentication failed")
			return
		}
		s.state = stateAuthenticated
		s.game = req.Game
	case stateAuthenticated:
		if req.Game != s.game {
			s.conn.sendError(ctx, "game_mismatch", fmt.Sprintf("session is authenticated for game %d", s.game))
			return
		}
	}

	if err := s.join(ctx); err != nil {
		logger.Printf("ws: %s: join game %d failed: %v", s.conn.id, s.game, err)
		if !errors.Is(err, errConnectionClosed) && ctx.Err() == nil {
			s.conn.sendError(ctx, "join_failed", "could not load the game, try again")
		}
		return
	}
	s.state = stateJoined
	logger.Printf("ws: %s joined %s", s.conn.id, RoomName(s.game))
}

// join subscribes the socket to the game's room, replays the persisted game
// in chunks and then releases the broadcasts that arrived meanwhile. On
// error the socket leaves the room again and nothing past the sent chunks is
// delivered.
func (s *Session) join(ctx context.Context) (err error) {
	h := s.handler
	room := RoomName(s.game)

	ctx, span := h.tracer.Start(ctx, "session.join", trace.WithAttributes(
		attribute.Int("game", s.game),
		attribute.String("connection", s.conn.id),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.handlers[models.EventAction] = s.onAction
	s.conn.holdBroadcasts()
	h.hub.Subscribe(room, s.conn)
	defer func() {
		if err != nil {
			delete(s.handlers, models.EventAction)
			h.hub.Unsubscribe(room, s.conn)
			s.conn.dropHeld()
		}
	}()

	if err := h.queue.Sync(ctx); err != nil {
		return fmt.Errorf("flush queue: %w", err)
	}
	records, err := repository.LoadGame(ctx, h.store, s.game)
	if err != nil {
		return err
	}
	entities, decodeErr := h.codec.DecodeAll(ctx, records)
	if decodeErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		h.logger.Printf("ws: %s: skipped undecodable entities of game %d: %v", s.conn.id, s.game, decodeErr)
	}
	span.SetAttributes(attribute.Int("entities", len(entities)))

	total := len(entities)
	for start := 0; start < total; start += h.chunkSize {
		end := min(start+h.chunkSize, total)
		chunk := models.JoinChunk{
			Progress: models.Progress{Sent: end, Total: total},
			Data:     entities[start:end],
		}
		if err := s.conn.writeFrame(ctx, models.EventJoin, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", end, total, err)
		}
	}
	if err := s.conn.writeFrame(ctx, models.EventJoinFinished, nil); err != nil {
		return fmt.Errorf("send join-finished: %w", err)
	}
	if err := s.conn.releaseHeld(ctx); err != nil {
		return fmt.Errorf("release held broadcasts: %w", err)
	}
	return nil
}

// onAction queues the entities of an action under the session's game and
// then rebroadcasts the action to the rest of the room as received. Entities
// are buffered before the relay so that a socket which joins in between
// finds them either in its replay or among its held broadcasts.
func (s *Session) onAction(ctx context.Context, data json.RawMessage) {
	h := s.handler

	var msg models.RawActionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.conn.sendError(ctx, "bad_request", "action expects {action, data}")
		return
	}

	if !msg.Action.Known() {
		h.logger.Printf("ws: %s: unknown action %q relayed without persisting", s.conn.id, msg.Action)
		s.relay(data)
		return
	}

	rejected := 0
	for _, raw := range msg.Data {
		var e models.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			rejected++
			h.logger.Printf("ws: %s: invalid entity in %s action: %v", s.conn.id, msg.Action, err)
			continue
		}
		e.Game = s.game
		e.Action = msg.Action
		if err := h.queue.Push(e); err != nil {
			rejected++
			h.logger.Printf("ws: %s: failed to queue %s: %v", s.conn.id, e.Key(), err)
		}
	}

	// Peers never see an action none of whose entities were accepted.
	if rejected == 0 || rejected < len(msg.Data) {
		s.relay(data)
	}
	if rejected > 0 {
		s.conn.sendError(ctx, "invalid_entity", fmt.Sprintf("%d of %d entities were not saved", rejected, len(msg.Data)))
	}
}

func (s *Session) relay(data json.RawMessage) {
	h := s.handler
	payload, err := json.Marshal(models.Frame{Event: models.EventAction, Data: data})
	if err != nil {
		h.logger.Printf("ws: %s: failed to encode action: %v", s.conn.id, err)
		return
	}
	h.hub.Broadcast(RoomName(s.game), payload, s.conn)
}

package handlers

import (
	"context"
	"fmt"
	"log"
)

// RoomName returns the broadcast room of a game.
func RoomName(game int) string {
	return fmt.Sprintf("room-%d", game)
}

type roomMessage struct {
	room    string
	payload []byte
	sender  *Connection
}

type subscription struct {
	room string
	conn *Connection
	ack  chan struct{}
}

// Hub maintains the rooms of active connections and broadcasts messages to
// the members of a room. All membership changes and deliveries happen on the
// Run goroutine, so every member of a room sees its messages in one order.
type Hub struct {
	logger *log.Logger

	rooms   map[string]map[*Connection]bool
	members map[*Connection]map[string]bool

	broadcast   chan roomMessage
	subscribe   chan subscription
	unsubscribe chan subscription
	unregister  chan *Connection
	done        chan struct{}
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger:      logger,
		rooms:       make(map[string]map[*Connection]bool),
		members:     make(map[*Connection]map[string]bool),
		broadcast:   make(chan roomMessage),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
	}
}

// Run serves the hub until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.subscribe:
			h.join(sub.room, sub.conn)
			close(sub.ack)
		case sub := <-h.unsubscribe:
			h.leave(sub.room, sub.conn)
			close(sub.ack)
		case conn := <-h.unregister:
			h.remove(conn)
		case msg := <-h.broadcast:
			for conn := range h.rooms[msg.room] {
				if conn == msg.sender {
					continue
				}
				if !conn.deliver(msg.payload) {
					h.logger.Printf("ws: %s: dropping slow connection", conn.id)
					h.remove(conn)
					conn.close()
				}
			}
		}
	}
}

// Subscribe adds conn to room. Every broadcast sent to the room after
// Subscribe returns reaches conn.
func (h *Hub) Subscribe(room string, conn *Connection) {
	ack := make(chan struct{})
	select {
	case h.subscribe <- subscription{room: room, conn: conn, ack: ack}:
		<-ack
	case <-h.done:
	}
}

func (h *Hub) Unsubscribe(room string, conn *Connection) {
	ack := make(chan struct{})
	select {
	case h.unsubscribe <- subscription{room: room, conn: conn, ack: ack}:
		<-ack
	case <-h.done:
	}
}

// Unregister removes conn from every room it joined.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast sends payload to every member of room except sender, which may
// be nil.
func (h *Hub) Broadcast(room string, payload []byte, sender *Connection) {
	select {
	case h.broadcast <- roomMessage{room: room, payload: payload, sender: sender}:
	case <-h.done:
	}
}

func (h *Hub) join(room string, conn *Connection) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Connection]bool)
	}
	h.rooms[room][conn] = true
	if h.members[conn] == nil {
		h.members[conn] = make(map[string]bool)
	}
	h.members[conn][room] = true
}

func (h *Hub) leave(room string, conn *Connection) {
	delete(h.rooms[room], conn)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	delete(h.members[conn], room)
	if len(h.members[conn]) == 0 {
		delete(h.members, conn)
	}
}

func (h *Hub) remove(conn *Connection) {
	for room := range h.members[conn] {
		h.leave(room, conn)
	}
}

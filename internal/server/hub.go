package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/kehao95/gh-deploy/internal/message"
)

// Hub fans audit entries out to websocket clients. The client set is owned
// by the run goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	connected  atomic.Int64
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			h.drop(client)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.connected.Store(int64(len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.subscribedTo(message.event) {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.connected.Store(int64(len(h.clients)))
}

// join adds client; it reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// publish queues data for subscribers of event without blocking.
func (h *Hub) publish(event string, data []byte) bool {
	select {
	case h.broadcast <- broadcastMessage{event: event, data: data}:
		return true
	default:
		return false
	}
}

type broadcastMessage struct {
	event string
	data  []byte
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	events   []string
	eventsMu sync.RWMutex
	log      *slog.Logger
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg message.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != message.TypeSubscribe {
			continue
		}
		c.setEvents(msg.Events)
		c.log.Info("ws subscribed", "remote", c.conn.RemoteAddr().String(), "events", msg.Events)
	}
}

func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func (c *Client) setEvents(events []string) {
	c.eventsMu.Lock()
	if len(events) == 0 {
		c.events = nil
	} else {
		c.events = append([]string(nil), events...)
	}
	c.eventsMu.Unlock()
}

func (c *Client) subscribedTo(event string) bool {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()
	return len(c.events) == 0 || slices.Contains(c.events, event)
}

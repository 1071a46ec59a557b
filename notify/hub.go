/*
hub.go - WebSocket bridge between the Notifier and connected terminals

PURPOSE:
  Scan terminals and dashboards hold a websocket open and receive every
  ledger-changed / redeemed event while connected. The Hub owns the client
  registry with an explicit lifecycle: register on connect, deregister on
  disconnect. Forwarding runs as a detached goroutine with its own error
  handling - a failure here never rolls back or blocks a store write.

DESIGN:
  Hub.Run is a single goroutine owning the client set; registration,
  deregistration, and broadcast all flow through channels, so there is no
  shared-map locking in the hot path. Clients that cannot keep up are
  disconnected rather than allowed to block the broadcast loop.

SEE ALSO:
  - client.go:   Per-connection read/write pumps
  - notifier.go: Event source
*/
package notify

import (
	"context"
	"log"
)

// Hub maintains the set of active websocket clients and broadcasts
// notifier events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run owns the client registry until ctx is cancelled.
// Start it once, as its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			log.Printf("[Hub] stopped: %v", ctx.Err())
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Printf("[Hub] client connected (%d total)", len(h.clients))

		case client := <-h.unregister:
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
				log.Printf("[Hub] client disconnected (%d total)", len(h.clients))
			}

		case ev := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- ev:
				default:
					// Client can't keep up; drop it rather than stall.
					delete(h.clients, client)
					close(client.send)
					log.Printf("[Hub] dropped slow client (%d total)", len(h.clients))
				}
			}
		}
	}
}

// Forward subscribes to the given topics and pushes every event into the
// broadcast loop until ctx is cancelled. Run it as a detached goroutine;
// it never propagates errors back to publishers.
func (h *Hub) Forward(ctx context.Context, notifier *Notifier, topics ...string) {
	for _, topic := range topics {
		events, cancel := notifier.Subscribe(topic)
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					select {
					case h.broadcast <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
}

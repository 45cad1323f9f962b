// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bridge fans pipeline records out to connected dashboard
// clients over WebSocket, wrapping each bus message in a {type,
// payload} envelope. The hub/client split and the non-blocking
// buffered-send broadcast loop follow the gateway hub pattern used
// for WebSocket fan-out elsewhere in the retrieved pack.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodeweave/meshplane/pkg/bus"
	"github.com/nodeweave/meshplane/pkg/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire shape every dashboard message is wrapped in.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans out bus records to every connected WebSocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Subscribe registers the hub as a fan-out sink for every dashboard
// topic on b. Each message is rewrapped as {type: topic, payload}.
func (h *Hub) Subscribe(b bus.Subscriber) error {
	topics := []string{
		bus.TopicFeatures,
		bus.TopicForecasts,
		bus.TopicChConfigs,
		bus.TopicCommands,
	}
	for _, topic := range topics {
		topic := topic
		if err := b.Subscribe(topic, func(_ context.Context, _ string, data []byte) {
			h.broadcast(topic, data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) broadcast(topic string, data []byte) {
	msg, err := json.Marshal(envelope{Type: topic, Payload: data})
	if err != nil {
		log.Warnf("bridge: marshal envelope for %s: %v", topic, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			log.Warnf("bridge: client send buffer full, dropping %s message", topic)
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request to a WebSocket connection and registers
// a new dashboard client.
func (h *Hub) ServeWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warnf("bridge: websocket upgrade: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump discards inbound client traffic but keeps the connection's
// read deadline and pong handler alive, detecting dead peers.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

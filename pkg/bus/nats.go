// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nodeweave/meshplane/pkg/log"
)

// Config holds the connection parameters for a NATS-backed Bus.
type Config struct {
	Address       string `json:"address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CredsFilePath string `json:"credsFilePath"`
}

// NATS wraps a *nats.Conn so it satisfies the Bus interface, and keeps
// track of subscriptions so Close can unwind them cleanly.
type NATS struct {
	conn          *nats.Conn
	mu            sync.Mutex
	subscriptions []*nats.Subscription
}

// Dial opens a connection per cfg. If cfg.Address is empty, Dial
// returns an error — callers should fall back to Memory in that case.
func Dial(cfg Config) (*NATS, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("bus: NATS address is required")
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("bus: NATS disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("bus: NATS reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		log.Errorf("bus: NATS error: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: NATS connect failed: %w", err)
	}
	log.Infof("bus: NATS connected to %s", cfg.Address)

	return &NATS{conn: nc}, nil
}

// Publish sends data on the NATS subject named topic. The key is
// carried as a NATS header so subscribers on other processes can still
// recover ordering-relevant partitioning if they need it; the bus
// itself relies on NATS's single-subject FIFO delivery for ordering.
func (n *NATS) Publish(_ context.Context, topic, key string, data []byte) error {
	msg := nats.NewMsg(topic)
	msg.Header.Set("key", key)
	msg.Data = data
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("bus: NATS publish to %q failed: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler on the NATS subject named topic.
func (n *NATS) Subscribe(topic string, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		key := msg.Header.Get("key")
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("bus: handler on topic %q panicked: %v", topic, r)
			}
		}()
		handler(context.Background(), key, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: NATS subscribe to %q failed: %w", topic, err)
	}

	n.subscriptions = append(n.subscriptions, sub)
	log.Infof("bus: NATS subscribed to %q", topic)
	return nil
}

// Close unsubscribes everything and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("bus: NATS unsubscribe failed: %v", err)
		}
	}
	n.subscriptions = nil

	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

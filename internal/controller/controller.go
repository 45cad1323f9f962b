// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package controller translates optimizer ChannelConfig decisions
// into dispatched Command records, applying a change-cooldown and
// identical-config-hold dedupe gate plus a per-node token-bucket rate
// limit as an additional dispatch safeguard.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/pkg/bus"
	"github.com/nodeweave/meshplane/pkg/log"
	"github.com/nodeweave/meshplane/pkg/schema"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config carries the controller's dedupe and rate-limit tunables.
type Config struct {
	HoldMs             int64
	ChangeCooldownMs   int64
	RateLimitPerSecond float64
}

type nodeState struct {
	lastSentChannel int
	hasSent         bool
	lastSentAt      int64
	version         int64
	limiter         *rate.Limiter
}

// Controller owns per-node dedupe state and dispatches Command records.
type Controller struct {
	cfg     Config
	clock   Clock
	pub     bus.Publisher
	metrics *metrics.Metrics

	mu    sync.Mutex
	nodes map[string]*nodeState
}

// New constructs a Controller publishing dispatched Command records
// through pub.
func New(cfg Config, pub bus.Publisher, clock Clock) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		cfg:   cfg,
		clock: clock,
		pub:   pub,
		nodes: make(map[string]*nodeState),
	}
}

// SetMetrics wires m so dispatch/suppression events are counted. A
// nil m is a no-op, so metrics stay optional for tests.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// HandleChannelConfig is the bus.Handler wired to the chconfigs topic.
func (c *Controller) HandleChannelConfig(ctx context.Context, _ string, data []byte) {
	var cfg schema.ChannelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warnf("controller: dropping unparsable channel config: %v", err)
		return
	}
	c.HandleChannelConfigValue(ctx, cfg)
}

// HandleChannelConfigValue applies the dedupe gates and dispatches a
// Command on pass.
func (c *Controller) HandleChannelConfigValue(ctx context.Context, cfg schema.ChannelConfig) {
	if cfg.NodeID == "" {
		return
	}

	c.mu.Lock()
	ns, ok := c.nodes[cfg.NodeID]
	if !ok {
		ns = &nodeState{}
		if c.cfg.RateLimitPerSecond > 0 {
			ns.limiter = rate.NewLimiter(rate.Limit(c.cfg.RateLimitPerSecond), 1)
		}
		c.nodes[cfg.NodeID] = ns
	}

	now := c.clock().UnixMilli()

	if ns.hasSent {
		elapsed := now - ns.lastSentAt
		if elapsed < c.cfg.ChangeCooldownMs {
			c.mu.Unlock()
			c.recordSuppressed("cooldown")
			return
		}
		if ns.lastSentChannel == cfg.Channel && elapsed < c.cfg.HoldMs {
			c.mu.Unlock()
			c.recordSuppressed("hold")
			return
		}
	}

	if ns.limiter != nil && !ns.limiter.Allow() {
		c.mu.Unlock()
		log.Warnf("controller: rate limit exceeded for node %s, dropping command", cfg.NodeID)
		c.recordSuppressed("rate_limit")
		return
	}

	ns.version++
	cmd := schema.Command{
		NodeID:        cfg.NodeID,
		Command:       schema.CommandSetChannel,
		Payload:       fmt.Sprintf("%d", cfg.Channel),
		ConfigVersion: fmt.Sprintf("v%d:%s", ns.version, time.UnixMilli(now).UTC().Format(time.RFC3339Nano)),
	}

	ns.lastSentChannel = cfg.Channel
	ns.hasSent = true
	ns.lastSentAt = now
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		log.Errorf("controller: marshal command: %v", err)
		return
	}
	if err := c.pub.Publish(ctx, bus.TopicCommands, cmd.NodeID, data); err != nil {
		log.Warnf("controller: publish command for %s: %v", cmd.NodeID, err)
		return
	}
	if c.metrics != nil {
		c.metrics.CommandsDispatched.WithLabelValues(cmd.Command).Inc()
	}
}

// recordSuppressed counts a Command that the dedupe/rate-limit gates
// dropped before dispatch, labeled by the gate that blocked it.
func (c *Controller) recordSuppressed(reason string) {
	if c.metrics != nil {
		c.metrics.CommandsSuppressed.WithLabelValues(reason).Inc()
	}
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bus provides a minimal publish/subscribe abstraction over
// keyed JSON records, the leaf dependency every pipeline stage is
// built on.
//
// Two implementations satisfy the same interface: Memory, an
// in-process channel-backed bus for tests and single-binary runs, and
// NATS, backed by github.com/nats-io/nats.go for multi-process
// deployments. Callers never import nats.go directly; the infra
// library stays behind this package.
package bus

import "context"

// Handler processes one message. The key is the record's logical
// partition (nodeId for every topic in this system); data is the raw
// JSON payload. Handlers for a fixed key MUST observe messages in
// the order the underlying transport delivers them for that key.
type Handler func(ctx context.Context, key string, data []byte)

// Publisher publishes a keyed JSON record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, data []byte) error
}

// Subscriber registers a Handler for every message published to topic.
// Each Subscribe call adds an independent handler; earlier handlers on
// the same topic stay registered and keep receiving every message.
type Subscriber interface {
	Subscribe(topic string, handler Handler) error
}

// Bus is the full abstraction a pipeline stage depends on.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Topic names are logical, not transport subjects; a NATS-backed Bus
// maps them 1:1 onto NATS subjects of the same name.
const (
	TopicTelemetry = "telemetry"
	TopicFeatures  = "features"
	TopicForecasts = "forecasts"
	TopicChConfigs = "chconfigs"
	TopicCommands  = "commands"
)

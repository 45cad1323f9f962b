// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// configSchema describes the on-disk configuration document. Kept as
// an inline string rather than an embedded file.
const configSchema = `
{
  "type": "object",
  "properties": {
    "processor": {
      "type": "object",
      "properties": {
        "windowSeconds":        { "description": "Sliding aggregation window, in seconds.", "type": "integer", "minimum": 1 },
        "scheduleMs":           { "description": "Interval between aggregation ticks, in milliseconds.", "type": "integer", "minimum": 1 },
        "maxSamplesPerChannel": { "description": "Bound on buffered samples per (node, channel) pair.", "type": "integer", "minimum": 1 },
        "synthesizeScans":      { "description": "Whether scan-derived channel load may stand in for a missing busy sample.", "type": "boolean" },
        "channels":             { "description": "Channel set the simulation/ingest path operates over.", "type": "array", "items": { "type": "integer" }, "minItems": 1 }
      }
    },
    "optimizer": {
      "type": "object",
      "properties": {
        "minConfirmations":          { "description": "Consecutive ticks a candidate must win before it is committed.", "type": "integer", "minimum": 1 },
        "improvementThreshold":      { "type": "number" },
        "lowConfidencePenaltyScale": { "type": "number" },
        "baseMoveCost":              { "type": "number" },
        "clientPenaltyPerClient":    { "type": "number" },
        "minTimeBetweenMovesMs":     { "type": "integer", "minimum": 0 },
        "historyPenalty":           { "description": "Extra cost added to a channel present in recentTargets.", "type": "number" },
        "recentTargetsSize":         { "type": "integer", "minimum": 0 },
        "costExpression":            { "description": "expr-lang formula overriding the default cost function.", "type": "string" }
      }
    },
    "controller": {
      "type": "object",
      "properties": {
        "holdMs":             { "description": "Minimum time an identical config is held before being resent.", "type": "integer", "minimum": 0 },
        "changeCooldownMs":   { "description": "Minimum time between any two dispatched commands for the same node.", "type": "integer", "minimum": 0 },
        "rateLimitPerSecond": { "description": "Token-bucket refill rate bounding dispatched commands per node.", "type": "number", "exclusiveMinimum": 0 }
      }
    },
    "bus": {
      "type": "object",
      "properties": {
        "driver": { "description": "Transport backing pkg/bus: 'memory' or 'nats'.", "type": "string", "enum": ["memory", "nats"] },
        "nats": {
          "type": "object",
          "properties": {
            "address":       { "type": "string" },
            "username":      { "type": "string" },
            "password":      { "type": "string" },
            "credsFilePath": { "type": "string" }
          }
        }
      }
    },
    "audit": {
      "type": "object",
      "properties": {
        "dbDriver":  { "type": "string" },
        "db":        { "description": "Path to the audit-trail SQLite database.", "type": "string" },
        "retention": { "description": "Duration string parsable by time.ParseDuration, after which audit rows are pruned.", "type": "string" }
      }
    },
    "api": {
      "type": "object",
      "properties": {
        "addr":         { "description": "Address the admin HTTP server listens on.", "type": "string" },
        "jwtSecretEnv":  { "description": "Name of the environment variable holding the HS256 signing secret.", "type": "string" }
      }
    }
  },
  "additionalProperties": false
}`

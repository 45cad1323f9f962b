// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the program configuration: a
// package-level Keys struct with hardcoded defaults, optionally
// overwritten by a JSON file validated against an inline JSON schema
// before being decoded into Keys.
package config

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/nodeweave/meshplane/pkg/bus"
	"github.com/nodeweave/meshplane/pkg/log"
	"github.com/nodeweave/meshplane/pkg/schema"
)

// ProcessorConfig configures the Aggregator.
type ProcessorConfig struct {
	WindowSeconds        int   `json:"windowSeconds"`
	ScheduleMs           int   `json:"scheduleMs"`
	MaxSamplesPerChannel int   `json:"maxSamplesPerChannel"`
	SynthesizeScans      bool  `json:"synthesizeScans"`
	Channels             []int `json:"channels"`
}

// OptimizerConfig configures the Optimizer's tunables.
type OptimizerConfig struct {
	MinConfirmations          int     `json:"minConfirmations"`
	ImprovementThreshold      float64 `json:"improvementThreshold"`
	LowConfidencePenaltyScale float64 `json:"lowConfidencePenaltyScale"`
	BaseMoveCost              float64 `json:"baseMoveCost"`
	ClientPenaltyPerClient    float64 `json:"clientPenaltyPerClient"`
	MinTimeBetweenMovesMs     int64   `json:"minTimeBetweenMovesMs"`
	HistoryPenalty            float64 `json:"historyPenalty"`
	RecentTargetsSize         int     `json:"recentTargetsSize"`
	CostExpression            string  `json:"costExpression"`
}

// ControllerConfig configures the Controller's dedupe gates.
type ControllerConfig struct {
	HoldMs               int64   `json:"holdMs"`
	ChangeCooldownMs     int64   `json:"changeCooldownMs"`
	RateLimitPerSecond   float64 `json:"rateLimitPerSecond"`
}

// BusConfig selects the transport backing pkg/bus.
type BusConfig struct {
	Driver string     `json:"driver"` // "memory" or "nats"
	Nats   bus.Config `json:"nats"`
}

// AuditConfig configures the observability-only audit trail.
type AuditConfig struct {
	DBDriver  string `json:"dbDriver"`
	DB        string `json:"db"`
	Retention string `json:"retention"`
}

// APIConfig configures the admin REST/WS/metrics surface.
type APIConfig struct {
	Addr         string `json:"addr"`
	JWTSecretEnv string `json:"jwtSecretEnv"`
}

// ProgramConfig is the top-level configuration document.
type ProgramConfig struct {
	Processor  ProcessorConfig  `json:"processor"`
	Optimizer  OptimizerConfig  `json:"optimizer"`
	Controller ControllerConfig `json:"controller"`
	Bus        BusConfig        `json:"bus"`
	Audit      AuditConfig      `json:"audit"`
	API        APIConfig        `json:"api"`
}

// Keys holds the process-wide configuration, seeded with defaults.
var Keys = ProgramConfig{
	Processor: ProcessorConfig{
		WindowSeconds:        60,
		ScheduleMs:           15000,
		MaxSamplesPerChannel: 300,
		SynthesizeScans:      true,
		Channels:             []int{1, 6, 11},
	},
	Optimizer: OptimizerConfig{
		MinConfirmations:          3,
		ImprovementThreshold:      0.0,
		LowConfidencePenaltyScale: 0.0,
		BaseMoveCost:              0.0,
		ClientPenaltyPerClient:    0.2,
		MinTimeBetweenMovesMs:     0,
		HistoryPenalty:            0.0,
		RecentTargetsSize:         5,
		CostExpression:            DefaultCostExpression,
	},
	Controller: ControllerConfig{
		HoldMs:             30000,
		ChangeCooldownMs:   60000,
		RateLimitPerSecond: 5,
	},
	Bus: BusConfig{
		Driver: "memory",
	},
	Audit: AuditConfig{
		DBDriver:  "sqlite3",
		DB:        "./var/meshplane.db",
		Retention: "168h",
	},
	API: APIConfig{
		Addr:         ":8080",
		JWTSecretEnv: "MESHPLANE_JWT_SECRET",
	},
}

// DefaultCostExpression is the expr-lang formula used when no override
// is configured; see internal/optimizer/costmodel.
const DefaultCostExpression = `forecast + 0.5*channelLoad + (1.0-confidence)*lowConfidencePenaltyScale + (recent ? historyPenalty : 0.0)`

// Init reads flagConfigFile (if it exists), validates it against the
// inline JSON schema, and decodes it on top of the compiled-in
// defaults in Keys. A missing file is not an error: Keys keeps its
// defaults.
func Init(flagConfigFile string) error {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("config: %q not found, using defaults", flagConfigFile)
			return nil
		}
		return err
	}

	if err := schema.Validate(configSchema, raw); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return err
	}

	if len(Keys.Processor.Channels) == 0 {
		return errNoChannels
	}

	return nil
}

var errNoChannels = configError("processor.channels must list at least one channel")

type configError string

func (e configError) Error() string { return string(e) }

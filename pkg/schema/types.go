// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema holds the wire-level record types exchanged between
// pipeline stages over the bus, plus the JSON-schema validation helper
// used to check the program configuration at startup.
package schema

// ScanEntry is one channel's reading inside an interference scan.
// Busy and Rssi are both optional; a scan entry carries at least one
// of them.
type ScanEntry struct {
	Channel int      `json:"channel"`
	Busy    *float64 `json:"busy,omitempty"`
	Rssi    *float64 `json:"rssi,omitempty"`
}

// SampleSource distinguishes an actively measured sample from one
// synthesized out of a passive interference scan.
type SampleSource string

const (
	SampleMeasured SampleSource = "measured"
	SampleScan     SampleSource = "scan"
)

// Telemetry is one raw radio sample as emitted by a node, keyed by
// NodeID on the `telemetry` bus topic.
type Telemetry struct {
	NodeID             string       `json:"nodeId"`
	Timestamp          string       `json:"timestamp"`
	RadioID            string       `json:"radioId"`
	Channel            int          `json:"channel"`
	Rssi               *float64     `json:"rssi,omitempty"`
	Snr                *float64     `json:"snr,omitempty"`
	TxBytes            int64        `json:"txBytes"`
	RxBytes            int64        `json:"rxBytes"`
	TxRetries          int64        `json:"txRetries"`
	NumClients         *int         `json:"numClients,omitempty"`
	ChannelBusyPercent *float64     `json:"channelBusyPercent,omitempty"`
	InterferenceScan   []ScanEntry  `json:"interferenceScan,omitempty"`
	SampleSource       SampleSource `json:"sampleSource"`
}

// ScanRecord is the latest interference scan seen for a node,
// overwritten whenever a Telemetry sample carries one.
type ScanRecord struct {
	NodeID     string
	Scan       []ScanEntry
	ObservedAt int64 // unix seconds
}

// Feature is one aggregation-window summary for a (node, channel)
// pair, emitted on the `features` topic.
type Feature struct {
	NodeID        string  `json:"nodeId"`
	Channel       int     `json:"channel"`
	WindowStart   int64   `json:"windowStart"`
	WindowEnd     int64   `json:"windowEnd"`
	Granularity   string  `json:"granularity"`
	SampleCount   int     `json:"sampleCount"`
	AvgBusy       float64 `json:"avgChannelBusyPercent"`
	MaxBusy       float64 `json:"maxChannelBusyPercent"`
	MinRssi       float64 `json:"minRssi"`
	AvgRssi       float64 `json:"avgRssi"`
	SumTxBytes    int64   `json:"sumTxBytes"`
	AvgNumClients float64 `json:"avgNumClients"`
	LastSeen      string  `json:"lastSeen"`
	Synthetic     bool    `json:"synthetic"`
}

// Forecast is an externally produced near-future busy estimate for a
// (node, channel) pair, consumed on the `forecasts` topic.
type Forecast struct {
	NodeID              string  `json:"nodeId"`
	Channel             int     `json:"channel"`
	Timestamp           string  `json:"timestamp"`
	ForecastBusyPercent float64 `json:"forecastBusyPercent"`
	Confidence          float64 `json:"confidence"`
	Synthetic           bool    `json:"synthetic"`
	SampleCount         int     `json:"sampleCount"`
	AvgNumClients       float64 `json:"avgNumClients"`
	WindowSeconds       int     `json:"windowSeconds"`
}

// ForecastEntry is the in-memory, optimizer-owned view of the latest
// Forecast received for a (node, channel) pair.
type ForecastEntry struct {
	Forecast      float64
	Confidence    float64
	Synthetic     bool
	LastUpdatedAt int64
	SampleCount   int
	AvgNumClients float64
}

// ChannelConfig is the optimizer's decision, published on the
// `chconfigs` topic for the controller to dedupe and dispatch.
type ChannelConfig struct {
	NodeID  string `json:"nodeId"`
	Channel int    `json:"channel"`
	Reason  string `json:"reason"`
}

// Command is the final directive sent to a node, published on the
// `commands` topic.
type Command struct {
	NodeID        string `json:"nodeId"`
	Command       string `json:"command"`
	Payload       string `json:"payload"`
	ConfigVersion string `json:"configVersion"`
}

const CommandSetChannel = "SET_CHANNEL"

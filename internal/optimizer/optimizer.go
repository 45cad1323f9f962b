// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package optimizer implements the per-node channel-selection state
// machine: it ingests Forecast records, scores candidate channels
// under a pluggable cost function, and — subject to a viability gate,
// confirmation counter, and hysteresis — commits at most one channel
// reassignment per node, emitting a ChannelConfig.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/internal/optimizer/costmodel"
	"github.com/nodeweave/meshplane/pkg/bus"
	"github.com/nodeweave/meshplane/pkg/log"
	"github.com/nodeweave/meshplane/pkg/schema"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config carries the optimizer's tunables.
type Config struct {
	MinConfirmations          int
	ImprovementThreshold      float64
	LowConfidencePenaltyScale float64
	BaseMoveCost              float64
	ClientPenaltyPerClient    float64
	MinTimeBetweenMovesMs     int64
	HistoryPenalty            float64
	RecentTargetsSize         int
}

// nodeState is the per-node decision state the optimizer tracks.
type nodeState struct {
	forecasts map[int]schema.ForecastEntry

	hasAssignment        bool
	assignedChannel      int
	assignedContribution float64
	assignedAt           int64 // unix millis
	inferred             bool

	confirmCount int
	recent       []int // most-recent-first, len <= K
}

// Optimizer owns all per-node state and the shared channelLoad map.
type Optimizer struct {
	cfg     Config
	clock   Clock
	model   *costmodel.Model
	pub     bus.Publisher
	metrics *metrics.Metrics

	mu          sync.Mutex
	nodes       map[string]*nodeState
	channelLoad map[int]float64
}

// New constructs an Optimizer. model must be a compiled cost
// expression (see costmodel.Compile); pub is where ChannelConfig
// records are published.
func New(cfg Config, model *costmodel.Model, pub bus.Publisher, clock Clock) *Optimizer {
	if clock == nil {
		clock = time.Now
	}
	return &Optimizer{
		cfg:         cfg,
		clock:       clock,
		model:       model,
		pub:         pub,
		nodes:       make(map[string]*nodeState),
		channelLoad: make(map[int]float64),
	}
}

// SetMetrics wires m so decision/load events are counted. A nil m
// is a no-op, so metrics stay optional for tests.
func (o *Optimizer) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// HandleForecast is the bus.Handler wired to the forecasts topic.
func (o *Optimizer) HandleForecast(ctx context.Context, _ string, data []byte) {
	var f schema.Forecast
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warnf("optimizer: dropping unparsable forecast: %v", err)
		return
	}
	o.HandleForecastValue(ctx, f)
}

// ChannelLoad returns the current shared load attributed to channel c.
func (o *Optimizer) ChannelLoad(c int) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channelLoad[c]
}

// ChannelLoadSnapshot returns a copy of the full channel-load map.
func (o *Optimizer) ChannelLoadSnapshot() map[int]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int]float64, len(o.channelLoad))
	for c, v := range o.channelLoad {
		out[c] = v
	}
	return out
}

// Assignment returns the channel currently assigned to node, if any.
func (o *Optimizer) Assignment(node string) (channel int, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ns, exists := o.nodes[node]
	if !exists || !ns.hasAssignment {
		return 0, false
	}
	return ns.assignedChannel, true
}

// HandleForecastValue runs the full decision algorithm for one
// incoming Forecast.
func (o *Optimizer) HandleForecastValue(ctx context.Context, f schema.Forecast) {
	// Step 1.
	if f.NodeID == "" {
		return
	}

	if o.metrics != nil {
		o.metrics.ForecastsReceived.Inc()
	}

	o.mu.Lock()
	ns, ok := o.nodes[f.NodeID]
	if !ok {
		ns = &nodeState{forecasts: make(map[int]schema.ForecastEntry)}
		o.nodes[f.NodeID] = ns
	}

	// Step 2.
	ns.forecasts[f.Channel] = schema.ForecastEntry{
		Forecast:      f.ForecastBusyPercent,
		Confidence:    f.Confidence,
		Synthetic:     f.Synthetic,
		LastUpdatedAt: o.clock().UnixMilli(),
		SampleCount:   f.SampleCount,
		AvgNumClients: f.AvgNumClients,
	}

	// Step 3.
	if len(ns.forecasts) == 0 {
		o.mu.Unlock()
		return
	}

	cfg, err := o.decide(f.NodeID, ns)
	o.mu.Unlock()

	if err != nil {
		log.Errorf("optimizer: decide for %s: %v", f.NodeID, err)
		return
	}
	if cfg == nil {
		return
	}

	data, err := json.Marshal(*cfg)
	if err != nil {
		log.Errorf("optimizer: marshal channel config: %v", err)
		return
	}
	if err := o.pub.Publish(ctx, bus.TopicChConfigs, cfg.NodeID, data); err != nil {
		log.Warnf("optimizer: publish channel config for %s: %v", cfg.NodeID, err)
	}
}

// decide runs steps 4-11 under the caller's lock and returns a
// ChannelConfig to publish, or nil if no commit is warranted.
func (o *Optimizer) decide(node string, ns *nodeState) (cfg *schema.ChannelConfig, err error) {
	outcome := "reject"
	defer func() {
		if o.metrics == nil {
			return
		}
		if err != nil {
			return
		}
		if cfg != nil {
			outcome = "commit"
		}
		o.metrics.OptimizerDecisions.WithLabelValues(outcome).Inc()
		o.metrics.ConfirmCount.WithLabelValues(node).Set(float64(ns.confirmCount))
	}()

	// Step 4: candidate scoring.
	bestChannel := 0
	bestCost := 0.0
	haveBest := false
	for c, e := range ns.forecasts {
		cost, cerr := o.cost(e, c, ns)
		if cerr != nil {
			return nil, cerr
		}
		if !haveBest || cost < bestCost {
			bestChannel, bestCost, haveBest = c, cost, true
		}
	}
	if !haveBest {
		return nil, nil
	}
	bestEntry := ns.forecasts[bestChannel]

	// Step 5: current-channel inference.
	currentChannel := 0
	if ns.hasAssignment {
		currentChannel = ns.assignedChannel
		ns.inferred = false
	} else {
		currentChannel, ns.inferred = inferCurrent(ns.forecasts)
	}

	// Step 6: current cost.
	var currentCost float64
	if currentEntry, ok := ns.forecasts[currentChannel]; ok && (ns.hasAssignment || ns.inferred) {
		cost, err := o.cost(currentEntry, currentChannel, ns)
		if err != nil {
			return nil, err
		}
		if ns.inferred && currentEntry.Confidence < 0.3 {
			cost += 5.0
		}
		currentCost = cost
	} else {
		currentCost = bestCost + o.cfg.BaseMoveCost
	}

	// Step 7: candidate viability gate.
	switch {
	case !bestEntry.Synthetic && bestEntry.Confidence >= 0.3:
		// accept
	case bestEntry.Synthetic && bestEntry.Confidence >= 0.75:
		// accept
	case bestEntry.Synthetic && !hasNonSyntheticSample(ns.forecasts, bestChannel):
		ns.confirmCount = 0
		outcome = "reject"
		return nil, nil
	case !bestEntry.Synthetic && bestEntry.Confidence < 0.25:
		ns.confirmCount = 0
		outcome = "reject"
		return nil, nil
	}

	// Step 8: net improvement.
	recentHasBest := contains(ns.recent, bestChannel)
	moveCost := o.cfg.BaseMoveCost + o.cfg.ClientPenaltyPerClient*bestEntry.AvgNumClients
	if recentHasBest {
		moveCost += o.cfg.HistoryPenalty
	}
	improvement := currentCost - bestCost
	netImprovement := improvement - moveCost

	allLowConfidence := true
	for _, e := range ns.forecasts {
		if e.Confidence >= 0.5 {
			allLowConfidence = false
			break
		}
	}
	required := o.cfg.ImprovementThreshold
	if allLowConfidence {
		required *= 2
	}
	if netImprovement < required {
		ns.confirmCount = 0
		outcome = "reject"
		return nil, nil
	}

	// Step 9: hysteresis.
	now := o.clock().UnixMilli()
	if ns.hasAssignment && now-ns.assignedAt < o.cfg.MinTimeBetweenMovesMs {
		ns.confirmCount = 0
		outcome = "hold"
		return nil, nil
	}

	// Step 10: confirmation counter.
	ns.confirmCount++
	if ns.confirmCount < o.cfg.MinConfirmations {
		outcome = "hold"
		return nil, nil
	}

	// Step 11: commit.
	if ns.hasAssignment {
		o.channelLoad[ns.assignedChannel] -= ns.assignedContribution
		if o.channelLoad[ns.assignedChannel] < 1e-6 {
			o.channelLoad[ns.assignedChannel] = 0
		}
		if o.metrics != nil {
			o.metrics.ChannelLoad.WithLabelValues(strconv.Itoa(ns.assignedChannel)).Set(o.channelLoad[ns.assignedChannel])
		}
	}
	o.channelLoad[bestChannel] += bestEntry.Forecast
	if o.metrics != nil {
		o.metrics.ChannelLoad.WithLabelValues(strconv.Itoa(bestChannel)).Set(o.channelLoad[bestChannel])
	}

	ns.hasAssignment = true
	ns.assignedChannel = bestChannel
	ns.assignedContribution = bestEntry.Forecast
	ns.assignedAt = now
	ns.confirmCount = 0
	ns.inferred = false

	ns.recent = append([]int{bestChannel}, ns.recent...)
	if len(ns.recent) > o.cfg.RecentTargetsSize {
		ns.recent = ns.recent[:o.cfg.RecentTargetsSize]
	}

	return &schema.ChannelConfig{
		NodeID:  node,
		Channel: bestChannel,
		Reason:  fmt.Sprintf("optimizer:netImp=%.4f,rawImp=%.4f", netImprovement, improvement),
	}, nil
}

func (o *Optimizer) cost(e schema.ForecastEntry, channel int, ns *nodeState) (float64, error) {
	return o.model.Cost(costmodel.Inputs{
		Forecast:                  e.Forecast,
		ChannelLoad:               o.channelLoad[channel],
		Confidence:                e.Confidence,
		LowConfidencePenaltyScale: o.cfg.LowConfidencePenaltyScale,
		HistoryPenalty:            o.cfg.HistoryPenalty,
		Recent:                    contains(ns.recent, channel),
	})
}

// inferCurrent picks the node's current channel from its forecast
// entries: prefer the entry with !synthetic && sampleCount>0 having
// the largest sampleCount, else the entry with highest confidence.
func inferCurrent(forecasts map[int]schema.ForecastEntry) (channel int, ok bool) {
	bestChannel, bestCount := 0, -1
	for c, e := range forecasts {
		if !e.Synthetic && e.SampleCount > 0 && e.SampleCount > bestCount {
			bestChannel, bestCount = c, e.SampleCount
		}
	}
	if bestCount >= 0 {
		return bestChannel, true
	}

	bestChannel, bestConf := 0, -1.0
	for c, e := range forecasts {
		if e.Confidence > bestConf {
			bestChannel, bestConf = c, e.Confidence
		}
	}
	return bestChannel, bestConf >= 0
}

func hasNonSyntheticSample(forecasts map[int]schema.ForecastEntry, channel int) bool {
	e, ok := forecasts[channel]
	return ok && !e.Synthetic
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aggregator folds raw node telemetry into per-(node, channel)
// Feature summaries over a sliding time window, synthesizing a sample
// from a passive interference scan when no active measurement fell
// inside the window.
package aggregator

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/pkg/bus"
	"github.com/nodeweave/meshplane/pkg/log"
	"github.com/nodeweave/meshplane/pkg/schema"
)

// Clock abstracts time.Now so ticks and window edges are testable.
type Clock func() time.Time

// Config carries the tunables named in the processor configuration
// keys.
type Config struct {
	WindowSeconds        int
	MaxSamplesPerChannel int
	SynthesizeScans      bool
	Channels             []int
}

type bufferKey struct {
	node    string
	channel int
}

// Aggregator owns the per-(node, channel) sample buffers and the
// latest-scan-per-node table.
type Aggregator struct {
	cfg     Config
	clock   Clock
	pub     bus.Publisher
	metrics *metrics.Metrics

	mu      sync.Mutex
	buffers map[bufferKey][]schema.Telemetry
	scans   map[string]schema.ScanRecord
}

// New constructs an Aggregator that publishes Feature records through
// pub using clock for all time reads.
func New(cfg Config, pub bus.Publisher, clock Clock) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		cfg:     cfg,
		clock:   clock,
		pub:     pub,
		buffers: make(map[bufferKey][]schema.Telemetry),
		scans:   make(map[string]schema.ScanRecord),
	}
}

// SetMetrics wires m so ingest/publish events are counted. A nil m
// is a no-op, so metrics stay optional for tests.
func (a *Aggregator) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// HandleTelemetry is the bus.Handler wired to the telemetry topic.
func (a *Aggregator) HandleTelemetry(_ context.Context, _ string, data []byte) {
	var t schema.Telemetry
	if err := json.Unmarshal(data, &t); err != nil {
		log.Warnf("aggregator: dropping unparsable telemetry: %v", err)
		return
	}
	a.AddTelemetry(t)
}

// AddTelemetry folds a telemetry record into the node/channel buffer:
// non-blocking, drops malformed records, never poisons the buffer on
// a bad sample.
func (a *Aggregator) AddTelemetry(t schema.Telemetry) {
	if t.NodeID == "" {
		return
	}
	// channel 0 is a valid channel id, so a record whose channel field
	// is missing decodes to channel 0 and is kept; only negative
	// channels are dropped.
	if t.Channel < 0 {
		return
	}

	if a.metrics != nil {
		a.metrics.TelemetryIngested.Inc()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := bufferKey{node: t.NodeID, channel: t.Channel}
	buf := append(a.buffers[key], t)
	if max := a.cfg.MaxSamplesPerChannel; max > 0 && len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	a.buffers[key] = buf

	if len(t.InterferenceScan) > 0 {
		observedAt := parseUnix(t.Timestamp)
		if observedAt == 0 {
			observedAt = a.clock().Unix()
		}
		a.scans[t.NodeID] = schema.ScanRecord{
			NodeID:     t.NodeID,
			Scan:       t.InterferenceScan,
			ObservedAt: observedAt,
		}
	}
}

// Tick runs one summarize-and-publish cycle over every tracked node
// (one with a buffer or a stored scan) and every configured channel.
// Buffers for channels outside Config.Channels are not summarized.
func (a *Aggregator) Tick(ctx context.Context) {
	now := a.clock()
	windowStart := now.Add(-time.Duration(a.cfg.WindowSeconds) * time.Second).Unix()

	a.mu.Lock()
	nodes := make(map[string]struct{})
	for k := range a.buffers {
		nodes[k.node] = struct{}{}
	}
	for n := range a.scans {
		nodes[n] = struct{}{}
	}
	nodeList := make([]string, 0, len(nodes))
	for n := range nodes {
		nodeList = append(nodeList, n)
	}
	sort.Strings(nodeList)
	a.mu.Unlock()

	for _, node := range nodeList {
		for _, ch := range a.cfg.Channels {
			if f, ok := a.buildFeature(node, ch, windowStart, now); ok {
				a.publish(ctx, f)
			}
		}
	}
}

func (a *Aggregator) publish(ctx context.Context, f schema.Feature) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Errorf("aggregator: marshal feature: %v", err)
		return
	}
	if err := a.pub.Publish(ctx, bus.TopicFeatures, f.NodeID, data); err != nil {
		log.Warnf("aggregator: publish feature for %s/%d: %v", f.NodeID, f.Channel, err)
		return
	}
	if a.metrics != nil {
		a.metrics.FeaturesEmitted.WithLabelValues(strconv.Itoa(f.Channel)).Inc()
	}
}

// buildFeature implements steps 1-6 of the tick contract for a single
// (node, channel) pair; Tick publishes the result (step 7).
func (a *Aggregator) buildFeature(node string, channel int, windowStart int64, now time.Time) (schema.Feature, bool) {
	key := bufferKey{node: node, channel: channel}

	a.mu.Lock()
	buf := a.buffers[key]

	// Step 1: prune from the head while parseable and stale.
	i := 0
	for i < len(buf) {
		ts := parseUnix(buf[i].Timestamp)
		if ts != 0 && ts < windowStart {
			i++
			continue
		}
		break
	}
	buf = buf[i:]
	a.buffers[key] = buf

	// Step 2: snapshot.
	windowList := make([]schema.Telemetry, len(buf))
	copy(windowList, buf)

	// Step 3: hasRecentReal.
	hasRecentReal := false
	if len(windowList) > 0 {
		tail := windowList[len(windowList)-1]
		ts := parseUnix(tail.Timestamp)
		hasRecentReal = ts == 0 || ts >= windowStart
	}

	// Step 4: synthesis rule.
	if !hasRecentReal && a.cfg.SynthesizeScans {
		if scan, ok := a.scans[node]; ok {
			if scan.ObservedAt >= windowStart {
				if synth, ok := synthesizeSample(scan, channel, now); ok {
					windowList = append(windowList, synth)
				}
			} else {
				delete(a.scans, node)
			}
		}
	}
	a.mu.Unlock()

	// Step 5.
	if len(windowList) == 0 {
		return schema.Feature{}, false
	}

	// Step 6.
	return summarize(node, channel, windowStart, now, windowList), true
}

// synthesizeSample builds a scan-derived Telemetry for channel when no
// active sample is available.
func synthesizeSample(scan schema.ScanRecord, channel int, now time.Time) (schema.Telemetry, bool) {
	var entry *schema.ScanEntry
	for i := range scan.Scan {
		if scan.Scan[i].Channel == channel {
			entry = &scan.Scan[i]
			break
		}
	}
	if entry == nil {
		return schema.Telemetry{}, false
	}

	var busy float64
	switch {
	case entry.Busy != nil:
		busy = round2(*entry.Busy)
	case entry.Rssi != nil:
		busy = round2(rssiToBusy(*entry.Rssi))
	default:
		return schema.Telemetry{}, false
	}

	t := schema.Telemetry{
		NodeID:             scan.NodeID,
		Timestamp:          now.Format(time.RFC3339),
		Channel:            channel,
		ChannelBusyPercent: &busy,
		TxBytes:            0,
		RxBytes:            0,
		TxRetries:          -1,
		SampleSource:       schema.SampleScan,
	}
	if entry.Rssi != nil {
		rssi := *entry.Rssi
		t.Rssi = &rssi
	}
	return t, true
}

// rssiToBusy linearly maps an RSSI reading clamped to [-95, -40] onto
// a busy percentage in [0, 100].
func rssiToBusy(rssi float64) float64 {
	const lo, hi = -95.0, -40.0
	if rssi < lo {
		rssi = lo
	}
	if rssi > hi {
		rssi = hi
	}
	return (rssi - lo) / (hi - lo) * 100
}

func summarize(node string, channel int, windowStart int64, now time.Time, samples []schema.Telemetry) schema.Feature {
	var sumBusy, maxBusy, sumRssi, minRssi, sumClients float64
	var sumTxBytes int64
	var busyCount, rssiCount, clientCount int
	allScan := true
	lastSeen := ""

	minRssi = math.Inf(1)

	for _, s := range samples {
		if s.SampleSource != schema.SampleScan {
			allScan = false
		}
		if s.ChannelBusyPercent != nil {
			sumBusy += *s.ChannelBusyPercent
			if *s.ChannelBusyPercent > maxBusy || busyCount == 0 {
				maxBusy = *s.ChannelBusyPercent
			}
			busyCount++
		}
		if s.Rssi != nil {
			sumRssi += *s.Rssi
			if *s.Rssi < minRssi {
				minRssi = *s.Rssi
			}
			rssiCount++
		}
		if s.NumClients != nil {
			sumClients += float64(*s.NumClients)
			clientCount++
		}
		sumTxBytes += s.TxBytes
		lastSeen = s.Timestamp
	}

	if rssiCount == 0 {
		minRssi = 0
	}

	f := schema.Feature{
		NodeID:      node,
		Channel:     channel,
		WindowStart: windowStart,
		WindowEnd:   now.Unix(),
		Granularity: "window",
		SampleCount: len(samples),
		MaxBusy:     maxBusy,
		MinRssi:     minRssi,
		SumTxBytes:  sumTxBytes,
		LastSeen:    lastSeen,
		Synthetic:   allScan,
	}
	if busyCount > 0 {
		f.AvgBusy = round2(sumBusy / float64(busyCount))
	}
	if rssiCount > 0 {
		f.AvgRssi = sumRssi / float64(rssiCount)
	}
	if clientCount > 0 {
		f.AvgNumClients = sumClients / float64(clientCount)
	}
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// parseUnix parses t as RFC3339; returns 0, the "unparseable, leave in
// place" sentinel, on failure.
func parseUnix(t string) int64 {
	if t == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339, t)
	if err != nil {
		return 0
	}
	return parsed.Unix()
}

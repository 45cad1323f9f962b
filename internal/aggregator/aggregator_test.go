// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	features []schema.Feature
}

func (f *fakePublisher) Publish(_ context.Context, topic, _ string, data []byte) error {
	if topic != "features" {
		return nil
	}
	var feat schema.Feature
	if err := json.Unmarshal(data, &feat); err != nil {
		return err
	}
	f.features = append(f.features, feat)
	return nil
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func floatPtr(v float64) *float64 { return &v }

func TestAggregator_ScanSynthesis_BusyField(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	agg := New(Config{
		WindowSeconds:        60,
		MaxSamplesPerChannel: 300,
		SynthesizeScans:      true,
		Channels:             []int{11},
	}, pub, fixedClock(now))

	agg.AddTelemetry(schema.Telemetry{
		NodeID:    "nodeA",
		Timestamp: now.Format(time.RFC3339),
		Channel:   1, // not channel 11: forces synthesis on 11
		InterferenceScan: []schema.ScanEntry{
			{Channel: 11, Busy: floatPtr(42.7)},
		},
		SampleSource: schema.SampleMeasured,
	})

	agg.Tick(context.Background())

	require.Len(t, pub.features, 1)
	f := pub.features[0]
	assert.Equal(t, 1, f.SampleCount)
	assert.Equal(t, 42.7, f.AvgBusy)
	assert.True(t, f.Synthetic)
}

func TestAggregator_ScanSynthesis_RssiFallback(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	agg := New(Config{
		WindowSeconds:        60,
		MaxSamplesPerChannel: 300,
		SynthesizeScans:      true,
		Channels:             []int{11},
	}, pub, fixedClock(now))

	agg.AddTelemetry(schema.Telemetry{
		NodeID:    "nodeA",
		Timestamp: now.Format(time.RFC3339),
		Channel:   1,
		InterferenceScan: []schema.ScanEntry{
			{Channel: 11, Rssi: floatPtr(-70)},
		},
		SampleSource: schema.SampleMeasured,
	})

	agg.Tick(context.Background())

	require.Len(t, pub.features, 1)
	assert.InDelta(t, 45.45, pub.features[0].AvgBusy, 0.01)
	assert.True(t, pub.features[0].Synthetic)
}

func TestAggregator_EmptyBufferNoScan_NoFeature(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	agg := New(Config{WindowSeconds: 60, MaxSamplesPerChannel: 10, Channels: []int{1}}, pub, fixedClock(now))

	agg.Tick(context.Background())

	assert.Empty(t, pub.features)
}

func TestAggregator_BufferEviction(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	agg := New(Config{WindowSeconds: 600, MaxSamplesPerChannel: 3, Channels: []int{1}}, pub, fixedClock(now))

	for i := 0; i < 10; i++ {
		agg.AddTelemetry(schema.Telemetry{
			NodeID:             "n",
			Channel:            1,
			Timestamp:          now.Format(time.RFC3339),
			ChannelBusyPercent: floatPtr(float64(i)),
			SampleSource:       schema.SampleMeasured,
		})
	}

	agg.mu.Lock()
	length := len(agg.buffers[bufferKey{node: "n", channel: 1}])
	agg.mu.Unlock()
	assert.LessOrEqual(t, length, 3)
}

func TestAggregator_StaleScanEvicted(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	agg := New(Config{WindowSeconds: 60, MaxSamplesPerChannel: 10, SynthesizeScans: true, Channels: []int{11}}, pub, fixedClock(now))

	staleTime := now.Add(-10 * time.Minute)
	agg.AddTelemetry(schema.Telemetry{
		NodeID:    "n",
		Channel:   1,
		Timestamp: staleTime.Format(time.RFC3339),
		InterferenceScan: []schema.ScanEntry{
			{Channel: 11, Busy: floatPtr(50)},
		},
		SampleSource: schema.SampleMeasured,
	})

	agg.Tick(context.Background())

	assert.Empty(t, pub.features)
	agg.mu.Lock()
	_, stillPresent := agg.scans["n"]
	agg.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestAggregator_SetMetrics_CountsIngestAndEmit(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	agg := New(Config{WindowSeconds: 60, MaxSamplesPerChannel: 10, Channels: []int{6}}, pub, fixedClock(now))

	m := metrics.New()
	agg.SetMetrics(m)

	agg.AddTelemetry(schema.Telemetry{
		NodeID:             "n",
		Channel:            6,
		Timestamp:          now.Format(time.RFC3339),
		ChannelBusyPercent: floatPtr(10),
		SampleSource:       schema.SampleMeasured,
	})
	agg.Tick(context.Background())

	rw := httptest.NewRecorder()
	m.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rw.Body.String()

	assert.Contains(t, body, "meshplane_telemetry_ingested_total 1")
	assert.Contains(t, body, `meshplane_features_emitted_total{channel="6"} 1`)
}

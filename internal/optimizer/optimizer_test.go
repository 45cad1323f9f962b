// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package optimizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/internal/optimizer/costmodel"
	"github.com/nodeweave/meshplane/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	configs []schema.ChannelConfig
}

func (f *fakePublisher) Publish(_ context.Context, topic, _ string, data []byte) error {
	if topic != "chconfigs" {
		return nil
	}
	var cc schema.ChannelConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		return err
	}
	f.configs = append(f.configs, cc)
	return nil
}

func mustModel(t *testing.T) *costmodel.Model {
	t.Helper()
	m, err := costmodel.Compile(`forecast + 0.5*channelLoad + (1.0-confidence)*lowConfidencePenaltyScale + (recent ? historyPenalty : 0.0)`)
	require.NoError(t, err)
	return m
}

func TestOptimizer_StraightImprovement(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	opt := New(Config{
		MinConfirmations:     3,
		ImprovementThreshold: 0,
		RecentTargetsSize:    5,
	}, mustModel(t), pub, func() time.Time { return now })

	fc := func(ch int, busy float64) schema.Forecast {
		return schema.Forecast{NodeID: "A", Channel: ch, ForecastBusyPercent: busy, Confidence: 0.9}
	}

	opt.HandleForecastValue(context.Background(), fc(1, 60))
	opt.HandleForecastValue(context.Background(), fc(6, 20))
	opt.HandleForecastValue(context.Background(), fc(11, 80))

	require.Len(t, pub.configs, 1)
	assert.Equal(t, "A", pub.configs[0].NodeID)
	assert.Equal(t, 6, pub.configs[0].Channel)
	assert.Equal(t, 20.0, opt.ChannelLoad(6))
}

func TestOptimizer_SyntheticBlock(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	opt := New(Config{MinConfirmations: 3, RecentTargetsSize: 5}, mustModel(t), pub, func() time.Time { return now })

	for i := 0; i < 10; i++ {
		opt.HandleForecastValue(context.Background(), schema.Forecast{
			NodeID: "B", Channel: 6, ForecastBusyPercent: 30, Confidence: 0.5, Synthetic: true,
		})
	}

	assert.Empty(t, pub.configs)
}

func TestOptimizer_AntiOscillation_CommitsWhenNotInHistory(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	opt := New(Config{
		MinConfirmations:  3,
		HistoryPenalty:    10,
		RecentTargetsSize: 5,
	}, mustModel(t), pub, func() time.Time { return now })

	// Node C is ASSIGNED(6) with recentTargets=[6]; channel 1 is not
	// in recentTargets, so no historyPenalty applies to it.
	opt.nodes["C"] = &nodeState{
		forecasts:            make(map[int]schema.ForecastEntry),
		hasAssignment:        true,
		assignedChannel:      6,
		assignedContribution: 20,
		recent:               []int{6},
	}
	opt.channelLoad[6] = 20

	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 1, ForecastBusyPercent: 15, Confidence: 0.9})
	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 1, ForecastBusyPercent: 15, Confidence: 0.9})
	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 1, ForecastBusyPercent: 15, Confidence: 0.9})

	require.Len(t, pub.configs, 1)
	assert.Equal(t, 1, pub.configs[0].Channel)
}

func TestOptimizer_AntiOscillation_BlocksWhenTargetInHistory(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	opt := New(Config{
		MinConfirmations:  3,
		HistoryPenalty:    10,
		RecentTargetsSize: 5,
	}, mustModel(t), pub, func() time.Time { return now })

	// Node C is ASSIGNED(1), channel 6 is already in recentTargets, so
	// proposing a move back to 6 pays historyPenalty both in its own
	// candidate score and again as moveCost.
	opt.nodes["C"] = &nodeState{
		forecasts:            make(map[int]schema.ForecastEntry),
		hasAssignment:        true,
		assignedChannel:      1,
		assignedContribution: 15,
		recent:               []int{1, 6},
	}

	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 6, ForecastBusyPercent: 10, Confidence: 0.9})
	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 6, ForecastBusyPercent: 10, Confidence: 0.9})
	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 6, ForecastBusyPercent: 10, Confidence: 0.9})
	opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "C", Channel: 1, ForecastBusyPercent: 15, Confidence: 0.9})

	assert.Empty(t, pub.configs)
}

func TestOptimizer_RecentTargetsBounded(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	opt := New(Config{MinConfirmations: 1, RecentTargetsSize: 2}, mustModel(t), pub, func() time.Time { return now })

	channels := []int{1, 6, 11, 3}
	for _, ch := range channels {
		opt.HandleForecastValue(context.Background(), schema.Forecast{NodeID: "D", Channel: ch, ForecastBusyPercent: float64(ch), Confidence: 0.9})
	}

	opt.mu.Lock()
	length := len(opt.nodes["D"].recent)
	opt.mu.Unlock()
	assert.LessOrEqual(t, length, 2)
}

func TestOptimizer_SetMetrics_RecordsDecisionOutcomesAndGauges(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	opt := New(Config{
		MinConfirmations:     3,
		ImprovementThreshold: 0,
		RecentTargetsSize:    5,
	}, mustModel(t), pub, func() time.Time { return now })

	m := metrics.New()
	opt.SetMetrics(m)

	fc := func(ch int, busy float64) schema.Forecast {
		return schema.Forecast{NodeID: "E", Channel: ch, ForecastBusyPercent: busy, Confidence: 0.9}
	}

	// First two forecasts only accumulate confirmations ("hold"); the
	// third crosses MinConfirmations and commits to channel 6.
	opt.HandleForecastValue(context.Background(), fc(1, 60))
	opt.HandleForecastValue(context.Background(), fc(6, 20))
	opt.HandleForecastValue(context.Background(), fc(11, 80))
	require.Len(t, pub.configs, 1)

	rw := httptest.NewRecorder()
	m.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rw.Body.String()

	assert.Contains(t, body, `meshplane_optimizer_decisions_total{outcome="commit"} 1`)
	assert.Contains(t, body, `meshplane_optimizer_decisions_total{outcome="hold"} 2`)
	assert.Contains(t, body, `meshplane_optimizer_confirm_count{node="E"} 0`)
	assert.Contains(t, body, `meshplane_channel_load{channel="6"} 20`)
}

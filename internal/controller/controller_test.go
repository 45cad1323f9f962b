// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

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
	commands []schema.Command
}

func (f *fakePublisher) Publish(_ context.Context, topic, _ string, data []byte) error {
	if topic != "commands" {
		return nil
	}
	var cmd schema.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func TestController_ChangeCooldown(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	ctl := New(Config{ChangeCooldownMs: 60000, HoldMs: 30000}, pub, func() time.Time { return now })

	ctl.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "D", Channel: 6})
	now = now.Add(10 * time.Second)
	ctl.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "D", Channel: 11})

	require.Len(t, pub.commands, 1)
	assert.Equal(t, "6", pub.commands[0].Payload)
}

func TestController_IdenticalConfigHold(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	ctl := New(Config{ChangeCooldownMs: 0, HoldMs: 30000}, pub, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		ctl.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "E", Channel: 6})
	}

	require.Len(t, pub.commands, 1)
}

func TestController_AllowsAfterCooldownElapses(t *testing.T) {
	now := time.Now()
	pub := &fakePublisher{}
	ctl := New(Config{ChangeCooldownMs: 1000, HoldMs: 500}, pub, func() time.Time { return now })

	ctl.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "F", Channel: 1})
	now = now.Add(2 * time.Second)
	ctl.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "F", Channel: 6})

	require.Len(t, pub.commands, 2)
	assert.Equal(t, "v1", pub.commands[0].ConfigVersion[:2])
	assert.Equal(t, "v2", pub.commands[1].ConfigVersion[:2])
}

func TestController_SetMetrics_RecordsDispatchAndSuppression(t *testing.T) {
	now := time.Now()
	m := metrics.New()

	cooldown := New(Config{ChangeCooldownMs: 60000, HoldMs: 0}, &fakePublisher{}, func() time.Time { return now })
	cooldown.SetMetrics(m)
	cooldown.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "G", Channel: 6})
	cooldown.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "G", Channel: 11})

	hold := New(Config{ChangeCooldownMs: 0, HoldMs: 30000}, &fakePublisher{}, func() time.Time { return now })
	hold.SetMetrics(m)
	hold.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "H", Channel: 6})
	hold.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "H", Channel: 6})

	rateLimited := New(Config{ChangeCooldownMs: 0, HoldMs: 0, RateLimitPerSecond: 0.0000001}, &fakePublisher{}, func() time.Time { return now })
	rateLimited.SetMetrics(m)
	rateLimited.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "I", Channel: 6})
	rateLimited.HandleChannelConfigValue(context.Background(), schema.ChannelConfig{NodeID: "I", Channel: 11})

	rw := httptest.NewRecorder()
	m.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rw.Body.String()

	assert.Contains(t, body, `meshplane_commands_dispatched_total{command="SET_CHANNEL"} 3`)
	assert.Contains(t, body, `meshplane_commands_suppressed_total{reason="cooldown"} 1`)
	assert.Contains(t, body, `meshplane_commands_suppressed_total{reason="hold"} 1`)
	assert.Contains(t, body, `meshplane_commands_suppressed_total{reason="rate_limit"} 1`)
}

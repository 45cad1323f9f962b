// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeweave/meshplane/internal/optimizer"
	"github.com/nodeweave/meshplane/internal/optimizer/costmodel"
	"github.com/nodeweave/meshplane/internal/repository"
	"github.com/nodeweave/meshplane/pkg/schema"
)

func newTestOptimizer(t *testing.T) *optimizer.Optimizer {
	t.Helper()
	model, err := costmodel.Compile("forecast + channelLoad")
	require.NoError(t, err)
	return optimizer.New(optimizer.Config{MinConfirmations: 1, RecentTargetsSize: 3}, model, nil, func() time.Time { return time.Unix(0, 0) })
}

func newTestAudit(t *testing.T) *repository.AuditRepository {
	t.Helper()
	dsn := t.TempDir() + "/api.db"
	require.NoError(t, repository.Connect("sqlite3", dsn))
	return repository.NewAuditRepository()
}

func TestRestApi_HealthzIsAlwaysUnauthenticated(t *testing.T) {
	a := &RestApi{Optimizer: newTestOptimizer(t), Audit: newTestAudit(t), JWTSecret: []byte("secret")}
	r := mux.NewRouter()
	a.MountRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRestApi_ChannelLoadRequiresBearerToken(t *testing.T) {
	a := &RestApi{Optimizer: newTestOptimizer(t), Audit: newTestAudit(t), JWTSecret: []byte("secret")}
	r := mux.NewRouter()
	a.MountRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels/load", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRestApi_ChannelLoadWithValidToken(t *testing.T) {
	secret := []byte("secret")
	a := &RestApi{Optimizer: newTestOptimizer(t), Audit: newTestAudit(t), JWTSecret: secret}
	r := mux.NewRouter()
	a.MountRoutes(r)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "test"})
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels/load", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body ChannelLoadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
}

func TestRestApi_AssignmentUnknownNode(t *testing.T) {
	secret := []byte("secret")
	a := &RestApi{Optimizer: newTestOptimizer(t), Audit: newTestAudit(t), JWTSecret: secret}
	r := mux.NewRouter()
	a.MountRoutes(r)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "test"})
	signed, _ := tok.SignedString(secret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes/unknown/assignment", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body AssignmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Assigned)
}

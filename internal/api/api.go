// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the operator-facing REST surface: current
// per-node channel assignments, shared channel load, and dispatched
// command history, mounted on a gorilla/mux router the way the
// ClusterCockpit REST API is mounted.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/internal/optimizer"
	"github.com/nodeweave/meshplane/internal/repository"
	"github.com/nodeweave/meshplane/pkg/log"
)

// @title                      Meshplane Control API
// @version                    1.0.0
// @description                Read-only API for channel assignments, load, and command history.

// @tag.name Control API

// @license.name               MIT License
// @license.url                https://opensource.org/licenses/MIT

// @host                       localhost:8080
// @basePath                   /api/v1

// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization

// RestApi wires the optimizer's in-memory state and the audit store
// into HTTP handlers.
type RestApi struct {
	Optimizer *optimizer.Optimizer
	Audit     *repository.AuditRepository
	Metrics   *metrics.Metrics
	JWTSecret []byte
}

// MountRoutes registers the /api/v1 endpoints, wrapped in bearer-token
// auth when a secret has been configured, plus /healthz and (when
// Metrics is set) /metrics at the root, which never require a token.
func (a *RestApi) MountRoutes(r *mux.Router) {
	sub := r.PathPrefix("/api/v1").Subrouter()
	sub.StrictSlash(true)
	if len(a.JWTSecret) > 0 {
		sub.Use(a.authMiddleware)
	}

	sub.HandleFunc("/nodes/{id}/assignment", a.getAssignment).Methods(http.MethodGet)
	sub.HandleFunc("/channels/load", a.getChannelLoad).Methods(http.MethodGet)
	sub.HandleFunc("/nodes/{id}/history", a.getHistory).Methods(http.MethodGet)

	r.HandleFunc("/healthz", a.getHealthz).Methods(http.MethodGet)
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
	}
}

// ErrorResponse is the JSON body returned on every non-2xx response.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handleError(err error, statusCode int, rw http.ResponseWriter) {
	log.Warnf("api: %s", err.Error())
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(ErrorResponse{
		Status: http.StatusText(statusCode),
		Error:  err.Error(),
	})
}

// AssignmentResponse model
type AssignmentResponse struct {
	NodeID    string `json:"nodeId"`
	Channel   int    `json:"channel"`
	Assigned  bool   `json:"assigned"`
}

// getAssignment godoc
// @Summary     Current channel assignment for a node
// @Tags        Control API
// @Produce     json
// @Param       id path string true "Node ID"
// @Success     200 {object} AssignmentResponse
// @Router      /nodes/{id}/assignment [get]
func (a *RestApi) getAssignment(rw http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	channel, ok := a.Optimizer.Assignment(nodeID)

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(AssignmentResponse{
		NodeID:   nodeID,
		Channel:  channel,
		Assigned: ok,
	})
}

// ChannelLoadResponse model
type ChannelLoadResponse struct {
	Load map[int]float64 `json:"load"`
}

// getChannelLoad godoc
// @Summary     Shared load attributed to each channel
// @Tags        Control API
// @Produce     json
// @Success     200 {object} ChannelLoadResponse
// @Router      /channels/load [get]
func (a *RestApi) getChannelLoad(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(ChannelLoadResponse{Load: a.Optimizer.ChannelLoadSnapshot()})
}

// getHistory godoc
// @Summary     Commands dispatched to a node
// @Tags        Control API
// @Produce     json
// @Param       id path string true "Node ID"
// @Param       limit query int false "Max rows (default 50)"
// @Success     200 {array} repository.CommandHistoryEntry
// @Router      /nodes/{id}/history [get]
func (a *RestApi) getHistory(rw http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	hist, err := a.Audit.CommandHistory(nodeID, limit)
	if err != nil {
		handleError(err, http.StatusInternalServerError, rw)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(hist)
}

func (a *RestApi) getHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

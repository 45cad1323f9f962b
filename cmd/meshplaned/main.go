// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/nodeweave/meshplane/internal/aggregator"
	"github.com/nodeweave/meshplane/internal/api"
	"github.com/nodeweave/meshplane/internal/bridge"
	"github.com/nodeweave/meshplane/internal/config"
	"github.com/nodeweave/meshplane/internal/controller"
	"github.com/nodeweave/meshplane/internal/metrics"
	"github.com/nodeweave/meshplane/internal/optimizer"
	"github.com/nodeweave/meshplane/internal/optimizer/costmodel"
	"github.com/nodeweave/meshplane/internal/repository"
	"github.com/nodeweave/meshplane/internal/runtimeEnv"
	"github.com/nodeweave/meshplane/internal/taskmanager"
	"github.com/nodeweave/meshplane/pkg/bus"
	"github.com/nodeweave/meshplane/pkg/log"
	"github.com/nodeweave/meshplane/pkg/schema"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var flagGops bool
	var flagConfigFile string
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default config with the options in `config.json`")
	flag.Parse()

	// See https://github.com/google/gops (runtime overhead is almost zero).
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	if err := config.Init(flagConfigFile); err != nil {
		log.Fatal(err)
	}

	if err := repository.Connect(config.Keys.Audit.DBDriver, config.Keys.Audit.DB); err != nil {
		log.Fatal(err)
	}
	audit := repository.NewAuditRepository()

	b, err := dialBus(config.Keys.Bus)
	if err != nil {
		log.Fatal(err)
	}

	m := metrics.New()

	model, err := costmodel.Compile(config.Keys.Optimizer.CostExpression)
	if err != nil {
		log.Fatalf("compiling cost expression: %s", err.Error())
	}

	agg := aggregator.New(aggregator.Config{
		WindowSeconds:        config.Keys.Processor.WindowSeconds,
		MaxSamplesPerChannel: config.Keys.Processor.MaxSamplesPerChannel,
		SynthesizeScans:      config.Keys.Processor.SynthesizeScans,
		Channels:             config.Keys.Processor.Channels,
	}, b, nil)

	opt := optimizer.New(optimizer.Config{
		MinConfirmations:          config.Keys.Optimizer.MinConfirmations,
		ImprovementThreshold:      config.Keys.Optimizer.ImprovementThreshold,
		LowConfidencePenaltyScale: config.Keys.Optimizer.LowConfidencePenaltyScale,
		BaseMoveCost:              config.Keys.Optimizer.BaseMoveCost,
		ClientPenaltyPerClient:    config.Keys.Optimizer.ClientPenaltyPerClient,
		MinTimeBetweenMovesMs:     config.Keys.Optimizer.MinTimeBetweenMovesMs,
		HistoryPenalty:            config.Keys.Optimizer.HistoryPenalty,
		RecentTargetsSize:         config.Keys.Optimizer.RecentTargetsSize,
	}, model, b, nil)

	ctl := controller.New(controller.Config{
		HoldMs:             config.Keys.Controller.HoldMs,
		ChangeCooldownMs:   config.Keys.Controller.ChangeCooldownMs,
		RateLimitPerSecond: config.Keys.Controller.RateLimitPerSecond,
	}, b, nil)

	agg.SetMetrics(m)
	opt.SetMetrics(m)
	ctl.SetMetrics(m)

	if err := b.Subscribe(bus.TopicTelemetry, agg.HandleTelemetry); err != nil {
		log.Fatal(err)
	}
	if err := b.Subscribe(bus.TopicForecasts, opt.HandleForecast); err != nil {
		log.Fatal(err)
	}
	if err := b.Subscribe(bus.TopicChConfigs, ctl.HandleChannelConfig); err != nil {
		log.Fatal(err)
	}
	if err := b.Subscribe(bus.TopicChConfigs, func(_ context.Context, _ string, data []byte) {
		var cfg schema.ChannelConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Warnf("audit: dropping unparsable channel config: %v", err)
			return
		}
		if err := audit.RecordChannelConfig(cfg); err != nil {
			log.Warnf("audit: record channel config: %v", err)
		}
	}); err != nil {
		log.Fatal(err)
	}
	if err := b.Subscribe(bus.TopicCommands, func(_ context.Context, _ string, data []byte) {
		var cmd schema.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warnf("audit: dropping unparsable command: %v", err)
			return
		}
		if err := audit.RecordCommand(cmd); err != nil {
			log.Warnf("audit: record command: %v", err)
		}
	}); err != nil {
		log.Fatal(err)
	}

	hub := bridge.NewHub()
	if err := hub.Subscribe(b); err != nil {
		log.Fatal(err)
	}

	tm, err := taskmanager.New()
	if err != nil {
		log.Fatal(err)
	}
	if err := tm.RegisterInterval("aggregator-tick", time.Duration(config.Keys.Processor.ScheduleMs)*time.Millisecond, func() {
		agg.Tick(context.Background())
	}); err != nil {
		log.Fatal(err)
	}
	retention, err := time.ParseDuration(config.Keys.Audit.Retention)
	if err != nil {
		log.Fatalf("parsing audit retention: %s", err.Error())
	}
	if err := tm.RegisterDaily("audit-retention", 4, 0, 0, func() {
		ccN, cmdN, err := audit.PruneOlderThan(retention)
		if err != nil {
			log.Errorf("audit retention sweep: %s", err.Error())
			return
		}
		log.Infof("audit retention: pruned %d channel_config and %d command rows", ccN, cmdN)
	}); err != nil {
		log.Fatal(err)
	}
	tm.Start()

	var secret []byte
	if v := os.Getenv(config.Keys.API.JWTSecretEnv); v != "" {
		secret = []byte(v)
	}
	restAPI := &api.RestApi{Optimizer: opt, Audit: audit, Metrics: m, JWTSecret: secret}

	r := mux.NewRouter()
	restAPI.MountRoutes(r)
	r.HandleFunc("/ws/dashboard", hub.ServeWS)
	r.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("http://" + config.Keys.API.Addr + "/swagger/doc.json"))).Methods(http.MethodGet)

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", "Origin"}),
		handlers.AllowedMethods([]string{"GET", "POST", "HEAD", "OPTIONS"}),
		handlers.AllowedOrigins([]string{"*"})))
	loggedHandler := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Infof("%s %s (%d, %.02fkb, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, float32(params.Size)/1024,
			time.Since(params.TimeStamp).Milliseconds())
	})

	var wg sync.WaitGroup
	server := http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      loggedHandler,
		Addr:         config.Keys.API.Addr,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		server.Shutdown(context.Background())
		tm.Shutdown()
		b.Close()
	}()

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}
	log.Printf("HTTP server listening at %s...", config.Keys.API.Addr)
	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Print("Graceful shutdown completed!")
}

func dialBus(cfg config.BusConfig) (bus.Bus, error) {
	switch strings.ToLower(cfg.Driver) {
	case "nats":
		return bus.Dial(cfg.Nats)
	case "memory", "":
		return bus.NewMemory(), nil
	default:
		log.Warnf("bus: unknown driver %q, falling back to memory", cfg.Driver)
		return bus.NewMemory(), nil
	}
}

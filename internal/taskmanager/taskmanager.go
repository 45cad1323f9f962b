// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskmanager schedules the pipeline's periodic background
// work — aggregator ticks and audit-store retention sweeps — on a
// gocron scheduler, the way the upstream task manager registers its
// cron and duration jobs.
package taskmanager

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/nodeweave/meshplane/pkg/log"
)

// TaskManager owns the scheduler every periodic job runs on.
type TaskManager struct {
	scheduler gocron.Scheduler
}

// New creates a TaskManager with a fresh gocron scheduler.
func New() (*TaskManager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &TaskManager{scheduler: s}, nil
}

// RegisterInterval runs fn every interval, starting after the first
// interval elapses.
func (tm *TaskManager) RegisterInterval(name string, interval time.Duration, fn func()) error {
	_, err := tm.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			fn()
			log.Debugf("taskmanager: %s took %s", name, time.Since(start))
		}),
	)
	if err != nil {
		return err
	}
	log.Infof("taskmanager: registered %s with %s interval", name, interval)
	return nil
}

// RegisterDaily runs fn once a day at the given hour/minute/second
// (server-local time), the cadence the retention sweep uses upstream.
func (tm *TaskManager) RegisterDaily(name string, hour, minute, second int, fn func()) error {
	_, err := tm.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), uint(second)))),
		gocron.NewTask(func() {
			start := time.Now()
			fn()
			log.Debugf("taskmanager: %s took %s", name, time.Since(start))
		}),
	)
	if err != nil {
		return err
	}
	log.Infof("taskmanager: registered %s at %02d:%02d:%02d daily", name, hour, minute, second)
	return nil
}

// Start begins running every registered job.
func (tm *TaskManager) Start() {
	tm.scheduler.Start()
}

// Shutdown stops the scheduler, waiting for in-flight jobs to finish.
func (tm *TaskManager) Shutdown() error {
	return tm.scheduler.Shutdown()
}

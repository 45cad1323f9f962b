// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"context"
	"time"

	"github.com/nodeweave/meshplane/pkg/log"
)

type ctxKey string

const ctxKeyBegin ctxKey = "begin"

// Hooks satisfies sqlhooks.Hooks, logging every audit-store query at
// debug level along with its elapsed time.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("repository: query %s %q", query, args)
	return context.WithValue(ctx, ctxKeyBegin, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(ctxKeyBegin).(time.Time); ok {
		log.Debugf("repository: query took %s", time.Since(begin))
	}
	return ctx, nil
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package costmodel compiles and evaluates the optimizer's candidate
// channel cost expression, grounded on the rule-expression pattern in
// internal/tagger/classifyJob.go: compile once with expr.Compile, run
// many times with expr.Run against a small numeric environment.
package costmodel

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Inputs is the environment a cost expression evaluates against, one
// candidate channel at a time.
type Inputs struct {
	Forecast                  float64 `expr:"forecast"`
	ChannelLoad               float64 `expr:"channelLoad"`
	Confidence                float64 `expr:"confidence"`
	LowConfidencePenaltyScale float64 `expr:"lowConfidencePenaltyScale"`
	HistoryPenalty            float64 `expr:"historyPenalty"`
	Recent                    bool    `expr:"recent"`
}

// Model wraps a compiled cost expression.
type Model struct {
	program *vm.Program
}

// Compile builds a Model from source. The default expression is:
//
//	forecast + 0.5*channelLoad + (1-confidence)*lowConfidencePenaltyScale + (recent ? historyPenalty : 0)
func Compile(source string) (*Model, error) {
	program, err := expr.Compile(source, expr.Env(Inputs{}), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("costmodel: compile: %w", err)
	}
	return &Model{program: program}, nil
}

// Cost evaluates the compiled expression against in.
func (m *Model) Cost(in Inputs) (float64, error) {
	out, err := expr.Run(m.program, in)
	if err != nil {
		return 0, fmt.Errorf("costmodel: run: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("costmodel: expression returned non-numeric %T", out)
	}
	return v, nil
}

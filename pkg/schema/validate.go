// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema (an inline JSON-schema document) and checks
// instance against it. Used at startup for the program configuration;
// never on the decision-path bus traffic, which is validated field by
// field as part of the normal drop-malformed-input handling.
func Validate(schema string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("config.schema.json", schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	return nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema and checks instance against it. A malformed
// startup configuration is a fatal startup error per spec.md §7, but that
// policy belongs to the caller (main refuses to start the router); Validate
// itself only reports what is wrong so it stays testable like the rest of
// this package.
func Validate(schema string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("schema.json", schema)
	if err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: decoding instance for validation: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: validating against schema: %w", err)
	}
	return nil
}

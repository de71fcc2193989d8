// Copyright 2024 The Meshgate OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

import (
	"fmt"

	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/internal/shadow"
)

const (
	TargetScript Target = iota
	TargetConfig
	TargetFirmware
)

// Target represents the kinds of updatable payloads.
type Target int

// Targets lists every target in the order updates are applied.
var Targets = []Target{TargetScript, TargetConfig, TargetFirmware}

func (t Target) String() string {
	switch t {
	case TargetScript:
		return api.TargetScript
	case TargetConfig:
		return api.TargetConfig
	case TargetFirmware:
		return api.TargetFirmware
	}
	panic(fmt.Errorf("Unknown Target %d", int(t)))
}

// ParseTarget returns the target named s.
func ParseTarget(s string) (Target, error) {
	for _, t := range Targets {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown update target %q", s)
}

// flagged reports whether f requests an update of t.
func (t Target) flagged(f shadow.UpdateFlags) bool {
	switch t {
	case TargetScript:
		return f.Script
	case TargetConfig:
		return f.Config
	case TargetFirmware:
		return f.Firmware
	}
	return false
}

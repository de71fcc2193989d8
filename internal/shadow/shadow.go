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

// Package shadow computes the state reported to the gateway, fetches the
// desired state and decides which update targets need replacing.
package shadow

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/meshgate/ota/api"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReportedState describes what is currently installed.
type ReportedState struct {
	// ScriptUserVer, ConfigUserVer and FirmwareSystemVer are hex MD5
	// digests, or api.NoneDigest when nothing is installed.
	ScriptUserVer     string
	ConfigUserVer     string
	FirmwareSystemVer string
	FirmwareVer       *semver.Version
}

// Document returns the reported shadow document.
func (r ReportedState) Document() ([]byte, error) {
	ver := ""
	if r.FirmwareVer != nil {
		ver = r.FirmwareVer.String()
	}
	s, err := structpb.NewStruct(map[string]any{
		api.FieldState: map[string]any{
			api.FieldReported: map[string]any{
				api.FieldScriptUserVer:     r.ScriptUserVer,
				api.FieldConfigUserVer:     r.ConfigUserVer,
				api.FieldFirmwareSystemVer: r.FirmwareSystemVer,
				api.FieldFirmwareVer:       ver,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// DesiredState is the state requested by the gateway. Empty fields are
// absent from the document.
type DesiredState struct {
	ScriptUser        string
	ScriptUserVer     string
	ConfigUser        string
	ConfigUserVer     string
	FirmwareSystem    string
	FirmwareSystemVer string
}

func (d DesiredState) fields() map[string]string {
	return map[string]string{
		api.TargetScript:           d.ScriptUser,
		api.FieldScriptUserVer:     d.ScriptUserVer,
		api.TargetConfig:           d.ConfigUser,
		api.FieldConfigUserVer:     d.ConfigUserVer,
		api.TargetFirmware:         d.FirmwareSystem,
		api.FieldFirmwareSystemVer: d.FirmwareSystemVer,
	}
}

// Document returns the flat desired object, as posted to update resources
// to select the payload to download. Absent fields are omitted.
func (d DesiredState) Document() ([]byte, error) {
	m := make(map[string]any)
	for k, v := range d.fields() {
		if v != "" {
			m[k] = v
		}
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// ParseDesired extracts the desired state from a shadow document.
//
// Parsing is permissive: trailing NUL padding is ignored, an empty document
// and a document without state.desired yield an empty state, and fields
// which are not strings are treated as absent.
func ParseDesired(b []byte) (DesiredState, error) {
	b = bytes.TrimRight(b, "\x00")
	if len(bytes.TrimSpace(b)) == 0 {
		return DesiredState{}, nil
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return DesiredState{}, fmt.Errorf("malformed desired state document: %v", err)
	}
	f := s.GetFields()[api.FieldState].GetStructValue().GetFields()[api.FieldDesired].GetStructValue().GetFields()
	str := func(k string) string {
		return f[k].GetStringValue()
	}
	return DesiredState{
		ScriptUser:        str(api.TargetScript),
		ScriptUserVer:     str(api.FieldScriptUserVer),
		ConfigUser:        str(api.TargetConfig),
		ConfigUserVer:     str(api.FieldConfigUserVer),
		FirmwareSystem:    str(api.TargetFirmware),
		FirmwareSystemVer: str(api.FieldFirmwareSystemVer),
	}, nil
}

// UpdateFlags records which targets need replacing.
type UpdateFlags struct {
	Script   bool
	Config   bool
	Firmware bool
}

// Any reports whether any target needs replacing.
func (f UpdateFlags) Any() bool {
	return f.Script || f.Config || f.Firmware
}

func (f UpdateFlags) String() string {
	var s []string
	if f.Script {
		s = append(s, api.TargetScript)
	}
	if f.Config {
		s = append(s, api.TargetConfig)
	}
	if f.Firmware {
		s = append(s, api.TargetFirmware)
	}
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ",")
}

// Diff flags every target whose desired digest is present and differs from
// the reported one.
func Diff(r ReportedState, d DesiredState) UpdateFlags {
	differs := func(desired, reported string) bool {
		return desired != "" && desired != reported
	}
	return UpdateFlags{
		Script:   differs(d.ScriptUserVer, r.ScriptUserVer),
		Config:   differs(d.ConfigUserVer, r.ConfigUserVer),
		Firmware: differs(d.FirmwareSystemVer, r.FirmwareSystemVer),
	}
}

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

// Package api describes the resources exposed by the gateway and the
// documents exchanged with it.
package api

import (
	"fmt"
	"strings"
)

const (
	// Port is the DTLS protected CoAP port of the gateway.
	Port = 5684
	// PlainPort is the unprotected CoAP port, used only for local testing.
	PlainPort = 5683
	// MaxMessageSize is the largest datagram exchanged with the gateway.
	MaxMessageSize = 1152
	// BlockSize is the block size used for transfers to and from the gateway.
	BlockSize = 1024
	// MulticastAnnouncement is the payload a gateway multicasts to announce
	// its address.
	MulticastAnnouncement = "degu::mcast"
	// MulticastGroup is the site-local group announcements are sent to.
	MulticastGroup = "ff03::1"
)

// Gateway resources. Every request path is suffixed with the device ID, see
// Path.
const (
	// Shadow document of the device.
	ResourceThing = "thing"
	// Desired state trigger and document.
	ResourceUpdateStatus = "update/status"
	// Update payload resources, one per target.
	ResourceUpdatePrefix = "update/"

	// Identity held by the gateway for this device.
	ResourceIdentityKey  = "x509/key"
	ResourceIdentityCert = "x509/cert"

	// Identity presented to the gateway by this device.
	ResourceConnKey  = "con/key"
	ResourceConnCert = "con/cert"
	// Upstream session of the gateway.
	ResourceConnection = "con/connection"
)

// Target names, as used in update resource paths and shadow fields.
const (
	TargetScript   = "script_user"
	TargetConfig   = "config_user"
	TargetFirmware = "firmware_system"
)

// Shadow document fields.
const (
	FieldState    = "state"
	FieldReported = "reported"
	FieldDesired  = "desired"

	FieldScriptUserVer     = "script_user_ver"
	FieldConfigUserVer     = "config_user_ver"
	FieldFirmwareSystemVer = "firmware_system_ver"
	FieldFirmwareVer       = "firmware_ver"
)

// NoneDigest is reported in place of a digest for a missing file or image.
const NoneDigest = "none"

// Path returns resource suffixed with the device ID.
func Path(resource, deviceID string) string {
	return strings.TrimSuffix(resource, "/") + "/" + deviceID
}

// UpdateResource returns the update resource of target.
func UpdateResource(target string) string {
	return ResourceUpdatePrefix + target
}

// CheckDeviceID returns an error unless id is a 16 digit hexadecimal EUI-64.
func CheckDeviceID(id string) error {
	if len(id) != 16 {
		return fmt.Errorf("device ID %q is not 16 characters", id)
	}
	for _, c := range id {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("device ID %q is not hexadecimal", id)
		}
	}
	return nil
}

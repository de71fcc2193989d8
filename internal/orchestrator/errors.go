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

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/meshgate/ota/coap"
)

var (
	// ErrIdentityRejected is returned when the gateway refused the device
	// identity. The identity has been reprovisioned, and the operation must
	// be reissued from the start.
	ErrIdentityRejected = errors.New("identity rejected by gateway")
	// ErrBadUpdatePath is returned when an update resource does not exist.
	ErrBadUpdatePath = errors.New("update resource not found")
	// ErrGatewayBusy is returned when the gateway reported work in progress
	// for longer than the configured number of polls.
	ErrGatewayBusy = errors.New("gateway busy")
	// ErrResponseTooLarge is returned when an accumulated response exceeds
	// MaxAccumulated.
	ErrResponseTooLarge = errors.New("response too large")
)

// StatusError is returned when the gateway answered with a status that
// terminates the operation.
type StatusError struct {
	Code coap.Code
	Path string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: gateway returned %v", e.Path, e.Code)
}

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
	"errors"
	"fmt"
	"strings"

	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/commit"
	"github.com/meshgate/ota/internal/orchestrator"
	"github.com/meshgate/ota/internal/shadow"
)

const (
	StatusNoUpdate Status = iota
	StatusApplied
	StatusNotApplied
	StatusCheckFailed
)

// Status is the overall result of one controller run.
type Status int

func (s Status) String() string {
	switch s {
	case StatusNoUpdate:
		return "no update"
	case StatusApplied:
		return "applied"
	case StatusNotApplied:
		return "not applied"
	case StatusCheckFailed:
		return "check failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

const (
	ReasonNone Reason = iota
	ReasonTransport
	ReasonNoResponse
	ReasonProtocol
	ReasonIdentityRejected
	ReasonBadUpdatePath
	ReasonGatewayBusy
	ReasonGatewayStatus
	ReasonStorage
	ReasonUnverified
	ReasonLocalState
	ReasonNoSink
	ReasonUnknown
)

// Reason classifies the first failure of a run.
type Reason int

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTransport:
		return "transport"
	case ReasonNoResponse:
		return "no response"
	case ReasonProtocol:
		return "protocol"
	case ReasonIdentityRejected:
		return "identity rejected"
	case ReasonBadUpdatePath:
		return "bad update path"
	case ReasonGatewayBusy:
		return "gateway busy"
	case ReasonGatewayStatus:
		return "gateway status"
	case ReasonStorage:
		return "storage"
	case ReasonUnverified:
		return "unverified"
	case ReasonLocalState:
		return "local state"
	case ReasonNoSink:
		return "no sink"
	}
	return "unknown"
}

// errNoSink is returned for targets without a configured destination.
var errNoSink = errors.New("no destination configured")

// errLocalState wraps failures to compute the reported state.
var errLocalState = errors.New("local state unavailable")

func reasonFor(err error) Reason {
	var se *orchestrator.StatusError
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, orchestrator.ErrIdentityRejected):
		return ReasonIdentityRejected
	case errors.Is(err, orchestrator.ErrBadUpdatePath):
		return ReasonBadUpdatePath
	case errors.Is(err, orchestrator.ErrGatewayBusy):
		return ReasonGatewayBusy
	case errors.Is(err, commit.ErrStorage):
		return ReasonStorage
	case errors.Is(err, shadow.ErrUnverified):
		return ReasonUnverified
	case errors.Is(err, errLocalState):
		return ReasonLocalState
	case errors.Is(err, errNoSink):
		return ReasonNoSink
	case errors.As(err, &se):
		return ReasonGatewayStatus
	case errors.Is(err, coap.ErrNoResponse):
		return ReasonNoResponse
	case errors.Is(err, coap.ErrTransport):
		return ReasonTransport
	case errors.Is(err, coap.ErrProtocol):
		return ReasonProtocol
	}
	return ReasonUnknown
}

// Outcome is the result of one controller run.
type Outcome struct {
	Status Status
	// Reason is the cause of the first failure, ReasonNone if there was
	// none.
	Reason Reason
	// Applied lists the targets committed by this run.
	Applied []Target
	// Failed lists the flagged targets that could not be applied.
	Failed []Target
}

func (o Outcome) String() string {
	join := func(ts []Target) string {
		s := make([]string, 0, len(ts))
		for _, t := range ts {
			s = append(s, t.String())
		}
		return "[" + strings.Join(s, ",") + "]"
	}
	return fmt.Sprintf("%v (reason: %v, applied: %s, failed: %s)", o.Status, o.Reason, join(o.Applied), join(o.Failed))
}

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

import "github.com/meshgate/ota/coap"

// action is the step taken by the orchestrator in reply to a response code.
type action int

const (
	// actDeliver hands the payload to the sink and, unless the transfer is
	// final, requests the next block.
	actDeliver action = iota
	// actNextBlock sends the next upload block.
	actNextBlock
	// actPoll resends the current block after the poll interval.
	actPoll
	// actRejected reprovisions, reconnects and aborts.
	actRejected
	// actReprovision reprovisions, reconnects and resends the current block.
	actReprovision
	// actReconnect reconnects and resends the current block.
	actReconnect
	// actRefreshIdentity fetches the identity and resends the current block.
	actRefreshIdentity
	// actNoAsset ends an identity fetch which found nothing on the gateway.
	actNoAsset
	// actBadPath fails an update download of a missing resource.
	actBadPath
	// actDone ends the operation successfully.
	actDone
	// actFail ends the operation with a StatusError.
	actFail
)

func (a action) String() string {
	switch a {
	case actDeliver:
		return "deliver"
	case actNextBlock:
		return "next-block"
	case actPoll:
		return "poll"
	case actRejected:
		return "rejected"
	case actReprovision:
		return "reprovision"
	case actReconnect:
		return "reconnect"
	case actRefreshIdentity:
		return "refresh-identity"
	case actNoAsset:
		return "no-asset"
	case actBadPath:
		return "bad-path"
	case actDone:
		return "done"
	case actFail:
		return "fail"
	}
	return "unknown"
}

// classify maps a response code to the action for a request of kind k,
// before recovery budgets are taken into account.
func classify(k Kind, code coap.Code) action {
	switch code {
	case coap.Content:
		return actDeliver
	case coap.Continue:
		return actNextBlock
	case coap.Valid:
		return actPoll
	case coap.Unauthorized, coap.Forbidden:
		return actRejected
	case coap.BadRequest, coap.InternalServerError:
		return actReprovision
	case coap.GatewayTimeout:
		return actReconnect
	case coap.NotFound:
		switch k {
		case KindIdentityFetch:
			return actNoAsset
		case KindUpdateDownload:
			return actBadPath
		}
		return actRefreshIdentity
	}
	if code.IsSuccess() {
		return actDone
	}
	return actFail
}

// recovery reports whether a is a recovery action, which runs at most once
// per operation and never for identity or connection requests.
func (a action) recovery() bool {
	switch a {
	case actRejected, actReprovision, actReconnect, actRefreshIdentity:
		return true
	}
	return false
}

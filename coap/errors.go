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

package coap

import "errors"

var (
	// ErrTransport is returned when a frame could not be handed to the
	// transport.
	ErrTransport = errors.New("transport error")
	// ErrNoResponse is returned when the retransmission ceiling was reached
	// without a response.
	ErrNoResponse = errors.New("no response")
	// ErrProtocol is returned for frames which cannot be parsed or which
	// violate the block-wise transfer state.
	ErrProtocol = errors.New("protocol error")
	// ErrTimeout must be returned by Transport.Recv when no datagram
	// arrived within the timeout.
	ErrTimeout = errors.New("receive timeout")
)

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

// Package commit durably writes downloaded payloads to their destination,
// either a file or a firmware image slot.
package commit

import "errors"

// ErrStorage is returned when the destination could not be prepared or
// written.
var ErrStorage = errors.New("storage failure")

// Sink receives the blocks of one download in order.
//
// Begin prepares the destination and must be called before the first
// Write. Commit makes the written data live. Abort releases the
// destination after a failed download; data already written stays in
// place but is never marked live.
type Sink interface {
	Begin() error
	Write(p []byte) error
	Commit() error
	Abort()
}

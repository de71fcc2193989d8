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

package shadow

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

// ErrUnverified is returned for desired state documents whose signature
// does not verify.
var ErrUnverified = errors.New("desired state signature invalid")

// NewVerifier returns a verifier for desired state documents signed with
// the note key vkey.
func NewVerifier(vkey string) (note.Verifier, error) {
	v, err := note.NewVerifier(vkey)
	if err != nil {
		return nil, fmt.Errorf("invalid desired state verifier key: %v", err)
	}
	return v, nil
}

// openSigned verifies a signed desired state note and returns its text.
func openSigned(b []byte, v note.Verifier) ([]byte, error) {
	b = bytes.TrimRight(b, "\x00")
	n, err := note.Open(b, note.VerifierList(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	return []byte(n.Text), nil
}


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

// Package identity holds the client identity used to authenticate the device
// to the gateway.
package identity

import "errors"

// ErrNoIdentity is returned when the store holds no identity.
var ErrNoIdentity = errors.New("no identity stored")

// Identity is a private key and certificate pair, both PEM encoded.
type Identity struct {
	Key  []byte
	Cert []byte
}

// Zero overwrites the key and certificate material.
func (id *Identity) Zero() {
	clear(id.Key)
	clear(id.Cert)
	id.Key, id.Cert = id.Key[:0], id.Cert[:0]
}

// Empty reports whether either half of the pair is missing.
func (id *Identity) Empty() bool {
	return len(id.Key) == 0 || len(id.Cert) == 0
}

// Store is a secure element or equivalent holding at most one identity.
type Store interface {
	// HasIdentity reports whether an identity is currently held.
	HasIdentity() bool
	// GetIdentity returns a copy of the held identity, or ErrNoIdentity.
	// Callers should Zero the returned identity once done.
	GetIdentity() (Identity, error)
	// SetIdentity stores a new identity. The store must have been erased.
	SetIdentity(key, cert []byte) error
	// EraseIdentity destroys the held identity, if any.
	EraseIdentity() error
}

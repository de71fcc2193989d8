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

// Package testonly provides an in-memory identity store for tests.
package testonly

import (
	"errors"

	"github.com/meshgate/ota/internal/identity"
)

// MemStore is an in-memory identity.Store.
type MemStore struct {
	ID identity.Identity

	// FailSet, if set, is returned by SetIdentity.
	FailSet error

	Sets, Erases int
}

// NewMemStore returns a store holding key and cert, or nothing if both are
// empty.
func NewMemStore(key, cert string) *MemStore {
	m := &MemStore{}
	if key != "" || cert != "" {
		m.ID = identity.Identity{Key: []byte(key), Cert: []byte(cert)}
	}
	return m
}

func (m *MemStore) HasIdentity() bool {
	return !m.ID.Empty()
}

func (m *MemStore) GetIdentity() (identity.Identity, error) {
	if m.ID.Empty() {
		return identity.Identity{}, identity.ErrNoIdentity
	}
	return identity.Identity{
		Key:  append([]byte(nil), m.ID.Key...),
		Cert: append([]byte(nil), m.ID.Cert...),
	}, nil
}

func (m *MemStore) SetIdentity(key, cert []byte) error {
	if m.FailSet != nil {
		return m.FailSet
	}
	if !m.ID.Empty() {
		return errors.New("identity present, erase first")
	}
	m.ID = identity.Identity{Key: append([]byte(nil), key...), Cert: append([]byte(nil), cert...)}
	m.Sets++
	return nil
}

func (m *MemStore) EraseIdentity() error {
	m.ID = identity.Identity{}
	m.Erases++
	return nil
}

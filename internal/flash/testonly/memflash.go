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

// Package testonly provides support for flash tests.
package testonly

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// ErrProtected is returned for modifications attempted while write
// protection is enabled.
var ErrProtected = errors.New("write protected")

// MemFlash is a simple in-memory flash device.
type MemFlash struct {
	Storage   []byte
	Protected bool

	// FailWrite, if set, is consulted before every write and its error
	// returned without modifying Storage.
	FailWrite func(off uint32, b []byte) error
	// FailErase, if set, is returned by every erase.
	FailErase error

	// Erases and Writes count successful operations.
	Erases, Writes int
	// Unprotects counts the number of times write protection was lifted.
	Unprotects int
}

// NewMemFlash creates an erased in-memory flash device of size bytes.
func NewMemFlash(t *testing.T, size int) *MemFlash {
	t.Helper()
	return &MemFlash{
		Storage:   bytes.Repeat([]byte{0xff}, size),
		Protected: true,
	}
}

func (m *MemFlash) check(off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(len(m.Storage)) {
		return fmt.Errorf("region [%#x, +%#x) outside device of %#x bytes", off, n, len(m.Storage))
	}
	return nil
}

// EraseRegion sets size bytes at off to 0xff.
func (m *MemFlash) EraseRegion(off, size uint32) error {
	if m.Protected {
		return ErrProtected
	}
	if m.FailErase != nil {
		return m.FailErase
	}
	if err := m.check(off, int(size)); err != nil {
		return err
	}
	for i := range m.Storage[off : off+size] {
		m.Storage[int(off)+i] = 0xff
	}
	m.Erases++
	return nil
}

// WriteRegion copies b to off.
func (m *MemFlash) WriteRegion(off uint32, b []byte) error {
	if m.Protected {
		return ErrProtected
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(off, b); err != nil {
			return err
		}
	}
	if err := m.check(off, len(b)); err != nil {
		return err
	}
	copy(m.Storage[off:], b)
	m.Writes++
	return nil
}

// ReadRegion copies len(b) bytes at off into b.
func (m *MemFlash) ReadRegion(off uint32, b []byte) error {
	if err := m.check(off, len(b)); err != nil {
		return err
	}
	copy(b, m.Storage[off:])
	return nil
}

// SetWriteProtect enables or disables modification of the device.
func (m *MemFlash) SetWriteProtect(enable bool) error {
	if !enable && m.Protected {
		m.Unprotects++
	}
	m.Protected = enable
	return nil
}

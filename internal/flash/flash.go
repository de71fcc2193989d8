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

// Package flash provides access to firmware image slots stored on a NOR flash
// device.
package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// TrailerSize is the size of the boot trailer stored at the end of a slot.
const TrailerSize = 16

// bootMagic marks an image slot as ready to be swapped in by the bootloader.
var bootMagic = [4]uint32{
	0xf395c277,
	0x7fefd260,
	0x0f505235,
	0x8079b62c,
}

// BootMagic returns the encoded boot trailer.
func BootMagic() []byte {
	b := make([]byte, TrailerSize)
	for i, w := range bootMagic {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// Device is the minimal interface of a flash device holding image slots.
//
// Erase and write calls are only issued with write protection disabled.
type Device interface {
	EraseRegion(off, size uint32) error
	WriteRegion(off uint32, b []byte) error
	ReadRegion(off uint32, b []byte) error
	SetWriteProtect(enable bool) error
}

// Geometry describes the location of a single slot on the device.
type Geometry struct {
	// Offset is the device address of the first byte of the slot.
	Offset uint32
	// Size is the number of bytes covered by the slot, trailer included.
	Size uint32
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	if g.Size <= TrailerSize {
		return fmt.Errorf("invalid geometry: slot size %d does not exceed trailer size %d", g.Size, TrailerSize)
	}
	if uint64(g.Offset)+uint64(g.Size) > 1<<32 {
		return fmt.Errorf("invalid geometry: slot [%#x, +%#x) overflows address space", g.Offset, g.Size)
	}
	return nil
}

// Capacity returns the number of image bytes the slot can hold.
func (g Geometry) Capacity() uint32 {
	return g.Size - TrailerSize
}

// Slot is a single image slot with an append cursor.
type Slot struct {
	// mu guards access to this Slot.
	mu sync.Mutex

	dev Device
	geo Geometry

	// cursor is the slot-relative offset of the next Append.
	cursor uint32
}

// OpenSlot returns a slot for accessing the region described by geo.
func OpenSlot(dev Device, geo Geometry) (*Slot, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	return &Slot{dev: dev, geo: geo}, nil
}

// Geometry returns the layout of the slot.
func (s *Slot) Geometry() Geometry {
	return s.geo
}

// Cursor returns the number of bytes appended since the last Erase.
func (s *Slot) Cursor() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Erase destroys the data stored in the slot and rewinds the cursor.
// WARNING: Data Loss!
func (s *Slot) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	klog.Infof("Erasing slot @ %#x len %#x", s.geo.Offset, s.geo.Size)
	s.cursor = 0
	if err := s.unprotected(func() error {
		return s.dev.EraseRegion(s.geo.Offset, s.geo.Size)
	}); err != nil {
		return fmt.Errorf("slot [%#x, +%#x): %v", s.geo.Offset, s.geo.Size, err)
	}
	return nil
}

// Append writes b at the cursor. The cursor only advances if the write
// succeeds.
func (s *Slot) Append(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(s.cursor)+uint64(len(b)) > uint64(s.geo.Capacity()) {
		return fmt.Errorf("%d bytes at %#x exceed slot capacity %#x", len(b), s.cursor, s.geo.Capacity())
	}
	if err := s.unprotected(func() error {
		return s.dev.WriteRegion(s.geo.Offset+s.cursor, b)
	}); err != nil {
		return fmt.Errorf("write %d bytes at %#x: %v", len(b), s.geo.Offset+s.cursor, err)
	}
	s.cursor += uint32(len(b))
	klog.V(2).Infof("Slot @ %#x: wrote %d bytes, cursor %#x", s.geo.Offset, len(b), s.cursor)
	return nil
}

// WriteTrailer marks the slot contents as a complete image.
func (s *Slot) WriteTrailer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.geo.Offset + s.geo.Capacity()
	if err := s.unprotected(func() error {
		return s.dev.WriteRegion(off, BootMagic())
	}); err != nil {
		return fmt.Errorf("write boot trailer at %#x: %v", off, err)
	}
	return nil
}

// HasTrailer reports whether the slot carries the boot trailer.
func (s *Slot) HasTrailer() (bool, error) {
	b := make([]byte, TrailerSize)
	if err := s.ReadAt(b, s.geo.Capacity()); err != nil {
		return false, err
	}
	return bytes.Equal(b, BootMagic()), nil
}

// ReadAt reads len(b) bytes starting at the slot-relative offset off.
func (s *Slot) ReadAt(b []byte, off uint32) error {
	if uint64(off)+uint64(len(b)) > uint64(s.geo.Size) {
		return fmt.Errorf("read of %d bytes at %#x outside slot of %#x bytes", len(b), off, s.geo.Size)
	}
	return s.dev.ReadRegion(s.geo.Offset+off, b)
}

// unprotected runs f with device write protection lifted.
func (s *Slot) unprotected(f func() error) error {
	if err := s.dev.SetWriteProtect(false); err != nil {
		return fmt.Errorf("failed to disable write protection: %v", err)
	}
	err := f()
	if perr := s.dev.SetWriteProtect(true); perr != nil {
		err = errors.Join(err, fmt.Errorf("failed to enable write protection: %v", perr))
	}
	return err
}

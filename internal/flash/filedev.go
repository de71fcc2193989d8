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

package flash

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrWriteProtected is returned by FileDevice for modifications attempted
// while write protection is enabled.
var ErrWriteProtected = errors.New("device is write protected")

// erased is the value of an erased flash byte.
const erased = 0xff

// FileDevice emulates a flash device using a regular file, for hosts which
// keep firmware images on ordinary storage.
type FileDevice struct {
	mu        sync.Mutex
	f         *os.File
	size      uint32
	protected bool
}

// OpenFileDevice opens, creating if necessary, a file-backed device of size
// bytes. A new or short file is padded with erased bytes.
func OpenFileDevice(path string, size uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if cur := fi.Size(); cur < int64(size) {
		pad := bytes.Repeat([]byte{erased}, int(int64(size)-cur))
		if _, err := f.WriteAt(pad, cur); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to extend %q to %d bytes: %v", path, size, err)
		}
	}
	return &FileDevice{f: f, size: size, protected: true}, nil
}

func (d *FileDevice) check(off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(d.size) {
		return fmt.Errorf("region [%#x, +%#x) outside device of %#x bytes", off, n, d.size)
	}
	return nil
}

// EraseRegion sets size bytes at off to the erased value.
func (d *FileDevice) EraseRegion(off, size uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.protected {
		return ErrWriteProtected
	}
	if err := d.check(off, int(size)); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(bytes.Repeat([]byte{erased}, int(size)), int64(off)); err != nil {
		return err
	}
	return d.f.Sync()
}

// WriteRegion writes b at off.
func (d *FileDevice) WriteRegion(off uint32, b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.protected {
		return ErrWriteProtected
	}
	if err := d.check(off, len(b)); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(b, int64(off)); err != nil {
		return err
	}
	return d.f.Sync()
}

// ReadRegion reads len(b) bytes at off.
func (d *FileDevice) ReadRegion(off uint32, b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(off, len(b)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(b, int64(off))
	return err
}

// SetWriteProtect enables or disables modification of the device.
func (d *FileDevice) SetWriteProtect(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protected = enable
	return nil
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

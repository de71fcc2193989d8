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
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/coreos/go-semver/semver"
	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/internal/flash"
	"k8s.io/klog/v2"
)

const (
	// imageSizeOffset is the offset of the little-endian image size field
	// in the image header.
	imageSizeOffset = 12
	// imageOverhead is the number of header and trailer bytes covered by
	// the firmware digest in addition to the image itself.
	imageOverhead = 848

	erasedWord = 0xffffffff
	readChunk  = 1024
)

// Sources locates the installed artifacts.
type Sources struct {
	ScriptPath string
	ConfigPath string
	// Firmware is the slot holding the running image. Nil reports
	// api.NoneDigest.
	Firmware *flash.Slot
	// FirmwareVersion is the version of the running firmware.
	FirmwareVersion *semver.Version
}

// ComputeReported digests the installed artifacts.
func ComputeReported(src Sources) (ReportedState, error) {
	var (
		r   = ReportedState{FirmwareVer: src.FirmwareVersion}
		err error
	)
	if r.ScriptUserVer, err = FileDigest(src.ScriptPath); err != nil {
		return ReportedState{}, fmt.Errorf("script digest: %v", err)
	}
	if r.ConfigUserVer, err = FileDigest(src.ConfigPath); err != nil {
		return ReportedState{}, fmt.Errorf("config digest: %v", err)
	}
	if r.FirmwareSystemVer, err = FirmwareDigest(src.Firmware); err != nil {
		return ReportedState{}, fmt.Errorf("firmware digest: %v", err)
	}
	klog.V(1).Infof("Reported state: script %s, config %s, firmware %s (%v)", r.ScriptUserVer, r.ConfigUserVer, r.FirmwareSystemVer, r.FirmwareVer)
	return r, nil
}

// FileDigest returns the hex MD5 digest of the file at path, or
// api.NoneDigest if it does not exist.
func FileDigest(path string) (string, error) {
	if path == "" {
		return api.NoneDigest, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return api.NoneDigest, nil
	} else if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FirmwareDigest returns the hex MD5 digest of the image in slot, covering
// the size announced by its header plus the fixed image overhead, or
// api.NoneDigest if the slot is erased.
func FirmwareDigest(slot *flash.Slot) (string, error) {
	if slot == nil {
		return api.NoneDigest, nil
	}
	var hdr [4]byte
	if err := slot.ReadAt(hdr[:], imageSizeOffset); err != nil {
		return "", err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size == erasedWord {
		return api.NoneDigest, nil
	}
	total := uint64(size) + imageOverhead
	if c := uint64(slot.Geometry().Capacity()); total > c {
		return "", fmt.Errorf("image of %d bytes exceeds slot capacity %d", total, c)
	}

	h := md5.New()
	buf := make([]byte, readChunk)
	for off := uint64(0); off < total; {
		n := min(uint64(len(buf)), total-off)
		if err := slot.ReadAt(buf[:n], uint32(off)); err != nil {
			return "", err
		}
		h.Write(buf[:n])
		off += n
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

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

package commit

import (
	"fmt"

	"github.com/meshgate/ota/internal/flash"
	"k8s.io/klog/v2"
)

// ImageSink writes a firmware image into a flash slot. The boot trailer
// is written only by Commit, so an interrupted download never leaves a
// bootable slot behind.
type ImageSink struct {
	slot    *flash.Slot
	started bool
	// hintErr is set when the announced image size cannot fit the slot.
	hintErr error
}

// NewImageSink returns a sink writing into slot.
func NewImageSink(slot *flash.Slot) *ImageSink {
	return &ImageSink{slot: slot}
}

// Begin erases the whole slot, including any previous boot trailer.
func (s *ImageSink) Begin() error {
	s.started, s.hintErr = false, nil
	if err := s.slot.Erase(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.started = true
	return nil
}

// SizeHint checks the announced image size against the slot capacity.
func (s *ImageSink) SizeHint(total int) {
	if c := s.slot.Geometry().Capacity(); uint64(total) > uint64(c) {
		s.hintErr = fmt.Errorf("%w: image of %d bytes exceeds slot capacity %d", ErrStorage, total, c)
		klog.Warning(s.hintErr)
	}
}

func (s *ImageSink) Write(p []byte) error {
	if !s.started {
		return fmt.Errorf("%w: slot not erased", ErrStorage)
	}
	if s.hintErr != nil {
		return s.hintErr
	}
	if err := s.slot.Append(p); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Commit marks the slot bootable.
func (s *ImageSink) Commit() error {
	if !s.started {
		return fmt.Errorf("%w: slot not erased", ErrStorage)
	}
	s.started = false
	if err := s.slot.WriteTrailer(); err != nil {
		return fmt.Errorf("%w: boot trailer: %v", ErrStorage, err)
	}
	klog.Infof("Committed %d byte image to slot %#x", s.slot.Cursor(), s.slot.Geometry().Offset)
	return nil
}

// Abort leaves the slot without a boot trailer.
func (s *ImageSink) Abort() {
	if s.started {
		klog.Warningf("Aborted image write to slot %#x after %d bytes", s.slot.Geometry().Offset, s.slot.Cursor())
	}
	s.started = false
}

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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"k8s.io/klog/v2"
)

// File is the subset of *os.File used by FileSink.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// FS is the file system boundary used by FileSink.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Create(name string) (File, error)
	Remove(name string) error
}

// OSFS implements FS on the host file system.
type OSFS struct{}

func (OSFS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (OSFS) Create(name string) (File, error)      { return os.Create(name) }
func (OSFS) Remove(name string) error              { return os.Remove(name) }

// FileSink writes a download to a file, replacing any previous content.
// Every block is synced to stable storage before Write returns.
type FileSink struct {
	fs   FS
	path string
	f    File
	n    int
}

// NewFileSink returns a sink writing to path on fsys.
func NewFileSink(fsys FS, path string) *FileSink {
	return &FileSink{fs: fsys, path: path}
}

// Path returns the destination file name.
func (s *FileSink) Path() string {
	return s.path
}

// Begin removes any existing file at the destination and creates an empty
// one.
func (s *FileSink) Begin() error {
	if s.f != nil {
		return fmt.Errorf("%w: %s already open", ErrStorage, s.path)
	}
	if _, err := s.fs.Stat(s.path); err == nil {
		if err := s.fs.Remove(s.path); err != nil {
			return fmt.Errorf("%w: remove %s: %v", ErrStorage, s.path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %v", ErrStorage, s.path, err)
	}
	f, err := s.fs.Create(s.path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, s.path, err)
	}
	s.f, s.n = f, 0
	return nil
}

func (s *FileSink) Write(p []byte) error {
	if s.f == nil {
		return fmt.Errorf("%w: %s not open", ErrStorage, s.path)
	}
	n, err := s.f.Write(p)
	s.n += n
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("%w: write %s at %d: %v", ErrStorage, s.path, s.n-n, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrStorage, s.path, err)
	}
	klog.V(2).Infof("%s: %d bytes written", s.path, s.n)
	return nil
}

// Commit closes the destination file.
func (s *FileSink) Commit() error {
	if s.f == nil {
		return fmt.Errorf("%w: %s not open", ErrStorage, s.path)
	}
	f := s.f
	s.f = nil
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrStorage, s.path, err)
	}
	klog.Infof("Wrote %d bytes to %s", s.n, s.path)
	return nil
}

// Abort closes the destination file, leaving the partial content in place.
func (s *FileSink) Abort() {
	if s.f == nil {
		return
	}
	if err := s.f.Close(); err != nil {
		klog.Warningf("close %s: %v", s.path, err)
	}
	s.f = nil
	klog.Warningf("Aborted write to %s after %d bytes", s.path, s.n)
}

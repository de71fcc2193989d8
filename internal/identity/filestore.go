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

package identity

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"k8s.io/klog/v2"
)

const (
	sealedName = "identity.sealed"
	// sealInfo diversifies the sealing key. It MUST NOT change, or stored
	// identities become unreadable.
	sealInfo = "meshgate-ota identity seal v1"
)

// FileStore keeps the identity in a single file sealed with a key derived
// from a device secret.
type FileStore struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// NewFileStore returns a store keeping its sealed identity in dir.
//
// The sealing key is derived from secret and deviceID, so the same pair
// MUST be supplied on every start.
func NewFileStore(dir string, secret []byte, deviceID string) (*FileStore, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("device secret too short (%d bytes)", len(secret))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %v", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(deriveHKDF(secret, deviceID), key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %v", err)
	}
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: filepath.Join(dir, sealedName), aead: aead}, nil
}

// deriveHKDF returns a reader of key material bound to this device.
func deriveHKDF(secret []byte, deviceID string) io.Reader {
	return hkdf.New(sha256.New, secret, []byte(deviceID), []byte(sealInfo))
}

// HasIdentity reports whether a readable identity is stored.
func (s *FileStore) HasIdentity() bool {
	id, err := s.GetIdentity()
	if err != nil {
		if !errors.Is(err, ErrNoIdentity) {
			klog.Warningf("Stored identity unreadable: %v", err)
		}
		return false
	}
	id.Zero()
	return true
}

// GetIdentity unseals the stored identity.
func (s *FileStore) GetIdentity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Identity{}, ErrNoIdentity
	} else if err != nil {
		return Identity{}, err
	}
	ns := s.aead.NonceSize()
	if len(b) < ns+s.aead.Overhead() {
		return Identity{}, fmt.Errorf("sealed identity truncated (%d bytes)", len(b))
	}
	plain, err := s.aead.Open(nil, b[:ns], b[ns:], []byte(sealedName))
	if err != nil {
		return Identity{}, fmt.Errorf("failed to unseal identity: %v", err)
	}
	defer clear(plain)

	if len(plain) < 4 {
		return Identity{}, errors.New("sealed identity malformed")
	}
	kl := binary.BigEndian.Uint32(plain)
	if uint64(kl) > uint64(len(plain)-4) {
		return Identity{}, errors.New("sealed identity malformed")
	}
	return Identity{
		Key:  append([]byte(nil), plain[4:4+kl]...),
		Cert: append([]byte(nil), plain[4+kl:]...),
	}, nil
}

// SetIdentity seals and stores key and cert, replacing the file atomically.
func (s *FileStore) SetIdentity(key, cert []byte) error {
	if len(key) == 0 || len(cert) == 0 {
		return errors.New("refusing to store empty identity")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	plain := make([]byte, 4, 4+len(key)+len(cert))
	binary.BigEndian.PutUint32(plain, uint32(len(key)))
	plain = append(append(plain, key...), cert...)
	defer clear(plain)

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %v", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, []byte(sealedName))

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write sealed identity: %v", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install sealed identity: %v", err)
	}
	klog.Infof("Stored new identity (%d byte key, %d byte certificate)", len(key), len(cert))
	return nil
}

// EraseIdentity removes the stored identity.
func (s *FileStore) EraseIdentity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

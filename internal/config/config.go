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

// Package config holds the configuration of the update daemon and CLI.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/flash"
	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML configuration file.
type Config struct {
	// DeviceID is the EUI-64 of the device, as 16 hex digits.
	DeviceID string `yaml:"device_id"`
	// FirmwareVersion is the semantic version of the running firmware.
	FirmwareVersion string `yaml:"firmware_version"`

	Gateway  Gateway  `yaml:"gateway"`
	Identity Identity `yaml:"identity"`
	Payloads Payloads `yaml:"payloads"`
	Flash    Flash    `yaml:"flash"`
	Protocol Protocol `yaml:"protocol"`

	// CheckInterval is the period between update runs of the daemon.
	CheckInterval time.Duration `yaml:"check_interval"`
	// MetricsAddr is the listen address of the metrics and trigger
	// endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// RebootCommand is run after a firmware image was committed.
	RebootCommand []string `yaml:"reboot_command"`
	// NTPServer is queried at startup to check the local clock. Empty
	// disables the check.
	NTPServer string `yaml:"ntp_server"`
	// StatusVerifier, if set, is the note verifier key which must have
	// signed the desired state document.
	StatusVerifier string `yaml:"status_verifier"`
}

// Gateway describes how to reach the gateway.
type Gateway struct {
	// Address is the gateway host name or IP address. Empty waits for a
	// multicast announcement on Interface.
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Interface string `yaml:"interface"`
	// Insecure selects plain CoAP instead of DTLS.
	Insecure bool `yaml:"insecure"`
	// PSK is the hex encoded DTLS pre-shared key. Empty selects certificate
	// authentication with the device identity.
	PSK         string `yaml:"psk"`
	PSKIdentity string `yaml:"psk_identity"`
	// CAFile holds PEM certificates trusted to authenticate the gateway.
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// Identity locates the sealed device identity.
type Identity struct {
	Dir string `yaml:"dir"`
	// SecretFile holds the device secret the identity is sealed with.
	SecretFile string `yaml:"secret_file"`
}

// Payloads locates the user payload files.
type Payloads struct {
	Script string `yaml:"script"`
	Config string `yaml:"config"`
}

// Flash describes the firmware image storage.
type Flash struct {
	// Device is the path of the flash image file. Empty disables firmware
	// updates.
	Device string `yaml:"device"`
	// Size is the size of the flash device in bytes.
	Size uint32 `yaml:"size"`
	// Running is the slot holding the running image, Update the slot new
	// images are written to.
	Running Slot `yaml:"running"`
	Update  Slot `yaml:"update"`
}

// Slot is the location of an image slot.
type Slot struct {
	Offset uint32 `yaml:"offset"`
	Size   uint32 `yaml:"size"`
}

// Geometry returns the flash geometry of s.
func (s Slot) Geometry() flash.Geometry {
	return flash.Geometry{Offset: s.Offset, Size: s.Size}
}

// Protocol holds the request tunables.
type Protocol struct {
	// BlockSZX is the block size exponent, block size being 16<<BlockSZX.
	BlockSZX    uint8         `yaml:"block_szx"`
	BaseTimeout time.Duration `yaml:"base_timeout"`
	// MaxRetries is the number of retransmissions of an unanswered
	// request. Zero disables retransmission.
	MaxRetries   int           `yaml:"max_retries"`
	MaxBusyPolls int           `yaml:"max_busy_polls"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	return Config{
		FirmwareVersion: "0.0.0",
		Gateway: Gateway{
			Port: api.Port,
		},
		Identity: Identity{
			Dir: "/var/lib/ota",
		},
		Payloads: Payloads{
			Script: "/var/lib/ota/main.py",
			Config: "/var/lib/ota/CONFIG",
		},
		Protocol: Protocol{
			BlockSZX:     coap.DefaultSZX,
			BaseTimeout:  coap.DefaultBaseTimeout,
			MaxRetries:   coap.DefaultMaxRetries,
			MaxBusyPolls: 60,
			PollInterval: time.Second,
		},
		CheckInterval: time.Hour,
		MetricsAddr:   "127.0.0.1:8081",
		RebootCommand: []string{"systemctl", "reboot"},
	}
}

// Load reads the configuration at path on top of Default and validates it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %v", err)
	}
	return Parse(b)
}

// Parse decodes a YAML configuration on top of Default and validates it.
func Parse(b []byte) (Config, error) {
	c, err := Decode(b)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Decode decodes a YAML configuration on top of Default without validating
// it. Unknown fields are rejected.
func Decode(b []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %v", err)
	}
	return c, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if err := api.CheckDeviceID(c.DeviceID); err != nil {
		return fmt.Errorf("device_id: %v", err)
	}
	if _, err := semver.NewVersion(c.FirmwareVersion); err != nil {
		return fmt.Errorf("firmware_version: %v", err)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port: %d out of range", c.Gateway.Port)
	}
	if c.Gateway.Address == "" && c.Gateway.Interface == "" {
		return errors.New("gateway: either address or interface must be set")
	}
	if _, err := c.PSK(); err != nil {
		return fmt.Errorf("gateway.psk: %v", err)
	}
	if c.Gateway.PSK != "" && c.Gateway.PSKIdentity == "" {
		return errors.New("gateway.psk_identity: required with psk")
	}
	if c.Identity.Dir == "" {
		return errors.New("identity.dir: required")
	}
	if c.Identity.SecretFile == "" {
		return errors.New("identity.secret_file: required")
	}
	if err := c.Flash.validate(); err != nil {
		return fmt.Errorf("flash: %v", err)
	}
	p := c.Protocol
	if p.BlockSZX > coap.MaxSZX {
		return fmt.Errorf("protocol.block_szx: %d exceeds %d", p.BlockSZX, coap.MaxSZX)
	}
	if p.BaseTimeout <= 0 {
		return fmt.Errorf("protocol.base_timeout: %v must be positive", p.BaseTimeout)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("protocol.max_retries: %d is negative", p.MaxRetries)
	}
	if p.MaxBusyPolls <= 0 {
		return fmt.Errorf("protocol.max_busy_polls: %d must be positive", p.MaxBusyPolls)
	}
	if p.PollInterval < 0 {
		return fmt.Errorf("protocol.poll_interval: %v is negative", p.PollInterval)
	}
	if c.CheckInterval < time.Second {
		return fmt.Errorf("check_interval: %v is shorter than 1s", c.CheckInterval)
	}
	return nil
}

func (f Flash) validate() error {
	if f.Device == "" {
		return nil
	}
	for _, s := range []struct {
		name string
		slot Slot
	}{{"running", f.Running}, {"update", f.Update}} {
		g := s.slot.Geometry()
		if err := g.Validate(); err != nil {
			return fmt.Errorf("%s: %v", s.name, err)
		}
		if uint64(g.Offset)+uint64(g.Size) > uint64(f.Size) {
			return fmt.Errorf("%s: slot [%#x, +%#x) exceeds device of %#x bytes", s.name, g.Offset, g.Size, f.Size)
		}
	}
	r, u := f.Running, f.Update
	if r.Offset < u.Offset+u.Size && u.Offset < r.Offset+r.Size {
		return errors.New("running and update slots overlap")
	}
	return nil
}

// PSK returns the decoded DTLS pre-shared key, nil if none is configured.
func (c Config) PSK() ([]byte, error) {
	if c.Gateway.PSK == "" {
		return nil, nil
	}
	return hex.DecodeString(c.Gateway.PSK)
}

// GatewayAddr returns the host:port of the configured gateway.
func (c Config) GatewayAddr() string {
	return net.JoinHostPort(c.Gateway.Address, strconv.Itoa(c.Gateway.Port))
}

// Secret reads the device secret.
func (c Config) Secret() ([]byte, error) {
	b, err := os.ReadFile(c.Identity.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("read device secret: %v", err)
	}
	return bytes.TrimSpace(b), nil
}

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

// Package node assembles the update engine of a node from its
// configuration.
package node

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/commit"
	"github.com/meshgate/ota/internal/config"
	"github.com/meshgate/ota/internal/flash"
	"github.com/meshgate/ota/internal/identity"
	"github.com/meshgate/ota/internal/orchestrator"
	"github.com/meshgate/ota/internal/shadow"
	"github.com/meshgate/ota/internal/transport"
	"github.com/meshgate/ota/internal/update"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// Node holds the wired components of the update engine.
type Node struct {
	Config       config.Config
	Store        identity.Store
	Transport    *transport.Conn
	Orchestrator *orchestrator.Orchestrator
	Controller   *update.Controller

	dev *flash.FileDevice
}

// Opts carries the collaborators not described by the configuration.
type Opts struct {
	// Reboot is called after a firmware image was committed.
	Reboot func()
	// Store overrides the sealed file store named by the configuration.
	Store identity.Store
	// ProgressInterval is passed to the update controller.
	ProgressInterval time.Duration
	// WrapSink, if set, wraps the destination of every target.
	WrapSink func(t update.Target, s commit.Sink) commit.Sink
}

// New connects to the gateway and returns the assembled node. When no
// gateway address is configured, New waits for a gateway announcement
// until ctx is done.
func New(ctx context.Context, cfg config.Config, opts Opts) (_ *Node, err error) {
	n := &Node{Config: cfg, Store: opts.Store}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if n.Store == nil {
		secret, err := cfg.Secret()
		if err != nil {
			return nil, err
		}
		if n.Store, err = identity.NewFileStore(cfg.Identity.Dir, secret, cfg.DeviceID); err != nil {
			return nil, fmt.Errorf("open identity store: %v", err)
		}
	}

	if n.Transport, err = dialGateway(ctx, cfg, n.Store); err != nil {
		return nil, err
	}

	retries := cfg.Protocol.MaxRetries
	if retries == 0 {
		retries = -1
	}
	d := coap.NewDriver(n.Transport, coap.DriverOpts{
		BaseTimeout: cfg.Protocol.BaseTimeout,
		MaxRetries:  retries,
		Retransmits: update.RetransmitCounter(),
	})
	n.Orchestrator = orchestrator.New(d, n.Store, orchestrator.Opts{
		DeviceID:     cfg.DeviceID,
		SZX:          cfg.Protocol.BlockSZX,
		PollInterval: cfg.Protocol.PollInterval,
		MaxBusyPolls: cfg.Protocol.MaxBusyPolls,
		Recoveries:   update.RecoveryCounter(),
	})

	uo := update.Opts{
		Sources: shadow.Sources{
			ScriptPath: cfg.Payloads.Script,
			ConfigPath: cfg.Payloads.Config,
		},
		Sinks: map[update.Target]commit.Sink{
			update.TargetScript: commit.NewFileSink(commit.OSFS{}, cfg.Payloads.Script),
			update.TargetConfig: commit.NewFileSink(commit.OSFS{}, cfg.Payloads.Config),
		},
		Reboot:           opts.Reboot,
		ProgressInterval: opts.ProgressInterval,
	}
	if uo.Sources.FirmwareVersion, err = semver.NewVersion(cfg.FirmwareVersion); err != nil {
		return nil, fmt.Errorf("firmware version: %v", err)
	}
	if cfg.Flash.Device != "" {
		if n.dev, err = flash.OpenFileDevice(cfg.Flash.Device, cfg.Flash.Size); err != nil {
			return nil, fmt.Errorf("open flash device: %v", err)
		}
		if uo.Sources.Firmware, err = flash.OpenSlot(n.dev, cfg.Flash.Running.Geometry()); err != nil {
			return nil, fmt.Errorf("running slot: %v", err)
		}
		slot, err := flash.OpenSlot(n.dev, cfg.Flash.Update.Geometry())
		if err != nil {
			return nil, fmt.Errorf("update slot: %v", err)
		}
		uo.Sinks[update.TargetFirmware] = commit.NewImageSink(slot)
	} else {
		klog.Info("No flash device configured, firmware updates disabled")
	}
	if cfg.StatusVerifier != "" {
		var v note.Verifier
		if v, err = shadow.NewVerifier(cfg.StatusVerifier); err != nil {
			return nil, err
		}
		uo.Verifier = v
	}
	if opts.WrapSink != nil {
		for t, s := range uo.Sinks {
			uo.Sinks[t] = opts.WrapSink(t, s)
		}
	}
	n.Controller = update.New(n.Orchestrator, uo)
	return n, nil
}

func dialGateway(ctx context.Context, cfg config.Config, store identity.Store) (*transport.Conn, error) {
	addr := cfg.GatewayAddr()
	if cfg.Gateway.Address == "" {
		var ifi *net.Interface
		if cfg.Gateway.Interface != "" {
			var err error
			if ifi, err = net.InterfaceByName(cfg.Gateway.Interface); err != nil {
				return nil, fmt.Errorf("discovery interface: %v", err)
			}
		}
		ip, err := transport.Discover(ctx, ifi)
		if err != nil {
			return nil, fmt.Errorf("gateway discovery: %v", err)
		}
		host := ip.String()
		if ip.IsLinkLocalUnicast() && ifi != nil {
			host += "%" + ifi.Name
		}
		addr = net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
	}

	r, err := transport.NewResolver()
	if err != nil {
		return nil, err
	}
	opts := transport.Opts{Resolver: r}
	if cfg.Gateway.Insecure {
		klog.Warningf("Connecting to gateway %s without DTLS", addr)
		return transport.DialUDP(addr, opts)
	}

	d := transport.DTLSOpts{
		PSKIdentity: cfg.Gateway.PSKIdentity,
		ServerName:  cfg.Gateway.ServerName,
	}
	if d.PSK, err = cfg.PSK(); err != nil {
		return nil, err
	}
	if cfg.Gateway.CAFile != "" {
		pem, err := os.ReadFile(cfg.Gateway.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read gateway CA: %v", err)
		}
		d.RootCAs = x509.NewCertPool()
		if !d.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.Gateway.CAFile)
		}
	}
	return transport.DialDTLS(addr, store, d, opts)
}

// Close releases the gateway connection and the flash device.
func (n *Node) Close() error {
	var errs []error
	if n.Transport != nil {
		errs = append(errs, n.Transport.Close())
	}
	if n.dev != nil {
		errs = append(errs, n.dev.Close())
	}
	return errors.Join(errs...)
}

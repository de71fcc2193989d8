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

package orchestrator

import (
	"fmt"

	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/identity"
	"k8s.io/klog/v2"
)

// FetchResult is the outcome of a successful identity fetch.
type FetchResult int

const (
	// FetchInstalled means a new identity was installed in the store.
	FetchInstalled FetchResult = iota
	// FetchKept means the gateway held no identity and the stored one was
	// kept.
	FetchKept
	// FetchNoAsset means neither the gateway nor the store holds an
	// identity. The device stays unprovisioned.
	FetchNoAsset
)

func (r FetchResult) String() string {
	switch r {
	case FetchInstalled:
		return "installed"
	case FetchKept:
		return "kept"
	case FetchNoAsset:
		return "no-asset"
	}
	return fmt.Sprintf("FetchResult(%d)", int(r))
}

// Provisioner moves the device identity between the gateway and the
// identity store.
type Provisioner struct {
	o     *Orchestrator
	store identity.Store
}

// Store returns the identity store.
func (p *Provisioner) Store() identity.Store {
	return p.store
}

// Fetch retrieves the identity issued by the gateway for this device and
// installs it in the store. A gateway without an identity for the device is
// not an error.
func (p *Provisioner) Fetch() (FetchResult, error) {
	var s identity.Identity
	defer s.Zero()
	return p.fetch(&s)
}

// Publish presents the stored identity to the gateway.
func (p *Provisioner) Publish() error {
	var s identity.Identity
	defer s.Zero()
	return p.publish(&s)
}

// Reprovision fetches a fresh identity from the gateway, then presents the
// stored identity back to it. A failed fetch leaves the stored identity to
// be presented.
func (p *Provisioner) Reprovision() error {
	var s identity.Identity
	defer s.Zero()
	if _, err := p.fetch(&s); err != nil {
		klog.Warningf("Identity fetch failed, presenting stored identity: %v", err)
	}
	if err := p.publish(&s); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// fetch downloads the identity into s.
func (p *Provisioner) fetch(s *identity.Identity) (FetchResult, error) {
	for _, part := range []struct {
		path string
		dst  *[]byte
	}{
		{path: api.ResourceIdentityKey, dst: &s.Key},
		{path: api.ResourceIdentityCert, dst: &s.Cert},
	} {
		res, err := p.o.Do(Request{Path: part.path, Method: coap.GET, Kind: KindIdentityFetch})
		if err != nil {
			clear(res.Payload)
			return 0, err
		}
		if res.Outcome == OutcomeNoAsset {
			if p.store.HasIdentity() {
				klog.Infof("Gateway holds no new identity, keeping stored one")
				return FetchKept, nil
			}
			klog.Warningf("No identity held by the gateway or the store")
			return FetchNoAsset, nil
		}
		*part.dst = res.Payload
	}
	if s.Empty() {
		return 0, fmt.Errorf("gateway returned empty identity (%d byte key, %d byte certificate)", len(s.Key), len(s.Cert))
	}

	if err := p.store.EraseIdentity(); err != nil {
		return 0, fmt.Errorf("erase stored identity: %v", err)
	}
	if err := p.store.SetIdentity(s.Key, s.Cert); err != nil {
		return 0, fmt.Errorf("store identity: %v", err)
	}
	// The gateway drops both halves once the key is deleted.
	if _, err := p.o.Do(Request{Path: api.ResourceIdentityKey, Method: coap.DELETE, Kind: KindIdentityFetch}); err != nil {
		return FetchInstalled, fmt.Errorf("release gateway copy: %w", err)
	}
	klog.Infof("Installed identity issued by gateway")
	return FetchInstalled, nil
}

// publish uploads the stored identity, using s as scratch.
func (p *Provisioner) publish(s *identity.Identity) error {
	s.Zero()
	id, err := p.store.GetIdentity()
	if err != nil {
		return err
	}
	*s = id

	for _, part := range []struct {
		path string
		src  []byte
	}{
		{path: api.ResourceConnKey, src: s.Key},
		{path: api.ResourceConnCert, src: s.Cert},
	} {
		if _, err := p.o.Do(Request{Path: part.path, Method: coap.PUT, Payload: part.src, Kind: KindIdentityPublish}); err != nil {
			return err
		}
	}
	return nil
}

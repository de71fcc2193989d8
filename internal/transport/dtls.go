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

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/meshgate/ota/internal/identity"
	"github.com/pion/dtls/v2"
	"k8s.io/klog/v2"
)

var certSuites = []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}

// DTLSOpts configures the DTLS session with the gateway.
type DTLSOpts struct {
	// PSK and PSKIdentity select pre-shared key authentication. When PSK is
	// empty the device identity is presented as client certificate.
	PSK         []byte
	PSKIdentity string
	// RootCAs verifies the gateway certificate. Nil skips verification,
	// which is only acceptable with PSK authentication.
	RootCAs *x509.CertPool
	// ServerName is the expected gateway certificate name.
	ServerName string
}

// DialDTLS connects to the gateway at addr over DTLS. In certificate mode
// the identity is read from store on every (re)connect, so a reprovisioned
// identity takes effect at the next Reconnect.
func DialDTLS(addr string, store identity.Store, d DTLSOpts, opts Opts) (*Conn, error) {
	if len(d.PSK) == 0 && store == nil {
		return nil, errors.New("DTLS needs either a pre-shared key or an identity store")
	}
	hs := func(ctx context.Context, c net.Conn) (net.Conn, error) {
		cfg, err := dtlsConfig(store, d)
		if err != nil {
			return nil, err
		}
		return dtls.ClientWithContext(ctx, c, cfg)
	}
	return dial(addr, opts, hs)
}

func dtlsConfig(store identity.Store, d DTLSOpts) (*dtls.Config, error) {
	cfg := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ServerName:           d.ServerName,
		RootCAs:              d.RootCAs,
		InsecureSkipVerify:   d.RootCAs == nil,
	}
	if len(d.PSK) > 0 {
		psk := d.PSK
		cfg.PSK = func([]byte) ([]byte, error) { return psk, nil }
		cfg.PSKIdentityHint = []byte(d.PSKIdentity)
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8, dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
		return cfg, nil
	}

	id, err := store.GetIdentity()
	if errors.Is(err, identity.ErrNoIdentity) {
		// An unprovisioned device connects without a client certificate
		// so it can fetch its identity.
		klog.Warning("No client identity provisioned, connecting anonymously")
		cfg.CipherSuites = certSuites
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("client identity: %w", err)
	}
	defer id.Zero()
	cert, err := tls.X509KeyPair(id.Cert, id.Key)
	if err != nil {
		return nil, fmt.Errorf("client identity: %v", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	cfg.CipherSuites = certSuites
	return cfg, nil
}

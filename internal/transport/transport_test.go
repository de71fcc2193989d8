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
	"errors"
	"net"
	"testing"
	"time"

	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"github.com/meshgate/ota/internal/identity/testonly"
	"github.com/pion/dtls/v2"
)

// echo serves datagrams on a loopback socket, replying with the same
// payload prefixed by "re:".
func echo(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := c.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == "silence" {
				continue
			}
			if string(buf[:n]) == "huge" {
				c.WriteToUDP(make([]byte, api.MaxMessageSize+1), from)
				continue
			}
			c.WriteToUDP(append([]byte("re:"), buf[:n]...), from)
		}
	}()
	return c
}

func roundTrip(t *testing.T, c *Conn, msg string) {
	t.Helper()
	if err := c.Send([]byte(msg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := c.Recv(5 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if want := "re:" + msg; string(got) != want {
		t.Errorf("Recv() = %q, want %q", got, want)
	}
}

func TestUDP(t *testing.T) {
	srv := echo(t)
	c, err := DialUDP(srv.LocalAddr().String(), Opts{})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer c.Close()

	roundTrip(t, c, "hello")

	if err := c.Send([]byte("silence")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Recv(50 * time.Millisecond); !errors.Is(err, coap.ErrTimeout) {
		t.Errorf("Recv() = %v, want ErrTimeout", err)
	}

	if err := c.Send([]byte("huge")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Recv(200 * time.Millisecond); !errors.Is(err, coap.ErrTimeout) {
		t.Errorf("Recv() of oversized datagram = %v, want ErrTimeout", err)
	}

	before := c.conn.LocalAddr().String()
	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if after := c.conn.LocalAddr().String(); after == before {
		t.Logf("Reconnect reused local address %s", after)
	}
	roundTrip(t, c, "again")
}

func TestRecvZeroesBuffer(t *testing.T) {
	srv := echo(t)
	c, err := DialUDP(srv.LocalAddr().String(), Opts{})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer c.Close()

	roundTrip(t, c, "secret key")
	for i, b := range c.buf {
		if b != 0 {
			t.Fatalf("read buffer byte %d = %#x after Recv, want 0", i, b)
		}
	}
}

func TestUDPResolver(t *testing.T) {
	srv := echo(t)
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	_, port, err := net.SplitHostPort(srv.LocalAddr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	c, err := DialUDP(net.JoinHostPort("localhost", port), Opts{Resolver: r})
	if err != nil {
		t.Skipf("localhost does not resolve to the loopback listener: %v", err)
	}
	defer c.Close()
	if err := c.Send([]byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := c.Recv(time.Second); err != nil {
		t.Skipf("localhost resolved to another loopback address: %v", err)
	}
}

func TestClosed(t *testing.T) {
	srv := echo(t)
	c, err := DialUDP(srv.LocalAddr().String(), Opts{})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Send([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	if _, err := c.Recv(time.Millisecond); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after Close = %v", err)
	}
}

func TestDTLSPSK(t *testing.T) {
	psk := []byte("0123456789abcdef")
	l, err := dtls.Listen("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, &dtls.Config{
		PSK:                  func([]byte) ([]byte, error) { return psk, nil },
		PSKIdentityHint:      []byte("gateway"),
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 2048)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write(append([]byte("re:"), buf[:n]...))
				}
			}()
		}
	}()

	c, err := DialDTLS(l.Addr().String(), nil, DTLSOpts{PSK: psk, PSKIdentity: "0011223344556677"}, Opts{DialTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("DialDTLS: %v", err)
	}
	defer c.Close()
	roundTrip(t, c, "secure")
	if _, err := c.Recv(50 * time.Millisecond); !errors.Is(err, coap.ErrTimeout) {
		t.Errorf("Recv() = %v, want ErrTimeout", err)
	}
	if err := c.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	roundTrip(t, c, "resumed")
}

func TestDTLSNeedsCredentials(t *testing.T) {
	if _, err := DialDTLS("127.0.0.1:1", nil, DTLSOpts{}, Opts{}); err == nil {
		t.Errorf("DialDTLS without credentials succeeded")
	}
}

func TestDTLSConfigBadIdentity(t *testing.T) {
	if _, err := dtlsConfig(testonly.NewMemStore("not a key", "not a cert"), DTLSOpts{}); err == nil {
		t.Errorf("dtlsConfig accepted malformed identity")
	}
	cfg, err := dtlsConfig(testonly.NewMemStore("", ""), DTLSOpts{})
	if err != nil {
		t.Fatalf("dtlsConfig(unprovisioned): %v", err)
	}
	if len(cfg.Certificates) != 0 || !cfg.InsecureSkipVerify {
		t.Errorf("unprovisioned config = %+v", cfg)
	}
}

func TestAwaitAnnouncement(t *testing.T) {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()
	gw, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer gw.Close()
	for _, m := range [][]byte{[]byte("noise"), append([]byte(api.MulticastAnnouncement), 0)} {
		if _, err := gw.Write(m); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ip, err := awaitAnnouncement(ctx, l)
	if err != nil {
		t.Fatalf("awaitAnnouncement: %v", err)
	}
	if !ip.Equal(gw.LocalAddr().(*net.UDPAddr).IP) {
		t.Errorf("announcement from %v, want %v", ip, gw.LocalAddr())
	}
}

func TestAwaitAnnouncementCancelled(t *testing.T) {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := awaitAnnouncement(ctx, l); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("awaitAnnouncement() = %v, want DeadlineExceeded", err)
	}
}

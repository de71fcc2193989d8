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

// Package transport provides connected datagram links to the gateway.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/meshgate/ota/api"
	"github.com/meshgate/ota/coap"
	"go.mercari.io/go-dnscache"
	"k8s.io/klog/v2"
)

const (
	// DefaultDialTimeout bounds connection establishment, including the
	// DTLS handshake.
	DefaultDialTimeout = 30 * time.Second

	dnsUpdateFreq    = 1 * time.Minute
	dnsUpdateTimeout = 5 * time.Second
)

// NewResolver returns a caching resolver for the gateway host name.
func NewResolver() (*dnscache.Resolver, error) {
	r, err := dnscache.New(dnsUpdateFreq, dnsUpdateTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS cache: %v", err)
	}
	return r, nil
}

// Opts configures a Conn.
type Opts struct {
	// Resolver, if set, resolves the gateway host name on every dial.
	Resolver *dnscache.Resolver
	// DialTimeout bounds every dial. Zero selects DefaultDialTimeout.
	DialTimeout time.Duration
}

// handshake optionally wraps a freshly dialled datagram connection.
type handshake func(ctx context.Context, c net.Conn) (net.Conn, error)

// Conn is a coap.Transport over a connected datagram socket. Reconnect
// redials the gateway, re-resolving its name and repeating any handshake.
type Conn struct {
	mu sync.Mutex

	addr      string
	opts      Opts
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	handshake handshake

	conn net.Conn
	buf  []byte
}

// DialUDP connects to the gateway at addr ("host:port") without
// protection.
func DialUDP(addr string, opts Opts) (*Conn, error) {
	return dial(addr, opts, nil)
}

func dial(addr string, opts Opts, hs handshake) (*Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	d := (&net.Dialer{}).DialContext
	if opts.Resolver != nil {
		d = dnscache.DialFunc(opts.Resolver, d)
	}
	c := &Conn{
		addr:      addr,
		opts:      opts,
		dial:      d,
		handshake: hs,
		buf:       make([]byte, api.MaxMessageSize+1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "udp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %v", c.addr, err)
	}
	if c.handshake != nil {
		hc, err := c.handshake(ctx, conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("handshake with %s: %v", c.addr, err)
		}
		conn = hc
	}
	klog.Infof("Connected to gateway %s (%v)", c.addr, conn.RemoteAddr())
	c.conn = conn
	return nil
}

// RemoteAddr returns the address of the connected gateway.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return net.ErrClosed
	}
	_, err := c.conn.Write(b)
	return err
}

// Recv returns the next datagram, or coap.ErrTimeout if none arrived within
// timeout. Datagrams larger than api.MaxMessageSize are dropped. The read
// buffer is zeroed once a datagram has been copied out of it.
func (c *Conn) Recv(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, net.ErrClosed
	}
	deadline := time.Now().Add(timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			if isTimeout(err) {
				return nil, coap.ErrTimeout
			}
			return nil, err
		}
		if n > api.MaxMessageSize {
			clear(c.buf[:n])
			klog.Warningf("Dropping oversized datagram from %v", c.conn.RemoteAddr())
			continue
		}
		out := append([]byte(nil), c.buf[:n]...)
		clear(c.buf[:n])
		return out, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Reconnect closes the current connection and dials the gateway again.
func (c *Conn) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			klog.Warningf("Closing connection to %s: %v", c.addr, err)
		}
		c.conn = nil
	}
	return c.connect()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

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

package coap

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const (
	// DefaultBaseTimeout is the initial response wait.
	DefaultBaseTimeout = 2 * time.Second
	// DefaultMaxRetries is the number of retransmissions after the first
	// transmission.
	DefaultMaxRetries = 4
)

// Transport is a connected datagram link to the gateway.
type Transport interface {
	// Send transmits a single datagram.
	Send(b []byte) error
	// Recv waits up to timeout for a single datagram, returning ErrTimeout
	// when none arrived.
	Recv(timeout time.Duration) ([]byte, error)
	// Reconnect tears down and re-establishes the link.
	Reconnect() error
	Close() error
}

// DriverOpts configures a Driver. Zero values select the defaults.
type DriverOpts struct {
	BaseTimeout time.Duration
	// MaxRetries bounds retransmissions. Negative disables them.
	MaxRetries int
	Clock      clock.Clock
	// Retransmits, if set, is incremented for every retransmission.
	Retransmits prometheus.Counter
}

// Driver performs reliable confirmable exchanges over a Transport.
// It carries a single outstanding exchange at a time and is not safe for
// concurrent use.
type Driver struct {
	transport   Transport
	clock       clock.Clock
	baseTimeout time.Duration
	maxRetries  int
	retransmits prometheus.Counter
	mid         uint16
}

// NewDriver returns a driver for t.
func NewDriver(t Transport, opts DriverOpts) *Driver {
	d := &Driver{
		transport:   t,
		clock:       opts.Clock,
		baseTimeout: opts.BaseTimeout,
		maxRetries:  opts.MaxRetries,
		retransmits: opts.Retransmits,
	}
	if d.clock == nil {
		d.clock = clock.WallClock
	}
	if d.baseTimeout <= 0 {
		d.baseTimeout = DefaultBaseTimeout
	}
	if d.maxRetries < 0 {
		d.maxRetries = 0
	}
	if opts.MaxRetries == 0 {
		d.maxRetries = DefaultMaxRetries
	}
	d.mid = uint16(d.clock.Now().UnixNano())
	return d
}

// Transport returns the link used by the driver.
func (d *Driver) Transport() Transport {
	return d.transport
}

// Execute runs one exchange for the current block of op: the request is
// encoded once and transmitted until a response or an empty ACK arrives,
// doubling the wait after every silent period. The response is decoded into
// op. The encoded request and received datagrams are zeroed before Execute
// returns.
func (d *Driver) Execute(op *Operation) (Code, []byte, error) {
	d.mid++
	mid := d.mid

	req, err := Encode(op, mid)
	if err != nil {
		return 0, nil, err
	}
	defer clear(req)

	timeout := d.baseTimeout
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			klog.V(1).Infof("coap: retransmitting %s %s mid=%d (%d/%d), timeout %v", op.Method, op.Path, mid, attempt, d.maxRetries, timeout)
			if d.retransmits != nil {
				d.retransmits.Inc()
			}
		}
		if err := d.transport.Send(req); err != nil {
			return 0, nil, fmt.Errorf("%w: send %s: %v", ErrTransport, op.Path, err)
		}

		code, payload, err := d.await(op, mid, timeout, d.remainingWait(timeout, attempt))
		if errors.Is(err, errAcked) {
			return 0, nil, fmt.Errorf("%w: %s %s acknowledged but no response followed", ErrNoResponse, op.Method, op.Path)
		}
		if !errors.Is(err, ErrTimeout) {
			return code, payload, err
		}
		if attempt >= d.maxRetries {
			return 0, nil, fmt.Errorf("%w: %s %s unanswered after %d transmissions", ErrNoResponse, op.Method, op.Path, attempt+1)
		}
		timeout *= 2
	}
}

// remainingWait returns the time the remaining transmissions of an exchange
// would wait in total, starting with the current timeout.
func (d *Driver) remainingWait(timeout time.Duration, attempt int) time.Duration {
	var total time.Duration
	for ; attempt <= d.maxRetries; attempt++ {
		total += timeout
		timeout *= 2
	}
	return total
}

// errAcked is returned by await when the request was acknowledged but the
// separate response did not arrive in time.
var errAcked = errors.New("acknowledged without response")

// await waits for the response to the exchange mid. Stale messages and
// responses for other tokens are skipped within the same window. Once an
// empty ACK arrives the request is not retransmitted any more, and the
// separate response is awaited for up to ackWait.
func (d *Driver) await(op *Operation, mid uint16, timeout, ackWait time.Duration) (Code, []byte, error) {
	deadline := d.clock.Now().Add(timeout)
	acked := false
	expired := func() error {
		if acked {
			return errAcked
		}
		return ErrTimeout
	}
	for {
		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			return 0, nil, expired()
		}
		b, err := d.transport.Recv(remaining)
		switch {
		case errors.Is(err, ErrTimeout):
			return 0, nil, expired()
		case err != nil:
			return 0, nil, fmt.Errorf("%w: receive %s: %v", ErrTransport, op.Path, err)
		}

		f, err := ParseFrame(b)
		clear(b)
		if err != nil {
			return 0, nil, err
		}

		switch f.Type {
		case Reset:
			if f.MessageID == mid {
				return 0, nil, fmt.Errorf("%w: %s reset by peer", ErrProtocol, op.Path)
			}
			continue
		case Acknowledgement:
			if f.MessageID != mid {
				klog.V(2).Infof("coap: dropping stale ACK mid=%d", f.MessageID)
				continue
			}
			if f.Code == Empty {
				if !acked {
					klog.V(2).Infof("coap: %s acknowledged, awaiting separate response", op.Path)
					acked = true
					deadline = d.clock.Now().Add(ackWait)
				}
				continue
			}
		case Confirmable:
			d.ack(f.MessageID)
		}

		if !bytes.Equal(f.Token, op.Token) {
			klog.V(2).Infof("coap: dropping response for token %x", f.Token)
			clear(f.Payload)
			continue
		}
		code, payload, err := DecodeFrame(op, f)
		clear(f.Payload)
		return code, payload, err
	}
}

// ack acknowledges a confirmable separate response.
func (d *Driver) ack(mid uint16) {
	f := &Frame{Type: Acknowledgement, Code: Empty, MessageID: mid}
	b, err := f.MarshalBinary()
	if err != nil {
		klog.Warningf("coap: failed to encode ACK: %v", err)
		return
	}
	if err := d.transport.Send(b); err != nil {
		klog.Warningf("coap: failed to send ACK for mid=%d: %v", mid, err)
	}
}

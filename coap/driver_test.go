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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
)

// fakeTransport delivers scripted responses and advances a test clock
// whenever the driver waits on an empty queue.
type fakeTransport struct {
	t     *testing.T
	clock *testclock.Clock
	// respond returns the datagrams to queue after the n-th request.
	respond func(n int, req *Frame) [][]byte
	sendErr error

	// late is queued once the clock reaches lateAt.
	late   []byte
	lateAt time.Time

	requests []*Frame
	acks     []*Frame
	queue    [][]byte
	waits    []time.Duration
	// sent and received keep the buffers handed over by the driver.
	sent     [][]byte
	received [][]byte
}

func (f *fakeTransport) Send(b []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	fr, err := ParseFrame(b)
	if err != nil {
		f.t.Fatalf("driver sent unparsable frame: %v", err)
	}
	if fr.Type == Acknowledgement {
		f.acks = append(f.acks, fr)
		return nil
	}
	f.requests = append(f.requests, fr)
	f.sent = append(f.sent, b)
	if f.respond != nil {
		f.queue = append(f.queue, f.respond(len(f.requests)-1, fr)...)
	}
	return nil
}

func (f *fakeTransport) Recv(timeout time.Duration) ([]byte, error) {
	f.waits = append(f.waits, timeout)
	if len(f.queue) == 0 && f.late != nil && !f.clock.Now().Add(timeout).Before(f.lateAt) {
		f.clock.Advance(f.lateAt.Sub(f.clock.Now()))
		f.queue, f.late = append(f.queue, f.late), nil
	}
	if len(f.queue) == 0 {
		f.clock.Advance(timeout)
		return nil, ErrTimeout
	}
	b := f.queue[0]
	f.queue = f.queue[1:]
	f.received = append(f.received, b)
	return b, nil
}

func (f *fakeTransport) Reconnect() error { return nil }
func (f *fakeTransport) Close() error     { return nil }

func newFake(t *testing.T) *fakeTransport {
	return &fakeTransport{t: t, clock: testclock.NewClock(time.Unix(1700000000, 0))}
}

func mustMarshal(t *testing.T, f *Frame) []byte {
	t.Helper()
	b, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return b
}

func TestDriverRetryCeiling(t *testing.T) {
	for _, retries := range []int{1, 3, 5} {
		ft := newFake(t)
		d := NewDriver(ft, DriverOpts{BaseTimeout: time.Second, MaxRetries: retries, Clock: ft.clock})

		_, _, err := d.Execute(NewOperation(GET, "update/status/00", nil, DefaultSZX))
		if !errors.Is(err, ErrNoResponse) {
			t.Fatalf("retries=%d: Execute() = %v, want ErrNoResponse", retries, err)
		}
		if got, want := len(ft.requests), retries+1; got != want {
			t.Errorf("retries=%d: %d transmissions, want %d", retries, got, want)
		}
		var want []time.Duration
		for i, w := 0, time.Second; i <= retries; i, w = i+1, w*2 {
			want = append(want, w)
		}
		if d := cmp.Diff(want, ft.waits); d != "" {
			t.Errorf("retries=%d: wait diff (-want +got):\n%s", retries, d)
		}
		for _, r := range ft.requests[1:] {
			if r.MessageID != ft.requests[0].MessageID {
				t.Errorf("retransmission used message ID %d, first %d", r.MessageID, ft.requests[0].MessageID)
			}
		}
	}
}

func TestDriverRecoversFromLoss(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(n int, req *Frame) [][]byte {
		if n < 2 {
			return nil
		}
		return [][]byte{mustMarshal(t, &Frame{Type: Acknowledgement, Code: Changed, MessageID: req.MessageID, Token: req.Token})}
	}
	d := NewDriver(ft, DriverOpts{BaseTimeout: time.Second, MaxRetries: 4, Clock: ft.clock})

	code, _, err := d.Execute(NewOperation(PUT, "con/connection/00", nil, DefaultSZX))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != Changed {
		t.Errorf("code = %v, want %v", code, Changed)
	}
	if got := len(ft.requests); got != 3 {
		t.Errorf("%d transmissions, want 3", got)
	}
}

func TestDriverSeparateResponse(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(_ int, req *Frame) [][]byte {
		return [][]byte{
			mustMarshal(t, &Frame{Type: Acknowledgement, Code: Empty, MessageID: req.MessageID}),
			mustMarshal(t, &Frame{Type: Acknowledgement, Code: Content, MessageID: req.MessageID + 100, Token: req.Token}),
			mustMarshal(t, &Frame{Type: Confirmable, Code: Content, MessageID: 0x4242, Token: []byte("other")}),
			mustMarshal(t, &Frame{Type: Confirmable, Code: Content, MessageID: 0x4343, Token: req.Token, Payload: []byte("{}")}),
		}
	}
	d := NewDriver(ft, DriverOpts{Clock: ft.clock})

	code, payload, err := d.Execute(NewOperation(GET, "thing/00", nil, DefaultSZX))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != Content || string(payload) != "{}" {
		t.Errorf("Execute() = %v %q", code, payload)
	}
	if got := len(ft.requests); got != 1 {
		t.Errorf("%d transmissions, want 1", got)
	}
	var mids []uint16
	for _, a := range ft.acks {
		if a.Code != Empty {
			t.Errorf("ACK carried code %v", a.Code)
		}
		mids = append(mids, a.MessageID)
	}
	if d := cmp.Diff([]uint16{0x4242, 0x4343}, mids); d != "" {
		t.Errorf("acknowledged message IDs diff (-want +got):\n%s", d)
	}
}

func TestDriverReset(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(_ int, req *Frame) [][]byte {
		return [][]byte{mustMarshal(t, &Frame{Type: Reset, MessageID: req.MessageID})}
	}
	d := NewDriver(ft, DriverOpts{Clock: ft.clock})
	if _, _, err := d.Execute(NewOperation(GET, "thing/00", nil, DefaultSZX)); !errors.Is(err, ErrProtocol) {
		t.Errorf("Execute() = %v, want ErrProtocol", err)
	}
}

func TestDriverSendFailure(t *testing.T) {
	ft := newFake(t)
	ft.sendErr = errors.New("network is unreachable")
	d := NewDriver(ft, DriverOpts{Clock: ft.clock})
	if _, _, err := d.Execute(NewOperation(GET, "thing/00", nil, DefaultSZX)); !errors.Is(err, ErrTransport) {
		t.Errorf("Execute() = %v, want ErrTransport", err)
	}
}

func TestDriverMalformedResponse(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(int, *Frame) [][]byte {
		return [][]byte{{0x40, 0x45}}
	}
	d := NewDriver(ft, DriverOpts{Clock: ft.clock})
	if _, _, err := d.Execute(NewOperation(GET, "thing/00", nil, DefaultSZX)); !errors.Is(err, ErrProtocol) {
		t.Errorf("Execute() = %v, want ErrProtocol", err)
	}
}

func TestDriverMessageIDsAdvance(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(_ int, req *Frame) [][]byte {
		return [][]byte{mustMarshal(t, &Frame{Type: Acknowledgement, Code: Changed, MessageID: req.MessageID, Token: req.Token})}
	}
	d := NewDriver(ft, DriverOpts{Clock: ft.clock})
	for i := 0; i < 3; i++ {
		if _, _, err := d.Execute(NewOperation(PUT, "thing/00", nil, DefaultSZX)); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	for i := 1; i < len(ft.requests); i++ {
		if ft.requests[i].MessageID != ft.requests[i-1].MessageID+1 {
			t.Errorf("message IDs %d then %d", ft.requests[i-1].MessageID, ft.requests[i].MessageID)
		}
	}
}

func TestDriverAcknowledgedRequestNotRetransmitted(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(n int, req *Frame) [][]byte {
		if n > 0 {
			return nil
		}
		ft.late = mustMarshal(t, &Frame{Type: Confirmable, Code: Content, MessageID: 0x5151, Token: req.Token, Payload: []byte("{}")})
		ft.lateAt = ft.clock.Now().Add(5 * time.Second)
		return [][]byte{mustMarshal(t, &Frame{Type: Acknowledgement, Code: Empty, MessageID: req.MessageID})}
	}
	d := NewDriver(ft, DriverOpts{BaseTimeout: time.Second, MaxRetries: 4, Clock: ft.clock})

	code, payload, err := d.Execute(NewOperation(GET, "thing/00", nil, DefaultSZX))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != Content || string(payload) != "{}" {
		t.Errorf("Execute() = %v %q", code, payload)
	}
	if got := len(ft.requests); got != 1 {
		t.Errorf("%d transmissions, want 1", got)
	}
	if len(ft.acks) != 1 || ft.acks[0].MessageID != 0x5151 {
		t.Errorf("acks = %v, want one for the separate response", ft.acks)
	}
}

func TestDriverAcknowledgedWithoutResponse(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(_ int, req *Frame) [][]byte {
		return [][]byte{mustMarshal(t, &Frame{Type: Acknowledgement, Code: Empty, MessageID: req.MessageID})}
	}
	d := NewDriver(ft, DriverOpts{BaseTimeout: time.Second, MaxRetries: 4, Clock: ft.clock})
	start := ft.clock.Now()

	if _, _, err := d.Execute(NewOperation(GET, "thing/00", nil, DefaultSZX)); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Execute() = %v, want ErrNoResponse", err)
	}
	if got := len(ft.requests); got != 1 {
		t.Errorf("%d transmissions, want 1", got)
	}
	if got, want := ft.clock.Now().Sub(start), 31*time.Second; got != want {
		t.Errorf("waited %v for the separate response, want %v", got, want)
	}
}

func TestDriverZeroesBuffers(t *testing.T) {
	ft := newFake(t)
	ft.respond = func(_ int, req *Frame) [][]byte {
		return [][]byte{mustMarshal(t, &Frame{Type: Acknowledgement, Code: Content, MessageID: req.MessageID, Token: req.Token, Payload: []byte("secret cert")})}
	}
	d := NewDriver(ft, DriverOpts{Clock: ft.clock})

	_, payload, err := d.Execute(NewOperation(PUT, "con/key/00", []byte("secret key"), DefaultSZX))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(payload) != "secret cert" {
		t.Errorf("payload = %q, want secret cert", payload)
	}
	if len(ft.sent) != 1 || len(ft.received) != 1 {
		t.Fatalf("%d sent and %d received buffers, want 1 each", len(ft.sent), len(ft.received))
	}
	for _, b := range append(ft.sent, ft.received...) {
		for _, c := range b {
			if c != 0 {
				t.Errorf("buffer %x not zeroed", b)
				break
			}
		}
	}
}

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

// Package testonly provides an in-memory gateway for exercising clients of
// the coap package.
package testonly

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/meshgate/ota/coap"
)

// Request is a request as seen by a gateway resource handler.
type Request struct {
	Method coap.Method
	// Resource is the request path without the device ID suffix.
	Resource string
	DeviceID string
	// Payload is the complete upload, reassembled from Block1 transfers.
	Payload []byte
	// Block is the requested Block2 number.
	Block uint32
}

// Response is the reply of a resource handler. Content bodies are sliced
// into blocks by the Gateway.
type Response struct {
	Code coap.Code
	Body []byte
}

// Handler serves a single resource.
type Handler func(r Request) Response

// Static returns a handler which always replies with code and body.
func Static(code coap.Code, body []byte) Handler {
	return func(Request) Response {
		return Response{Code: code, Body: body}
	}
}

// Sequence returns a handler replying with each response in turn, repeating
// the last one once exhausted.
func Sequence(rs ...Response) Handler {
	i := 0
	return func(Request) Response {
		r := rs[min(i, len(rs)-1)]
		i++
		return r
	}
}

// Gateway is an in-memory coap.Transport answering requests with registered
// handlers.
type Gateway struct {
	mu sync.Mutex

	// Clock, if set, is advanced by the timeout of every Recv which finds
	// no response queued.
	Clock *testclock.Clock
	// Lose, if set, drops requests for which it returns true.
	Lose func(f *coap.Frame) bool
	// ReconnectErr is returned by Reconnect.
	ReconnectErr error

	// Reconnects counts calls to Reconnect.
	Reconnects int
	// Log records every request passed to a handler, in order.
	Log []Request
	// Errors records malformed requests.
	Errors []error

	handlers map[string]Handler
	uploads  map[string][]byte
	queue    [][]byte
}

// NewGateway returns a gateway with no resources.
func NewGateway(clk *testclock.Clock) *Gateway {
	return &Gateway{
		Clock:    clk,
		handlers: make(map[string]Handler),
		uploads:  make(map[string][]byte),
	}
}

// Handle registers h for resource. Handlers run with the gateway locked and
// must not call its methods.
func (g *Gateway) Handle(resource string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[resource] = h
}

// Requests returns the logged requests for resource.
func (g *Gateway) Requests(resource string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var r []Request
	for _, l := range g.Log {
		if l.Resource == resource {
			r = append(r, l)
		}
	}
	return r
}

// Resources returns the method and resource of every logged request.
func (g *Gateway) Resources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := make([]string, 0, len(g.Log))
	for _, l := range g.Log {
		r = append(r, l.Method.String()+" "+l.Resource)
	}
	return r
}

func (g *Gateway) Send(b []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := coap.ParseFrame(b)
	if err != nil {
		g.Errors = append(g.Errors, err)
		return nil
	}
	if f.Type != coap.Confirmable {
		return nil
	}
	if g.Lose != nil && g.Lose(f) {
		return nil
	}

	resp, err := g.serve(f)
	if err != nil {
		g.Errors = append(g.Errors, err)
		resp = &coap.Frame{Code: coap.BadOption}
	}
	resp.Type = coap.Acknowledgement
	resp.MessageID = f.MessageID
	resp.Token = f.Token
	out, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	g.queue = append(g.queue, out)
	return nil
}

func (g *Gateway) serve(f *coap.Frame) (*coap.Frame, error) {
	p := f.Path()
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return nil, fmt.Errorf("path %q lacks device ID", p)
	}
	req := Request{
		Method:   coap.Method(f.Code),
		Resource: p[:i],
		DeviceID: p[i+1:],
		Payload:  f.Payload,
	}
	resp := &coap.Frame{}

	if v, ok, err := f.UintOption(coap.OptionBlock1); err != nil {
		return nil, err
	} else if ok {
		b1, err := coap.ParseBlock(v)
		if err != nil {
			return nil, err
		}
		up := g.uploads[p]
		if b1.Offset() != len(up) {
			return nil, fmt.Errorf("upload block at %d, have %d bytes", b1.Offset(), len(up))
		}
		up = append(up, f.Payload...)
		resp.AddUintOption(coap.OptionBlock1, b1.Value())
		if b1.More {
			g.uploads[p] = up
			resp.Code = coap.Continue
			return resp, nil
		}
		delete(g.uploads, p)
		req.Payload = up
	}

	b2 := coap.Block{SZX: coap.DefaultSZX}
	v2, hasB2, err := f.UintOption(coap.OptionBlock2)
	if err != nil {
		return nil, err
	}
	if hasB2 {
		if b2, err = coap.ParseBlock(v2); err != nil {
			return nil, err
		}
		req.Block = b2.Num
	}

	g.Log = append(g.Log, req)
	h, ok := g.handlers[req.Resource]
	if !ok {
		resp.Code = coap.NotFound
		return resp, nil
	}
	r := h(req)
	resp.Code = r.Code
	if r.Code != coap.Content || !hasB2 {
		resp.Payload = r.Body
		return resp, nil
	}

	off := min(b2.Offset(), len(r.Body))
	end := min(off+b2.Size(), len(r.Body))
	resp.Payload = r.Body[off:end]
	resp.AddUintOption(coap.OptionBlock2, coap.Block{Num: b2.Num, More: end < len(r.Body), SZX: b2.SZX}.Value())
	resp.AddUintOption(coap.OptionSize2, uint32(len(r.Body)))
	return resp, nil
}

func (g *Gateway) Recv(timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		if g.Clock != nil {
			g.Clock.Advance(timeout)
		}
		return nil, coap.ErrTimeout
	}
	b := g.queue[0]
	g.queue = g.queue[1:]
	return b, nil
}

func (g *Gateway) Reconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Reconnects++
	g.queue = nil
	return g.ReconnectErr
}

func (g *Gateway) Close() error {
	return nil
}

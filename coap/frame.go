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
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxMessageSize is the largest datagram exchanged with the gateway.
	MaxMessageSize = 1152
	// MaxTokenLength is the largest token allowed by the header TKL field.
	MaxTokenLength = 8

	headerLength  = 4
	payloadMarker = 0xff

	extByte   = 13
	extWord   = 14
	extMarker = 15
)

// Option is a single option instance. Repeatable options, such as
// Uri-Path, appear once per value.
type Option struct {
	ID    OptionID
	Value []byte
}

// Frame is the wire representation of a single message.
type Frame struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

// AddOption appends an option with an opaque or string value.
func (f *Frame) AddOption(id OptionID, value []byte) {
	f.Options = append(f.Options, Option{ID: id, Value: value})
}

// AddUintOption appends an option with a uint value in its shortest
// encoding.
func (f *Frame) AddUintOption(id OptionID, v uint32) {
	f.AddOption(id, encodeUint(v))
}

// Option returns the value of the first option with the given number.
func (f *Frame) Option(id OptionID) ([]byte, bool) {
	for _, o := range f.Options {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}

// UintOption returns the value of the first option with the given number
// decoded as a uint.
func (f *Frame) UintOption(id OptionID) (uint32, bool, error) {
	v, ok := f.Option(id)
	if !ok {
		return 0, false, nil
	}
	n, err := decodeUint(v)
	if err != nil {
		return 0, true, fmt.Errorf("option %d: %w", id, err)
	}
	return n, true, nil
}

// SetPath replaces the Uri-Path options with the segments of p.
func (f *Frame) SetPath(p string) {
	opts := f.Options[:0]
	for _, o := range f.Options {
		if o.ID != OptionURIPath {
			opts = append(opts, o)
		}
	}
	f.Options = opts
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		f.AddOption(OptionURIPath, []byte(seg))
	}
}

// Path returns the Uri-Path options joined with "/".
func (f *Frame) Path() string {
	var segs []string
	for _, o := range f.Options {
		if o.ID == OptionURIPath {
			segs = append(segs, string(o.Value))
		}
	}
	return strings.Join(segs, "/")
}

// MarshalBinary converts the frame to its wire format.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if l := len(f.Token); l > MaxTokenLength {
		return nil, fmt.Errorf("token length %d exceeds %d", l, MaxTokenLength)
	}
	if f.Type > Reset {
		return nil, fmt.Errorf("invalid message type %d", f.Type)
	}

	buf := new(bytes.Buffer)
	buf.Grow(headerLength + len(f.Token) + len(f.Payload) + 16)

	buf.WriteByte(Version<<6 | uint8(f.Type)<<4 | uint8(len(f.Token)))
	buf.WriteByte(uint8(f.Code))
	binary.Write(buf, binary.BigEndian, f.MessageID)
	buf.Write(f.Token)

	opts := make([]Option, len(f.Options))
	copy(opts, f.Options)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })

	prev := OptionID(0)
	for _, o := range opts {
		if len(o.Value) > 0xffff+269 {
			return nil, fmt.Errorf("option %d value too long (%d bytes)", o.ID, len(o.Value))
		}
		delta, dext := nibble(uint32(o.ID - prev))
		length, lext := nibble(uint32(len(o.Value)))
		buf.WriteByte(delta<<4 | length)
		buf.Write(dext)
		buf.Write(lext)
		buf.Write(o.Value)
		prev = o.ID
	}

	if len(f.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(f.Payload)
	}

	return buf.Bytes(), nil
}

// ParseFrame parses a frame from its wire format. All returned errors wrap
// ErrProtocol.
func ParseFrame(b []byte) (*Frame, error) {
	if len(b) < headerLength {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrProtocol, len(b))
	}
	if v := b[0] >> 6; v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrProtocol, v)
	}

	tkl := int(b[0] & 0x0f)
	if tkl > MaxTokenLength {
		return nil, fmt.Errorf("%w: invalid token length %d", ErrProtocol, tkl)
	}

	f := &Frame{
		Type:      Type(b[0] >> 4 & 0x03),
		Code:      Code(b[1]),
		MessageID: binary.BigEndian.Uint16(b[2:4]),
	}

	b = b[headerLength:]
	if len(b) < tkl {
		return nil, fmt.Errorf("%w: truncated token", ErrProtocol)
	}
	if tkl > 0 {
		f.Token = append([]byte(nil), b[:tkl]...)
	}
	b = b[tkl:]

	id := uint32(0)
	for len(b) > 0 {
		if b[0] == payloadMarker {
			if len(b) == 1 {
				return nil, fmt.Errorf("%w: payload marker without payload", ErrProtocol)
			}
			f.Payload = append([]byte(nil), b[1:]...)
			return f, nil
		}

		delta, length := b[0]>>4, b[0]&0x0f
		b = b[1:]

		d, rest, err := extend(delta, b)
		if err != nil {
			return nil, err
		}
		l, rest, err := extend(length, rest)
		if err != nil {
			return nil, err
		}
		b = rest

		id += d
		if id > 0xffff {
			return nil, fmt.Errorf("%w: option number %d out of range", ErrProtocol, id)
		}
		if uint32(len(b)) < l {
			return nil, fmt.Errorf("%w: option %d overruns frame", ErrProtocol, id)
		}
		f.Options = append(f.Options, Option{
			ID:    OptionID(id),
			Value: append([]byte(nil), b[:l]...),
		})
		b = b[l:]
	}

	return f, nil
}

// nibble splits v into the 4-bit header value and its extended bytes.
func nibble(v uint32) (uint8, []byte) {
	switch {
	case v < extByte:
		return uint8(v), nil
	case v < 269:
		return extByte, []byte{uint8(v - extByte)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return extWord, ext
	}
}

// extend decodes a 4-bit option delta or length and its extended bytes.
func extend(n uint8, b []byte) (uint32, []byte, error) {
	switch n {
	case extByte:
		if len(b) < 1 {
			return 0, nil, fmt.Errorf("%w: truncated option extension", ErrProtocol)
		}
		return uint32(b[0]) + extByte, b[1:], nil
	case extWord:
		if len(b) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated option extension", ErrProtocol)
		}
		return uint32(binary.BigEndian.Uint16(b)) + 269, b[2:], nil
	case extMarker:
		return 0, nil, fmt.Errorf("%w: reserved option nibble", ErrProtocol)
	}
	return uint32(n), b, nil
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xff:
		return []byte{uint8(v)}
	case v <= 0xffff:
		return []byte{uint8(v >> 8), uint8(v)}
	case v <= 0xffffff:
		return []byte{uint8(v >> 16), uint8(v >> 8), uint8(v)}
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, fmt.Errorf("uint option too long (%d bytes)", len(b))
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

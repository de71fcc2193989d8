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

// Package coap implements the subset of the Constrained Application Protocol
// (RFC 7252) and its block-wise transfer extension (RFC 7959) required to
// exchange update payloads with a gateway over a lossy datagram link.
//
// The package provides three layers: Frame, the wire representation of a
// single message; Encode/Decode, which map a logical Operation onto frames
// carrying block options; and Driver, which performs a single confirmable
// exchange with retransmission.
package coap

import "fmt"

// Version is the only protocol version defined by RFC 7252.
const Version = 1

// p16, Section 3, Message Format, RFC 7252
const (
	Confirmable Type = iota
	NonConfirmable
	Acknowledgement
	Reset
)

// Type is the message type carried in the frame header.
type Type uint8

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Code is a request method or response code in c.dd notation, packed as
// class<<5 | detail.
type Code uint8

// NewCode returns the code c.dd.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Class returns the code class (0 request, 2 success, 4 client error, 5
// server error).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsSuccess reports whether c is in the 2.xx range.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// p86, Section 12.1.2, Response Codes, RFC 7252 and p29, Section 6, RFC 7959
const (
	Empty                   Code = 0<<5 | 0
	Created                 Code = 2<<5 | 1
	Deleted                 Code = 2<<5 | 2
	Valid                   Code = 2<<5 | 3
	Changed                 Code = 2<<5 | 4
	Content                 Code = 2<<5 | 5
	Continue                Code = 2<<5 | 31
	BadRequest              Code = 4<<5 | 0
	Unauthorized            Code = 4<<5 | 1
	BadOption               Code = 4<<5 | 2
	Forbidden               Code = 4<<5 | 3
	NotFound                Code = 4<<5 | 4
	MethodNotAllowed        Code = 4<<5 | 5
	RequestEntityIncomplete Code = 4<<5 | 8
	RequestEntityTooLarge   Code = 4<<5 | 13
	InternalServerError     Code = 5<<5 | 0
	ServiceUnavailable      Code = 5<<5 | 3
	GatewayTimeout          Code = 5<<5 | 4
)

const (
	GET Method = iota + 1
	POST
	PUT
	DELETE
)

// Method is a request method. Its values are the method codes of RFC 7252.
type Method uint8

// Code returns the request code for m.
func (m Method) Code() Code {
	return NewCode(0, uint8(m))
}

// Valid reports whether m is one of the defined methods.
func (m Method) Valid() bool {
	return m >= GET && m <= DELETE
}

func (m Method) String() string {
	switch m {
	case GET:
		return "GET"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// p88, Section 12.2, Option Numbers, RFC 7252 and p30, Section 6, RFC 7959
const (
	OptionURIPath       OptionID = 11
	OptionContentFormat OptionID = 12
	OptionBlock2        OptionID = 23
	OptionBlock1        OptionID = 27
	OptionSize2         OptionID = 28
	OptionSize1         OptionID = 60
)

// OptionID identifies an option.
type OptionID uint16

// Critical reports whether an unrecognized option with this number must
// cause the message to be rejected.
func (o OptionID) Critical() bool {
	return o&1 == 1
}

// ContentFormatJSON is the application/json content format.
const ContentFormatJSON = 50

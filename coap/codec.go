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
	"crypto/rand"
	"fmt"
)

// Message is a single request/response exchange unit.
type Message struct {
	// Path is the slash separated resource path, sent as Uri-Path options.
	Path   string
	Method Method
	// Payload is the complete outgoing representation. Uploads larger than
	// one block are sliced by Encode.
	Payload []byte
	// JSON marks Payload as application/json.
	JSON bool
	// Response holds the payload of the most recent response.
	Response []byte
	// Token correlates responses with this exchange. Encode allocates one
	// when empty.
	Token []byte
}

// Operation is the context of one logical, possibly block-wise, transfer.
type Operation struct {
	Message
	Block BlockContext
}

// NewOperation returns an operation for method on path using 16<<szx byte
// blocks.
func NewOperation(method Method, path string, payload []byte, szx uint8) *Operation {
	return &Operation{
		Message: Message{
			Path:    path,
			Method:  method,
			Payload: payload,
		},
		Block: NewBlockContext(szx),
	}
}

// Rewind restarts the transfer from block 0 with a fresh token.
func (op *Operation) Rewind() {
	op.Block.Reset()
	op.Token = nil
	op.Response = nil
}

// uploading reports whether the payload needs Block1 slicing.
func (op *Operation) uploading() bool {
	return op.Method != GET && len(op.Payload) > op.Block.BlockSize
}

// Encode builds the confirmable request frame for the current block of op.
func Encode(op *Operation, mid uint16) ([]byte, error) {
	if !op.Method.Valid() {
		return nil, fmt.Errorf("invalid method %d", op.Method)
	}
	if op.Block.BlockSize <= 0 {
		op.Block = NewBlockContext(DefaultSZX)
	}
	if len(op.Token) == 0 {
		op.Token = make([]byte, MaxTokenLength)
		if _, err := rand.Read(op.Token); err != nil {
			return nil, fmt.Errorf("failed to allocate token: %v", err)
		}
	}

	f := &Frame{
		Type:      Confirmable,
		Code:      op.Method.Code(),
		MessageID: mid,
		Token:     op.Token,
	}
	f.SetPath(op.Path)
	if op.JSON && len(op.Payload) > 0 {
		f.AddUintOption(OptionContentFormat, ContentFormatJSON)
	}

	switch {
	case op.Method == GET:
		f.AddUintOption(OptionBlock2, Block{Num: op.Block.Num(), SZX: op.Block.SZX()}.Value())
	case op.uploading():
		off := op.Block.Offset
		if off >= len(op.Payload) {
			return nil, fmt.Errorf("%w: upload offset %d beyond payload (%d bytes)", ErrProtocol, off, len(op.Payload))
		}
		end := min(off+op.Block.BlockSize, len(op.Payload))
		f.AddUintOption(OptionBlock1, Block{Num: op.Block.Num(), More: end < len(op.Payload), SZX: op.Block.SZX()}.Value())
		if off == 0 {
			f.AddUintOption(OptionSize1, uint32(len(op.Payload)))
		}
		op.Block.TotalSize = len(op.Payload)
		f.Payload = op.Payload[off:end]
	default:
		f.Payload = op.Payload
	}

	b, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("encoded request is %d bytes, exceeds %d", len(b), MaxMessageSize)
	}
	return b, nil
}

// Decode parses a response to op and advances its block context.
func Decode(op *Operation, b []byte) (Code, []byte, error) {
	f, err := ParseFrame(b)
	if err != nil {
		return 0, nil, err
	}
	return DecodeFrame(op, f)
}

// DecodeFrame applies an already parsed response to op.
//
// The block context only moves on success codes other than 2.03, so that
// error and busy responses leave the transfer positioned on the block which
// needs to be resent.
func DecodeFrame(op *Operation, f *Frame) (Code, []byte, error) {
	if !bytes.Equal(f.Token, op.Token) {
		return 0, nil, fmt.Errorf("%w: token mismatch", ErrProtocol)
	}
	for _, o := range f.Options {
		if o.ID.Critical() && !known(o.ID) {
			return 0, nil, fmt.Errorf("%w: unrecognised critical option %d", ErrProtocol, o.ID)
		}
	}
	if len(f.Payload) > MaxMessageSize {
		return 0, nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrProtocol, len(f.Payload), MaxMessageSize)
	}
	clear(op.Response)
	op.Response = append(op.Response[:0], f.Payload...)

	if !f.Code.IsSuccess() || f.Code == Valid {
		return f.Code, op.Response, nil
	}

	b2, hasB2, err := blockOption(f, OptionBlock2)
	if err != nil {
		return 0, nil, err
	}
	b1, hasB1, err := blockOption(f, OptionBlock1)
	if err != nil {
		return 0, nil, err
	}

	switch {
	case hasB2:
		if size, ok, err := f.UintOption(OptionSize2); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		} else if ok {
			op.Block.TotalSize = int(size)
		}
		if b2.Size() < op.Block.BlockSize {
			// Late negotiation of a smaller block size by the server.
			op.Block.BlockSize = b2.Size()
		}
		if b2.Offset() != op.Block.Offset {
			return 0, nil, fmt.Errorf("%w: got block at offset %d, expected %d", ErrProtocol, b2.Offset(), op.Block.Offset)
		}
		if !b2.More {
			op.Block.finish()
			break
		}
		if err := op.Block.advance(op.Block.BlockSize); err != nil {
			return 0, nil, err
		}
	case hasB1 && f.Code == Continue:
		if !b1.More || op.Block.Offset+op.Block.BlockSize >= len(op.Payload) {
			return 0, nil, fmt.Errorf("%w: continue after final upload block", ErrProtocol)
		}
		if err := op.Block.advance(op.Block.BlockSize); err != nil {
			return 0, nil, err
		}
	default:
		op.Block.finish()
	}

	return f.Code, op.Response, nil
}

func blockOption(f *Frame, id OptionID) (Block, bool, error) {
	v, ok, err := f.UintOption(id)
	if err != nil {
		return Block{}, false, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !ok {
		return Block{}, false, nil
	}
	b, err := ParseBlock(v)
	return b, true, err
}

func known(id OptionID) bool {
	switch id {
	case OptionURIPath, OptionContentFormat, OptionBlock2, OptionBlock1, OptionSize2, OptionSize1:
		return true
	}
	return false
}

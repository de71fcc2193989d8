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

import "fmt"

const (
	// MaxSZX is the largest block size exponent, giving 1024 byte blocks.
	MaxSZX = 6
	// DefaultSZX gives the 1024 byte blocks used by the gateway.
	DefaultSZX = 6
)

// Block is the decoded value of a Block1 or Block2 option.
type Block struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes.
func (b Block) Size() int {
	return 16 << b.SZX
}

// Offset returns the byte offset of the block within the transfer.
func (b Block) Offset() int {
	return int(b.Num) * b.Size()
}

// Value returns the uint option encoding of the block.
func (b Block) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x07)
	if b.More {
		v |= 0x08
	}
	return v
}

func (b Block) String() string {
	return fmt.Sprintf("%d/%t/%d", b.Num, b.More, b.Size())
}

// ParseBlock decodes a block option value.
func ParseBlock(v uint32) (Block, error) {
	b := Block{
		Num:  v >> 4,
		More: v&0x08 != 0,
		SZX:  uint8(v & 0x07),
	}
	if b.SZX > MaxSZX {
		return Block{}, fmt.Errorf("%w: reserved block size exponent 7", ErrProtocol)
	}
	if b.Num >= 1<<20 {
		return Block{}, fmt.Errorf("%w: block number %d out of range", ErrProtocol, b.Num)
	}
	return b, nil
}

// SZXForSize returns the exponent of the largest block size not exceeding n.
func SZXForSize(n int) uint8 {
	szx := uint8(0)
	for szx < MaxSZX && 16<<(szx+1) <= n {
		szx++
	}
	return szx
}

// BlockContext tracks the position of a single block-wise transfer. It is
// owned by one Operation and reused for every exchange of that transfer.
type BlockContext struct {
	// BlockSize is the transfer block size, a power of two in 16..1024.
	BlockSize int
	// TotalSize is the announced size of the representation, zero when
	// unknown.
	TotalSize int
	// Offset is the byte offset of the next block to exchange.
	Offset int
	// Final is set once the last block has been exchanged.
	Final bool
}

// NewBlockContext returns a context for transfers using 16<<szx byte
// blocks.
func NewBlockContext(szx uint8) BlockContext {
	if szx > MaxSZX {
		szx = MaxSZX
	}
	return BlockContext{BlockSize: 16 << szx}
}

// SZX returns the size exponent matching BlockSize.
func (c *BlockContext) SZX() uint8 {
	return SZXForSize(c.BlockSize)
}

// Num returns the number of the block at Offset.
func (c *BlockContext) Num() uint32 {
	return uint32(c.Offset / c.BlockSize)
}

// Reset rewinds the transfer to block 0, keeping the block size.
func (c *BlockContext) Reset() {
	c.TotalSize = 0
	c.Offset = 0
	c.Final = false
}

// advance moves past the block just exchanged.
func (c *BlockContext) advance(n int) error {
	c.Offset += n
	c.Final = false
	if c.TotalSize != 0 && c.Offset > c.TotalSize {
		return fmt.Errorf("%w: offset %d beyond announced size %d", ErrProtocol, c.Offset, c.TotalSize)
	}
	return nil
}

// finish marks the transfer complete and rewinds it.
func (c *BlockContext) finish() {
	c.Offset = 0
	c.TotalSize = 0
	c.Final = true
}

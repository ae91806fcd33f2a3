// Copyright (c) 2025 The Zaparoo Project.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of go-chd.
//
// go-chd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-chd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-chd.  If not, see <https://www.gnu.org/licenses/>.

package chd

// bitReader reads bits from a byte slice, most significant bit first.
//
// Reads past the end of the data yield zero bits rather than failing
// immediately; overflow() reports whether that happened. Decoders check it
// once per unit of work, which keeps the hot path branch-free. CHD hunk
// lengths are always known up front, so overflow means corruption, never a
// normal end of stream.
type bitReader struct {
	data   []byte
	bits   uint64 // accumulated bits, MSB-first
	avail  int    // bits available in accumulator
	offset int    // byte offset of the next fill, counting virtual zero bytes
}

// newBitReader creates a bit reader over data.
func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// fill tops up the accumulator until at least need bits are buffered.
// Past the end of the data it appends zero bytes.
func (br *bitReader) fill(need int) {
	for br.avail < need {
		if br.offset < len(br.data) {
			br.bits = br.bits<<8 | uint64(br.data[br.offset])
		} else {
			br.bits <<= 8
		}
		br.offset++
		br.avail += 8
	}
}

// peek returns the next count bits (1-32) without consuming them.
func (br *bitReader) peek(count int) uint32 {
	if count == 0 {
		return 0
	}
	br.fill(count)
	return uint32(br.bits>>(br.avail-count)) & uint32((uint64(1)<<count)-1)
}

// remove consumes count bits previously returned by peek.
func (br *bitReader) remove(count int) {
	br.avail -= count
}

// read consumes and returns the next count bits (1-32).
func (br *bitReader) read(count int) uint32 {
	result := br.peek(count)
	br.avail -= count
	return result
}

// consumed returns the number of bits consumed so far, including any bits
// read past the end of the data.
func (br *bitReader) consumed() int {
	return br.offset*8 - br.avail
}

// overflow reports whether more bits were consumed than the data holds.
func (br *bitReader) overflow() bool {
	return br.consumed() > len(br.data)*8
}

// flush discards buffered bits up to the next byte boundary and returns the
// byte position of the next unread byte.
func (br *bitReader) flush() int {
	pos := (br.consumed() + 7) / 8
	br.offset = pos
	br.avail = 0
	br.bits = 0
	return pos
}

// readBytes copies len(dst) byte-aligned bytes from the stream, flushing any
// partial byte first. Returns false if the data runs out.
func (br *bitReader) readBytes(dst []byte) bool {
	pos := br.flush()
	if pos+len(dst) > len(br.data) {
		br.offset = len(br.data) + len(dst) // latch overflow
		return false
	}
	copy(dst, br.data[pos:pos+len(dst)])
	br.offset = pos + len(dst)
	return true
}

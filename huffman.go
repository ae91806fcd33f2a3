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

import "fmt"

// huffmanDecoder decodes canonical Huffman codes as used by the CHD V5
// compressed hunk map and the "huff" hunk codec. Codes are reconstructed
// from per-symbol code lengths alone: symbols are ordered by (length,
// symbol value) and code values assigned in increasing numeric order,
// processed from the longest length to the shortest.
type huffmanDecoder struct {
	lookup   []uint32
	nodeBits []uint8
	numCodes int
	maxBits  int
}

// newHuffmanDecoder creates a Huffman decoder for numCodes symbols with
// codes of at most maxBits bits.
func newHuffmanDecoder(numCodes, maxBits int) *huffmanDecoder {
	return &huffmanDecoder{
		numCodes: numCodes,
		maxBits:  maxBits,
		nodeBits: make([]uint8, numCodes),
		lookup:   make([]uint32, 1<<maxBits),
	}
}

// importTreeRLE imports a run-length-encoded code-length table. This is the
// form used by the V5 hunk map: each length is written in numBits bits, with
// the value 1 escaping either a literal 1 or a (value, repeat) pair.
func (hd *huffmanDecoder) importTreeRLE(br *bitReader) error {
	// Bits per node length scale with the tree's maximum code size.
	var numBits int
	switch {
	case hd.maxBits >= 16:
		numBits = 5
	case hd.maxBits >= 8:
		numBits = 4
	default:
		numBits = 3
	}

	curNode := 0
	for curNode < hd.numCodes {
		nodeBits := br.read(numBits)
		if nodeBits != 1 {
			hd.nodeBits[curNode] = uint8(nodeBits)
			curNode++
			continue
		}

		// Escape: either a literal 1 or a repeated value.
		nodeBits = br.read(numBits)
		if nodeBits == 1 {
			hd.nodeBits[curNode] = 1
			curNode++
			continue
		}
		repCount := int(br.read(numBits)) + 3
		if curNode+repCount > hd.numCodes {
			return fmt.Errorf("%w: RLE run of %d overruns %d codes", ErrInvalidTable, repCount, hd.numCodes)
		}
		for rep := 0; rep < repCount; rep++ {
			hd.nodeBits[curNode] = uint8(nodeBits)
			curNode++
		}
	}

	if br.overflow() {
		return fmt.Errorf("%w: huffman tree description", ErrOutOfData)
	}
	return hd.buildFromLengths()
}

// importTreeHuffman imports the two-level table encoding used by the "huff"
// hunk codec: a small tree of up to 24 symbols (3-bit lengths) is read
// first, then used to decode the main tree's code lengths, with zero
// symbols escaping RLE runs of the previous length.
func (hd *huffmanDecoder) importTreeHuffman(br *bitReader) error {
	small := newHuffmanDecoder(24, 6)
	small.nodeBits[0] = uint8(br.read(3))
	start := int(br.read(3)) + 1
	count := uint32(0)
	for index := 1; index < 24; index++ {
		if index < start || count == 7 {
			small.nodeBits[index] = 0
			continue
		}
		count = br.read(3)
		if count == 7 {
			small.nodeBits[index] = 0
		} else {
			small.nodeBits[index] = uint8(count)
		}
	}
	if err := small.buildFromLengths(); err != nil {
		return err
	}

	// An escaped RLE count is sized to span the remaining codes.
	rleFullBits := 0
	for temp := hd.numCodes - 9; temp != 0; temp >>= 1 {
		rleFullBits++
	}

	var last uint8
	curNode := 0
	for curNode < hd.numCodes {
		value := small.decodeOne(br)
		if value != 0 {
			last = uint8(value - 1)
			hd.nodeBits[curNode] = last
			curNode++
			continue
		}
		repCount := int(br.read(3)) + 2
		if repCount == 7+2 {
			repCount += int(br.read(rleFullBits))
		}
		if curNode+repCount > hd.numCodes {
			return fmt.Errorf("%w: RLE run of %d overruns %d codes", ErrInvalidTable, repCount, hd.numCodes)
		}
		for rep := 0; rep < repCount; rep++ {
			hd.nodeBits[curNode] = last
			curNode++
		}
	}

	if br.overflow() {
		return fmt.Errorf("%w: huffman tree description", ErrOutOfData)
	}
	return hd.buildFromLengths()
}

// buildFromLengths assigns canonical codes to the imported lengths and
// builds the lookup table.
func (hd *huffmanDecoder) buildFromLengths() error {
	codes, err := hd.assignCanonicalCodes()
	if err != nil {
		return err
	}
	hd.buildLookup(codes)
	return nil
}

// assignCanonicalCodes turns nodeBits into canonical code values, verifying
// that the lengths describe a complete, consistent prefix tree.
func (hd *huffmanDecoder) assignCanonicalCodes() ([]uint32, error) {
	// Histogram of code lengths.
	var bithisto [33]uint32
	numAssigned := 0
	for i := 0; i < hd.numCodes; i++ {
		bits := hd.nodeBits[i]
		if int(bits) > hd.maxBits {
			return nil, fmt.Errorf("%w: code length %d exceeds %d bits", ErrInvalidTable, bits, hd.maxBits)
		}
		if bits > 0 {
			bithisto[bits]++
			numAssigned++
		}
	}
	if numAssigned == 0 {
		return nil, fmt.Errorf("%w: no codes assigned", ErrInvalidTable)
	}

	// Determine the starting code for each length, longest first. A
	// complete tree halves cleanly at every level and collapses to a
	// single root; anything else is over- or under-subscribed.
	var curStart uint32
	for codeLen := 32; codeLen > 0; codeLen-- {
		nextStart := (curStart + bithisto[codeLen]) >> 1
		if codeLen != 1 && nextStart*2 != curStart+bithisto[codeLen] {
			return nil, fmt.Errorf("%w: over-subscribed at length %d", ErrInvalidTable, codeLen)
		}
		bithisto[codeLen] = curStart
		curStart = nextStart
	}
	if curStart != 1 {
		return nil, fmt.Errorf("%w: incomplete prefix tree", ErrInvalidTable)
	}

	// Assign codes in increasing numeric order per length, symbol order
	// within a length.
	codes := make([]uint32, hd.numCodes)
	for i := 0; i < hd.numCodes; i++ {
		bits := hd.nodeBits[i]
		if bits > 0 {
			codes[i] = bithisto[bits]
			if codes[i] >= 1<<bits {
				return nil, fmt.Errorf("%w: code overflows %d bits", ErrInvalidTable, bits)
			}
			bithisto[bits]++
		}
	}
	return codes, nil
}

// buildLookup fills the lookup table: each entry holds (symbol << 6) | bits
// for every maxBits-wide bit pattern starting with the symbol's code.
func (hd *huffmanDecoder) buildLookup(codes []uint32) {
	for i := 0; i < hd.numCodes; i++ {
		bits := int(hd.nodeBits[i])
		if bits == 0 {
			continue
		}
		value := uint32(i)<<6 | uint32(bits)
		shift := hd.maxBits - bits
		base := int(codes[i]) << shift
		end := int(codes[i]+1)<<shift - 1
		for j := base; j <= end; j++ {
			hd.lookup[j] = value
		}
	}
}

// decodeOne decodes a single symbol from the bit stream.
func (hd *huffmanDecoder) decodeOne(br *bitReader) uint32 {
	entry := hd.lookup[br.peek(hd.maxBits)]
	br.remove(int(entry & 0x3f))
	return entry >> 6
}

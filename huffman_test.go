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

import (
	"errors"
	"testing"
)

// With 16 symbols all four bits long, canonical assignment gives each
// symbol a code equal to its own value. Several tests lean on this.
func TestImportTreeRLEUniform(t *testing.T) {
	t.Parallel()

	bw := &bitWriter{}
	writeMapTreeUniform(bw)
	for _, sym := range []uint32{0, 7, 15, 3} {
		bw.write(sym, 4)
	}

	hd := newHuffmanDecoder(16, 8)
	br := newBitReader(bw.bytes())
	if err := hd.importTreeRLE(br); err != nil {
		t.Fatalf("importTreeRLE: %v", err)
	}

	for _, want := range []uint32{0, 7, 15, 3} {
		if got := hd.decodeOne(br); got != want {
			t.Errorf("decodeOne = %d, want %d", got, want)
		}
	}
}

func TestImportTreeRLERun(t *testing.T) {
	t.Parallel()

	// Escape (1) + value 4 + repeat count 13 -> 16 nodes of length 4.
	bw := &bitWriter{}
	bw.write(1, 4)
	bw.write(4, 4)
	bw.write(13, 4)
	bw.write(9, 4) // one symbol to decode afterwards

	hd := newHuffmanDecoder(16, 8)
	br := newBitReader(bw.bytes())
	if err := hd.importTreeRLE(br); err != nil {
		t.Fatalf("importTreeRLE: %v", err)
	}
	if got := hd.decodeOne(br); got != 9 {
		t.Errorf("decodeOne = %d, want 9", got)
	}
}

func TestImportTreeRLELiteralOne(t *testing.T) {
	t.Parallel()

	// Escape followed by another 1 encodes a literal length of 1.
	bw := &bitWriter{}
	bw.write(1, 4)
	bw.write(1, 4)
	bw.write(1, 4)
	bw.write(1, 4)

	hd := newHuffmanDecoder(2, 8)
	br := newBitReader(bw.bytes())
	if err := hd.importTreeRLE(br); err != nil {
		t.Fatalf("importTreeRLE: %v", err)
	}
	if hd.nodeBits[0] != 1 || hd.nodeBits[1] != 1 {
		t.Errorf("nodeBits = %v, want [1 1]", hd.nodeBits)
	}
}

func TestImportTreeRLEOverrun(t *testing.T) {
	t.Parallel()

	// Run of 3+13 nodes into a 4-code table.
	bw := &bitWriter{}
	bw.write(1, 4)
	bw.write(2, 4)
	bw.write(13, 4)

	hd := newHuffmanDecoder(4, 8)
	err := hd.importTreeRLE(newBitReader(bw.bytes()))
	if !errors.Is(err, ErrInvalidTable) {
		t.Errorf("err = %v, want ErrInvalidTable", err)
	}
}

func TestImportTreeRLETruncated(t *testing.T) {
	t.Parallel()

	hd := newHuffmanDecoder(16, 8)
	err := hd.importTreeRLE(newBitReader([]byte{0x44}))
	if !errors.Is(err, ErrOutOfData) {
		t.Errorf("err = %v, want ErrOutOfData", err)
	}
}

func TestAssignCanonicalCodesInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		lengths []uint8
	}{
		{"over-subscribed", []uint8{2, 2, 2, 2, 2}},
		{"incomplete", []uint8{2, 0, 0, 0}},
		{"single code", []uint8{1, 0}},
		{"too many at length 1", []uint8{1, 1, 1}},
		{"no codes", []uint8{0, 0, 0}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hd := newHuffmanDecoder(len(tt.lengths), 8)
			copy(hd.nodeBits, tt.lengths)
			if _, err := hd.assignCanonicalCodes(); !errors.Is(err, ErrInvalidTable) {
				t.Errorf("err = %v, want ErrInvalidTable", err)
			}
		})
	}
}

func TestAssignCanonicalCodesComplete(t *testing.T) {
	t.Parallel()

	// Lengths {1,2,3,3}: codes 0, 10, 110, 111.
	hd := newHuffmanDecoder(4, 8)
	copy(hd.nodeBits, []uint8{1, 2, 3, 3})
	codes, err := hd.assignCanonicalCodes()
	if err != nil {
		t.Fatalf("assignCanonicalCodes: %v", err)
	}
	want := []uint32{0, 2, 6, 7}
	for i, code := range codes {
		if code != want[i] {
			t.Errorf("codes[%d] = %b, want %b", i, code, want[i])
		}
	}
}

func TestDecodeVariableLengths(t *testing.T) {
	t.Parallel()

	hd := newHuffmanDecoder(4, 8)
	copy(hd.nodeBits, []uint8{1, 2, 3, 3})
	if err := hd.buildFromLengths(); err != nil {
		t.Fatalf("buildFromLengths: %v", err)
	}

	// Symbols 2, 0, 3, 1 as codes 110 0 111 10.
	bw := &bitWriter{}
	bw.write(0b110, 3)
	bw.write(0b0, 1)
	bw.write(0b111, 3)
	bw.write(0b10, 2)

	br := newBitReader(bw.bytes())
	for _, want := range []uint32{2, 0, 3, 1} {
		if got := hd.decodeOne(br); got != want {
			t.Errorf("decodeOne = %d, want %d", got, want)
		}
	}
	if br.overflow() {
		t.Error("unexpected overflow")
	}
}

// writeHuffTableUniform writes the two-level table form used by the huff
// codec, describing 256 symbols that are all eight bits: decoded codes then
// equal their symbol values.
//
// The small pre-tree gives symbol 0 and symbol 9 one-bit codes (0 and 1);
// symbol 9 sets the running length to 8, symbol 0 escapes to an RLE run
// covering the remaining 255 entries.
func writeHuffTableUniform(bw *bitWriter) {
	bw.write(1, 3) // small tree: node 0 length 1
	bw.write(7, 3) // start at node 8
	bw.write(0, 3) // node 8: unused
	bw.write(1, 3) // node 9: length 1
	bw.write(7, 3) // terminate remaining nodes

	bw.write(1, 1)   // symbol 9 -> length 8 for main node 0
	bw.write(0, 1)   // symbol 0 -> RLE
	bw.write(7, 3)   // run 9, escape
	bw.write(246, 8) // plus 246 -> 255 more nodes of length 8
}

func TestImportTreeHuffman(t *testing.T) {
	t.Parallel()

	bw := &bitWriter{}
	writeHuffTableUniform(bw)
	for _, sym := range []uint32{0x00, 0x42, 0xFF} {
		bw.write(sym, 8)
	}

	hd := newHuffmanDecoder(256, 16)
	br := newBitReader(bw.bytes())
	if err := hd.importTreeHuffman(br); err != nil {
		t.Fatalf("importTreeHuffman: %v", err)
	}

	for _, want := range []uint32{0x00, 0x42, 0xFF} {
		if got := hd.decodeOne(br); got != want {
			t.Errorf("decodeOne = %#x, want %#x", got, want)
		}
	}
}

func TestImportTreeHuffmanTruncated(t *testing.T) {
	t.Parallel()

	hd := newHuffmanDecoder(256, 16)
	err := hd.importTreeHuffman(newBitReader([]byte{0x2E}))
	if err == nil {
		t.Fatal("importTreeHuffman succeeded on truncated input")
	}
}

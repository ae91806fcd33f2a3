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
	"bytes"
	"compress/flate"
	"encoding/binary"
	"testing"
)

// bitWriter is the test-side counterpart of bitReader: MSB-first bit
// packing with zero padding on flush.
type bitWriter struct {
	buf   []byte
	bits  uint64
	avail int
}

func (bw *bitWriter) write(value uint32, count int) {
	bw.bits = bw.bits<<count | uint64(value)&(uint64(1)<<count-1)
	bw.avail += count
	for bw.avail >= 8 {
		bw.buf = append(bw.buf, byte(bw.bits>>(bw.avail-8)))
		bw.avail -= 8
	}
}

func (bw *bitWriter) bytes() []byte {
	if bw.avail > 0 {
		bw.buf = append(bw.buf, byte(bw.bits<<(8-bw.avail)))
		bw.avail = 0
	}
	return bw.buf
}

// deflateBytes compresses data with raw deflate, as stored by the zlib
// codec and subchannel streams.
func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}
	return buf.Bytes()
}

// writeMapTreeUniform writes a 16-symbol code-length table where every
// symbol has a 4-bit code, so decoded codes equal their symbol values.
// This is the table form the V5 map's importTreeRLE expects.
func writeMapTreeUniform(bw *bitWriter) {
	for rep := 0; rep < 16; rep++ {
		bw.write(4, 4)
	}
}

// testHunk describes one hunk for buildTestCHD.
type testHunk struct {
	compType uint8
	data     []byte // decompressed content for codec0/none hunks
	target   uint32 // referenced hunk for self entries
}

// buildTestCHD assembles a complete V5 CHD image in memory: header,
// compressed hunk map, and payload. Codec hunks are deflate-compressed
// (codec slot 0 is zlib). Field widths are fixed at 16 bits.
func buildTestCHD(t *testing.T, hunkBytes uint32, logicalBytes uint64, hunks []testHunk) []byte {
	t.Helper()
	return buildTestCHDWithUnits(t, hunkBytes, hunkBytes, logicalBytes, hunks)
}

// buildTestCHDWithUnits is buildTestCHD with an explicit unit size, for
// images holding CD-style frames.
func buildTestCHDWithUnits(t *testing.T, hunkBytes, unitBytes uint32, logicalBytes uint64, hunks []testHunk) []byte {
	t.Helper()

	const headerSize = headerSizeV5
	const lengthBits, selfBits, parentBits = 16, 16, 16

	// Compress codec payloads up front so lengths are known.
	payloads := make([][]byte, len(hunks))
	for i, h := range hunks {
		switch h.compType {
		case hunkTypeCodec0:
			payloads[i] = deflateBytes(t, h.data)
		case hunkTypeNone:
			payloads[i] = h.data
		}
	}

	// Bit stream: code-length table, entry types, then conditional fields.
	bw := &bitWriter{}
	writeMapTreeUniform(bw)
	for _, h := range hunks {
		bw.write(uint32(h.compType), 4)
	}
	for i, h := range hunks {
		switch h.compType {
		case hunkTypeCodec0:
			bw.write(uint32(len(payloads[i])), lengthBits)
			bw.write(uint32(crc16(h.data)), 16)
		case hunkTypeNone:
			bw.write(uint32(crc16(h.data)), 16)
		case hunkTypeSelf:
			bw.write(h.target, selfBits)
		default:
			t.Fatalf("unsupported test hunk type %d", h.compType)
		}
	}
	compMap := bw.bytes()

	firstOffset := uint64(headerSize) + 16 + uint64(len(compMap))

	// Raw map mirror for the checksum, matching the decoder's layout.
	rawMap := make([]byte, len(hunks)*rawMapEntryLen)
	curOffset := firstOffset
	for i, h := range hunks {
		var length uint32
		offset := curOffset
		var crc uint16
		switch h.compType {
		case hunkTypeCodec0:
			length = uint32(len(payloads[i]))
			crc = crc16(h.data)
			curOffset += uint64(length)
		case hunkTypeNone:
			length = hunkBytes
			crc = crc16(h.data)
			curOffset += uint64(length)
		case hunkTypeSelf:
			offset = uint64(h.target)
		}
		raw := rawMap[i*rawMapEntryLen:]
		raw[0] = h.compType
		raw[1] = byte(length >> 16)
		raw[2] = byte(length >> 8)
		raw[3] = byte(length)
		for j := 0; j < 6; j++ {
			raw[4+j] = byte(offset >> (40 - 8*j))
		}
		binary.BigEndian.PutUint16(raw[10:12], crc)
	}

	var file bytes.Buffer

	// Header.
	header := make([]byte, headerSize)
	copy(header, chdMagic[:])
	binary.BigEndian.PutUint32(header[8:12], headerSize)
	binary.BigEndian.PutUint32(header[12:16], 5)
	binary.BigEndian.PutUint32(header[16:20], CodecZlib)
	binary.BigEndian.PutUint64(header[32:40], logicalBytes)
	binary.BigEndian.PutUint64(header[40:48], headerSize) // map offset
	binary.BigEndian.PutUint64(header[48:56], 0)          // meta offset
	binary.BigEndian.PutUint32(header[56:60], hunkBytes)
	binary.BigEndian.PutUint32(header[60:64], unitBytes)
	file.Write(header)

	// Map header.
	mapHeader := make([]byte, 16)
	binary.BigEndian.PutUint32(mapHeader[0:4], uint32(len(compMap)))
	for j := 0; j < 6; j++ {
		mapHeader[4+j] = byte(firstOffset >> (40 - 8*j))
	}
	binary.BigEndian.PutUint16(mapHeader[10:12], crc16(rawMap))
	mapHeader[12] = lengthBits
	mapHeader[13] = selfBits
	mapHeader[14] = parentBits
	file.Write(mapHeader)

	file.Write(compMap)
	for i, h := range hunks {
		if h.compType == hunkTypeCodec0 || h.compType == hunkTypeNone {
			file.Write(payloads[i])
		}
	}
	return file.Bytes()
}

// openTestCHD builds a V5 image and opens it.
func openTestCHD(t *testing.T, hunkBytes uint32, logicalBytes uint64, hunks []testHunk) *CHD {
	t.Helper()
	c, err := OpenReaderAt(bytes.NewReader(buildTestCHD(t, hunkBytes, logicalBytes, hunks)))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	return c
}

// patternHunk fills a hunk-sized buffer with a deterministic byte pattern.
func patternHunk(size uint32, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i*7)
	}
	return data
}

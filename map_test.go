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
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseMapV5(t *testing.T) {
	t.Parallel()

	hunk0 := patternHunk(4096, 11)
	hunk1 := patternHunk(4096, 12)
	file := buildTestCHD(t, 4096, 3*4096, []testHunk{
		{compType: hunkTypeCodec0, data: hunk0},
		{compType: hunkTypeNone, data: hunk1},
		{compType: hunkTypeSelf, target: 0},
	})

	header, err := parseHeader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	hm, err := parseHunkMap(bytes.NewReader(file), header)
	if err != nil {
		t.Fatalf("parseHunkMap: %v", err)
	}

	if hm.NumHunks() != 3 {
		t.Fatalf("NumHunks = %d, want 3", hm.NumHunks())
	}
	if e := hm.entries[0]; e.CompType != hunkTypeCodec0 || !e.Verify || uint16(e.CRC) != crc16(hunk0) {
		t.Errorf("entry 0 = %+v", e)
	}
	if e := hm.entries[1]; e.CompType != hunkTypeNone || e.CompLength != 4096 {
		t.Errorf("entry 1 = %+v", e)
	}
	if e := hm.entries[2]; e.CompType != hunkTypeSelf || e.Offset != 0 || e.Verify {
		t.Errorf("entry 2 = %+v", e)
	}

	// Consecutive payloads: entry 1 starts where entry 0's payload ends.
	if want := hm.entries[0].Offset + uint64(hm.entries[0].CompLength); hm.entries[1].Offset != want {
		t.Errorf("entry 1 offset = %d, want %d", hm.entries[1].Offset, want)
	}
}

func TestParseMapV5BadChecksum(t *testing.T) {
	t.Parallel()

	file := buildTestCHD(t, 4096, 4096, []testHunk{
		{compType: hunkTypeNone, data: patternHunk(4096, 13)},
	})
	// Flip a bit in the stored map CRC.
	file[headerSizeV5+10] ^= 0x01

	header, err := parseHeader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if _, err := parseHunkMap(bytes.NewReader(file), header); !errors.Is(err, ErrInvalidMap) {
		t.Errorf("err = %v, want ErrInvalidMap", err)
	}
}

func TestParseMapV5SelfOutOfRange(t *testing.T) {
	t.Parallel()

	file := buildTestCHD(t, 4096, 2*4096, []testHunk{
		{compType: hunkTypeNone, data: patternHunk(4096, 14)},
		{compType: hunkTypeSelf, target: 9},
	})

	header, err := parseHeader(bytes.NewReader(file))
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if _, err := parseHunkMap(bytes.NewReader(file), header); !errors.Is(err, ErrInvalidMap) {
		t.Errorf("err = %v, want ErrInvalidMap", err)
	}
}

func TestParseMapV5SelfNotBackward(t *testing.T) {
	t.Parallel()

	// Self references may only point backward; a hunk aliasing itself or a
	// later hunk would form a cycle.
	for _, target := range []uint32{0, 1} {
		file := buildTestCHD(t, 4096, 2*4096, []testHunk{
			{compType: hunkTypeSelf, target: target},
			{compType: hunkTypeNone, data: patternHunk(4096, 15)},
		})
		if _, err := OpenReaderAt(bytes.NewReader(file)); !errors.Is(err, ErrInvalidMap) {
			t.Errorf("target %d: err = %v, want ErrInvalidMap", target, err)
		}
	}
}

func TestParseMapV5Uncompressed(t *testing.T) {
	t.Parallel()

	// Uncompressed V5: no codecs, 4-byte block numbers after the header.
	header := &Header{
		Version:      5,
		HunkBytes:    4096,
		UnitBytes:    4096,
		LogicalBytes: 2 * 4096,
		MapOffset:    headerSizeV5,
	}

	file := make([]byte, headerSizeV5+8)
	binary.BigEndian.PutUint32(file[headerSizeV5:], 7)
	binary.BigEndian.PutUint32(file[headerSizeV5+4:], 3)

	hm, err := parseHunkMap(bytes.NewReader(file), header)
	if err != nil {
		t.Fatalf("parseHunkMap: %v", err)
	}
	if hm.entries[0].Offset != 7*4096 || hm.entries[1].Offset != 3*4096 {
		t.Errorf("offsets = %d, %d", hm.entries[0].Offset, hm.entries[1].Offset)
	}
	if hm.entries[0].CompType != hunkTypeNone {
		t.Errorf("CompType = %d, want none", hm.entries[0].CompType)
	}
}

func TestParseMapV4(t *testing.T) {
	t.Parallel()

	header := &Header{
		Version:     4,
		HunkBytes:   4096,
		UnitBytes:   2448,
		TotalHunks:  3,
		Compression: 1,
		MapOffset:   headerSizeV4,
	}

	buf := make([]byte, headerSizeV4+3*16)
	writeEntry := func(i int, offset uint64, crc, length uint32, flags byte) {
		raw := buf[headerSizeV4+i*16:]
		binary.BigEndian.PutUint64(raw[0:8], offset)
		binary.BigEndian.PutUint32(raw[8:12], crc)
		binary.BigEndian.PutUint16(raw[12:14], uint16(length&0xFFFF))
		raw[14] = byte(length >> 16)
		raw[15] = flags
	}
	writeEntry(0, 500, 0xDEADBEEF, 1000, 0x01)        // compressed
	writeEntry(1, 1500, 0xCAFEF00D, 4096, 0x02)       // uncompressed
	writeEntry(2, 0x0102030405060708, 0, 0, 0x03|0x10) // mini, no CRC

	hm, err := parseHunkMap(bytes.NewReader(buf), header)
	if err != nil {
		t.Fatalf("parseHunkMap: %v", err)
	}

	if e := hm.entries[0]; e.CompType != hunkTypeCodec0 || e.Offset != 500 ||
		e.CompLength != 1000 || e.CRC != 0xDEADBEEF || !e.Verify {
		t.Errorf("entry 0 = %+v", e)
	}
	if e := hm.entries[1]; e.CompType != hunkTypeNone || !e.Verify {
		t.Errorf("entry 1 = %+v", e)
	}
	if e := hm.entries[2]; e.CompType != hunkTypeMini || e.Offset != 0x0102030405060708 || e.Verify {
		t.Errorf("entry 2 = %+v", e)
	}
}

func TestParseMapV4BadType(t *testing.T) {
	t.Parallel()

	header := &Header{
		Version:    4,
		HunkBytes:  4096,
		TotalHunks: 1,
		MapOffset:  headerSizeV4,
	}
	buf := make([]byte, headerSizeV4+16)
	buf[headerSizeV4+15] = 0x0F

	if _, err := parseHunkMap(bytes.NewReader(buf), header); !errors.Is(err, ErrInvalidMap) {
		t.Errorf("err = %v, want ErrInvalidMap", err)
	}
}

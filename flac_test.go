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
	"encoding/binary"
	"errors"
	"testing"
)

// buildFrameHeader assembles a FLAC frame header for the given codes and
// appends its CRC-8.
func buildFrameHeader(blockSizeCode, chanAssign, sampleSizeCode uint32, extra []byte) []byte {
	header := []byte{
		0xFF, 0xF8, // sync, reserved 0, fixed block size
		byte(blockSizeCode<<4 | 9), // sample rate code 9 (44.1kHz)
		byte(chanAssign<<4 | sampleSizeCode<<1),
		0x00, // frame number 0
	}
	header = append(header, extra...)
	return append(header, crc8(header))
}

func TestFLACConstantSubframe(t *testing.T) {
	t.Parallel()

	// Mono, 16-bit, block size 16 via the 8-bit block size code.
	stream := buildFrameHeader(6, 0, 4, []byte{15})

	bw := &bitWriter{buf: stream}
	bw.write(0, 8)           // subframe header: constant, no wasted bits
	bw.write(0x1234, 16)      // constant value
	data := bw.bytes()        // frame body is byte aligned here
	data = append(data, 0, 0) // frame CRC-16, not checked

	dst := make([]byte, 16*2)
	fd := newFLACDecoder(data, 1, 16)
	consumed, err := fd.decodeInto(dst)
	if err != nil {
		t.Fatalf("decodeInto: %v", err)
	}
	if consumed != len(data) {
		t.Errorf("consumed = %d, want %d", consumed, len(data))
	}
	for i := 0; i < len(dst); i += 2 {
		if got := binary.BigEndian.Uint16(dst[i:]); got != 0x1234 {
			t.Fatalf("sample %d = %#04x, want 0x1234", i/2, got)
		}
	}
}

func TestFLACVerbatimSubframe(t *testing.T) {
	t.Parallel()

	samples := []uint16{0x0001, 0x8000, 0x7FFF, 0xFFFF}
	stream := buildFrameHeader(6, 0, 4, []byte{3})

	bw := &bitWriter{buf: stream}
	bw.write(0b00000010, 8) // verbatim subframe
	for _, s := range samples {
		bw.write(uint32(s), 16)
	}
	data := append(bw.bytes(), 0, 0)

	dst := make([]byte, len(samples)*2)
	fd := newFLACDecoder(data, 1, 16)
	if _, err := fd.decodeInto(dst); err != nil {
		t.Fatalf("decodeInto: %v", err)
	}
	for i, want := range samples {
		if got := binary.BigEndian.Uint16(dst[i*2:]); got != want {
			t.Errorf("sample %d = %#04x, want %#04x", i, got, want)
		}
	}
}

func TestFLACFixedSubframe(t *testing.T) {
	t.Parallel()

	// Fixed order 1: warmup 100, then residuals of +1 each. Rice parameter
	// 0 codes the zigzagged residual 2 as 001.
	stream := buildFrameHeader(6, 0, 4, []byte{3})

	bw := &bitWriter{buf: stream}
	bw.write(0b00010010, 8) // fixed subframe, order 1
	bw.write(100, 16)       // warmup sample
	bw.write(0, 2)          // residual method: 4-bit Rice
	bw.write(0, 4)          // partition order 0
	bw.write(0, 4)          // Rice parameter 0
	for rep := 0; rep < 3; rep++ {
		bw.write(0b001, 3) // quotient 2 -> zigzag -> +1
	}
	data := append(bw.bytes(), 0, 0)

	dst := make([]byte, 4*2)
	fd := newFLACDecoder(data, 1, 16)
	if _, err := fd.decodeInto(dst); err != nil {
		t.Fatalf("decodeInto: %v", err)
	}
	for i, want := range []uint16{100, 101, 102, 103} {
		if got := binary.BigEndian.Uint16(dst[i*2:]); got != want {
			t.Errorf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestFLACStereoFrame(t *testing.T) {
	t.Parallel()

	// Two independent channels, 588 samples (one CD sector) via the 16-bit
	// block size code.
	stream := buildFrameHeader(7, 1, 4, []byte{0x02, 0x4B})

	bw := &bitWriter{buf: stream}
	bw.write(0, 8)
	bw.write(0x1122, 16)
	bw.write(0, 8)
	bw.write(0x3344, 16)
	data := append(bw.bytes(), 0, 0)

	dst := make([]byte, 588*4)
	fd := newFLACDecoder(data, 2, 16)
	if _, err := fd.decodeInto(dst); err != nil {
		t.Fatalf("decodeInto: %v", err)
	}
	if got := binary.BigEndian.Uint16(dst[0:]); got != 0x1122 {
		t.Errorf("left sample = %#04x, want 0x1122", got)
	}
	if got := binary.BigEndian.Uint16(dst[2:]); got != 0x3344 {
		t.Errorf("right sample = %#04x, want 0x3344", got)
	}
	if got := binary.BigEndian.Uint16(dst[588*4-4:]); got != 0x1122 {
		t.Errorf("last left sample = %#04x, want 0x1122", got)
	}
}

func TestFLACBadSync(t *testing.T) {
	t.Parallel()

	fd := newFLACDecoder([]byte{0x00, 0x00, 0x00, 0x00}, 1, 16)
	_, err := fd.decodeInto(make([]byte, 4))
	if !errors.Is(err, ErrDecompressFailed) {
		t.Errorf("err = %v, want ErrDecompressFailed", err)
	}
}

func TestFLACHeaderCRCMismatch(t *testing.T) {
	t.Parallel()

	stream := buildFrameHeader(6, 0, 4, []byte{15})
	stream[len(stream)-1] ^= 0xFF // corrupt the CRC-8

	bw := &bitWriter{buf: stream}
	bw.write(0, 8)
	bw.write(0x1234, 16)
	data := append(bw.bytes(), 0, 0)

	fd := newFLACDecoder(data, 1, 16)
	_, err := fd.decodeInto(make([]byte, 32))
	if !errors.Is(err, ErrDecompressFailed) {
		t.Errorf("err = %v, want ErrDecompressFailed", err)
	}
}

func TestFLACTruncatedStream(t *testing.T) {
	t.Parallel()

	// Valid header promising 16 samples, then nothing.
	stream := buildFrameHeader(6, 0, 4, []byte{15})
	fd := newFLACDecoder(stream, 1, 16)
	_, err := fd.decodeInto(make([]byte, 32))
	if err == nil {
		t.Fatal("decodeInto succeeded on truncated stream")
	}
}

func TestCRC8(t *testing.T) {
	t.Parallel()

	// Standard check value for CRC-8/SMBUS ("123456789" -> 0xF4).
	if got := crc8([]byte("123456789")); got != 0xF4 {
		t.Errorf("crc8 = %#02x, want 0xF4", got)
	}
}

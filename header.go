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
	"fmt"
	"io"
)

// CHD format magic word.
var chdMagic = [8]byte{'M', 'C', 'o', 'm', 'p', 'r', 'H', 'D'}

// Header sizes for the supported CHD versions.
const (
	headerSizeV3 = 120
	headerSizeV4 = 108
	headerSizeV5 = 124
)

// defaultUnitBytes is the raw CD sector plus subchannel size, assumed for
// V3/V4 files which do not record a unit size.
const defaultUnitBytes = 2448

// Header is a parsed CHD file header. All versions share the magic, header
// size and version prefix; the field set that follows differs per version.
// The header is read once at open and immutable afterwards.
type Header struct {
	Magic        [8]byte   // "MComprHD"
	HeaderSize   uint32    // Header length in bytes
	Version      uint32    // CHD version (3, 4, or 5)
	Compressors  [4]uint32 // Compression codec tags (V5)
	LogicalBytes uint64    // Total uncompressed size
	MapOffset    uint64    // Offset to hunk map
	MetaOffset   uint64    // Offset to metadata
	HunkBytes    uint32    // Bytes per hunk
	UnitBytes    uint32    // Bytes per unit (sector size)
	RawSHA1      [20]byte  // SHA1 of raw data
	SHA1         [20]byte  // SHA1 of raw + metadata
	ParentSHA1   [20]byte  // Parent SHA1 (for delta CHDs)

	// V3/V4 specific fields
	Flags       uint32 // V3/V4 flags
	Compression uint32 // V3/V4 compression type
	TotalHunks  uint32 // V3/V4 total number of hunks
}

// parseHeader reads and parses a CHD header from the start of reader.
func parseHeader(reader io.Reader) (*Header, error) {
	// Magic and header size come first and are version-independent.
	prefix := make([]byte, 12)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	var header Header
	copy(header.Magic[:], prefix[:8])
	if header.Magic != chdMagic {
		return nil, ErrInvalidMagic
	}

	header.HeaderSize = binary.BigEndian.Uint32(prefix[8:12])
	remaining := int(header.HeaderSize) - 12
	if remaining <= 0 || header.HeaderSize > 1024 {
		return nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, header.HeaderSize)
	}

	buf := make([]byte, remaining)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	header.Version = binary.BigEndian.Uint32(buf[0:4])
	var err error
	switch header.Version {
	case 5:
		err = parseHeaderV5(&header, buf)
	case 4:
		err = parseHeaderV4(&header, buf)
	case 3:
		err = parseHeaderV3(&header, buf)
	default:
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, header.Version)
	}
	if err != nil {
		return nil, err
	}

	if err := header.validate(); err != nil {
		return nil, err
	}
	return &header, nil
}

// validate applies structural sanity checks shared by all versions.
func (h *Header) validate() error {
	if h.HunkBytes == 0 || h.HunkBytes > MaxHunkBytes {
		return fmt.Errorf("%w: hunk size %d", ErrInvalidHeader, h.HunkBytes)
	}
	if h.UnitBytes == 0 || h.UnitBytes > h.HunkBytes {
		return fmt.Errorf("%w: unit size %d for hunk size %d", ErrInvalidHeader, h.UnitBytes, h.HunkBytes)
	}
	if h.NumHunks() > MaxNumHunks {
		return fmt.Errorf("%w: too many hunks (%d > %d)", ErrInvalidHeader, h.NumHunks(), MaxNumHunks)
	}
	if h.MapOffset < uint64(h.HeaderSize) {
		return fmt.Errorf("%w: map offset %d inside header", ErrInvalidHeader, h.MapOffset)
	}
	return nil
}

// parseHeaderV5 parses a V5 CHD header. Layout after the 12-byte prefix:
//
//	Offset 0x10: Compressors 0-3 (4 x 4 bytes)
//	Offset 0x20: Logical bytes (8 bytes)
//	Offset 0x28: Map offset (8 bytes)
//	Offset 0x30: Meta offset (8 bytes)
//	Offset 0x38: Hunk bytes (4 bytes)
//	Offset 0x3C: Unit bytes (4 bytes)
//	Offset 0x40: Raw SHA1, SHA1, Parent SHA1 (3 x 20 bytes)
func parseHeaderV5(header *Header, buf []byte) error {
	if len(buf) < headerSizeV5-12 {
		return fmt.Errorf("%w: buffer too small for V5", ErrInvalidHeader)
	}

	for i := range header.Compressors {
		header.Compressors[i] = binary.BigEndian.Uint32(buf[4+i*4 : 8+i*4])
	}
	header.LogicalBytes = binary.BigEndian.Uint64(buf[20:28])
	header.MapOffset = binary.BigEndian.Uint64(buf[28:36])
	header.MetaOffset = binary.BigEndian.Uint64(buf[36:44])
	header.HunkBytes = binary.BigEndian.Uint32(buf[44:48])
	header.UnitBytes = binary.BigEndian.Uint32(buf[48:52])
	if header.UnitBytes == 0 {
		// Some writers leave the unit size blank; assume CD frames.
		header.UnitBytes = defaultUnitBytes
		if header.HunkBytes < header.UnitBytes {
			header.UnitBytes = header.HunkBytes
		}
	}
	copy(header.RawSHA1[:], buf[52:72])
	copy(header.SHA1[:], buf[72:92])
	copy(header.ParentSHA1[:], buf[92:112])
	return nil
}

// parseHeaderV4 parses a V4 CHD header. Layout after the 12-byte prefix:
//
//	Offset 0x10: Flags (4 bytes)
//	Offset 0x14: Compression (4 bytes)
//	Offset 0x18: Total hunks (4 bytes)
//	Offset 0x1C: Logical bytes (8 bytes)
//	Offset 0x24: Meta offset (8 bytes)
//	Offset 0x2C: Hunk bytes (4 bytes)
//	Offset 0x30: SHA1, Parent SHA1, Raw SHA1 (3 x 20 bytes)
func parseHeaderV4(header *Header, buf []byte) error {
	if len(buf) < headerSizeV4-12 {
		return fmt.Errorf("%w: buffer too small for V4", ErrInvalidHeader)
	}

	header.Flags = binary.BigEndian.Uint32(buf[4:8])
	header.Compression = binary.BigEndian.Uint32(buf[8:12])
	header.TotalHunks = binary.BigEndian.Uint32(buf[12:16])
	header.LogicalBytes = binary.BigEndian.Uint64(buf[16:24])
	header.MetaOffset = binary.BigEndian.Uint64(buf[24:32])
	header.HunkBytes = binary.BigEndian.Uint32(buf[32:36])
	copy(header.SHA1[:], buf[36:56])
	copy(header.ParentSHA1[:], buf[56:76])
	copy(header.RawSHA1[:], buf[76:96])

	// V4 records no unit size and places the map right after the header.
	header.UnitBytes = defaultUnitBytes
	if header.HunkBytes < header.UnitBytes {
		header.UnitBytes = header.HunkBytes
	}
	header.MapOffset = uint64(header.HeaderSize)
	return nil
}

// parseHeaderV3 parses a V3 CHD header. Layout after the 12-byte prefix:
//
//	Offset 0x10: Flags (4 bytes)
//	Offset 0x14: Compression (4 bytes)
//	Offset 0x18: Total hunks (4 bytes)
//	Offset 0x1C: Logical bytes (8 bytes)
//	Offset 0x24: Meta offset (8 bytes)
//	Offset 0x2C: MD5, Parent MD5 (2 x 16 bytes, skipped)
//	Offset 0x4C: Hunk bytes (4 bytes)
//	Offset 0x50: SHA1, Parent SHA1 (2 x 20 bytes)
func parseHeaderV3(header *Header, buf []byte) error {
	if len(buf) < headerSizeV3-12 {
		return fmt.Errorf("%w: buffer too small for V3", ErrInvalidHeader)
	}

	header.Flags = binary.BigEndian.Uint32(buf[4:8])
	header.Compression = binary.BigEndian.Uint32(buf[8:12])
	header.TotalHunks = binary.BigEndian.Uint32(buf[12:16])
	header.LogicalBytes = binary.BigEndian.Uint64(buf[16:24])
	header.MetaOffset = binary.BigEndian.Uint64(buf[24:32])
	header.HunkBytes = binary.BigEndian.Uint32(buf[64:68])
	copy(header.SHA1[:], buf[68:88])
	copy(header.ParentSHA1[:], buf[88:108])

	header.UnitBytes = defaultUnitBytes
	if header.HunkBytes < header.UnitBytes {
		header.UnitBytes = header.HunkBytes
	}
	header.MapOffset = uint64(header.HeaderSize)
	return nil
}

// NumHunks returns the total number of hunks in the CHD file.
func (h *Header) NumHunks() uint32 {
	if h.TotalHunks > 0 {
		return h.TotalHunks
	}
	if h.HunkBytes == 0 {
		return 0
	}
	return uint32((h.LogicalBytes + uint64(h.HunkBytes) - 1) / uint64(h.HunkBytes))
}

// IsCompressed returns true if the CHD uses compression.
func (h *Header) IsCompressed() bool {
	if h.Version == 5 {
		return h.Compressors[0] != 0
	}
	return h.Compression != 0
}

// HasParent returns true for delta CHDs that require a parent file.
func (h *Header) HasParent() bool {
	for _, b := range h.ParentSHA1 {
		if b != 0 {
			return true
		}
	}
	return false
}

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

// Hunk map entry types. Values 0-13 are the V5 on-disk sentinels; the RLE
// and delta forms are resolved during parsing, so materialized entries only
// carry codec slots, none, self, parent, or mini.
const (
	hunkTypeCodec0     = 0  // Compressed with compressor 0
	hunkTypeCodec1     = 1  // Compressed with compressor 1
	hunkTypeCodec2     = 2  // Compressed with compressor 2
	hunkTypeCodec3     = 3  // Compressed with compressor 3
	hunkTypeNone       = 4  // Stored uncompressed
	hunkTypeSelf       = 5  // Back-reference to another hunk in this CHD
	hunkTypeParent     = 6  // Reference into a parent CHD
	hunkTypeRLESmall   = 7  // RLE: repeat last type (small count)
	hunkTypeRLELarge   = 8  // RLE: repeat last type (large count)
	hunkTypeSelf0      = 9  // Self reference, same target as last
	hunkTypeSelf1      = 10 // Self reference, last target + 1
	hunkTypeParentSelf = 11 // Parent reference to own position
	hunkTypeParent0    = 12 // Parent reference, same as last
	hunkTypeParent1    = 13 // Parent reference, last + 1
	hunkTypeMini       = 14 // V3/V4 only: 8-byte pattern fill
)

// rawMapEntryLen is the size of one decoded V5 map entry, the form the map
// checksum is computed over.
const rawMapEntryLen = 12

// hunkMapEntry is one immutable directory entry: where a hunk's payload
// lives, how it is compressed, and the digest of its decompressed content.
// For self and parent references, Offset holds the target index instead.
type hunkMapEntry struct {
	Offset     uint64
	CompLength uint32
	CRC        uint32 // CRC-16 (V5) or CRC-32 (V3/V4) of decompressed data
	CompType   uint8
	Verify     bool // CRC is populated and must match after decode
}

// hunkMap is the parsed per-hunk directory of a CHD file.
type hunkMap struct {
	entries []hunkMapEntry
}

// parseHunkMap reads and decodes the hunk map for the given header.
func parseHunkMap(reader io.ReaderAt, header *Header) (*hunkMap, error) {
	numHunks := header.NumHunks()
	hm := &hunkMap{entries: make([]hunkMapEntry, numHunks)}

	var err error
	switch header.Version {
	case 5:
		err = hm.parseV5(reader, header)
	case 4, 3:
		err = hm.parseV4(reader, header)
	default:
		err = fmt.Errorf("%w: version %d", ErrUnsupportedVersion, header.Version)
	}
	if err != nil {
		return nil, err
	}
	return hm, nil
}

// parseV5 decodes a V5 compressed hunk map.
//
// Map header (16 bytes at MapOffset):
//
//	Offset 0: Compressed map length (4 bytes)
//	Offset 4: First payload offset (6 bytes, 48-bit)
//	Offset 10: CRC-16 of the decoded raw map (2 bytes)
//	Offset 12: Bits per compressed length field (1 byte)
//	Offset 13: Bits per self-reference field (1 byte)
//	Offset 14: Bits per parent-reference field (1 byte)
//	Offset 15: Reserved (1 byte)
//
// The compressed stream holds Huffman/RLE-coded entry types followed by
// conditional per-entry fields. The decoded entries re-serialize to 12
// bytes each; that raw form is what the map CRC covers.
func (hm *hunkMap) parseV5(reader io.ReaderAt, header *Header) error {
	if !header.IsCompressed() {
		return hm.parseV5Uncompressed(reader, header)
	}

	mapHeader := make([]byte, 16)
	if _, err := reader.ReadAt(mapHeader, int64(header.MapOffset)); err != nil {
		return fmt.Errorf("read map header: %w", err)
	}

	compMapLen := binary.BigEndian.Uint32(mapHeader[0:4])
	if compMapLen == 0 || compMapLen > MaxCompMapLen {
		return fmt.Errorf("%w: compressed map length %d", ErrInvalidMap, compMapLen)
	}
	firstOffset := uint64(mapHeader[4])<<40 | uint64(mapHeader[5])<<32 |
		uint64(mapHeader[6])<<24 | uint64(mapHeader[7])<<16 |
		uint64(mapHeader[8])<<8 | uint64(mapHeader[9])
	mapCRC := binary.BigEndian.Uint16(mapHeader[10:12])
	lengthBits := int(mapHeader[12])
	selfBits := int(mapHeader[13])
	parentBits := int(mapHeader[14])
	if lengthBits > 32 || selfBits > 32 || parentBits > 32 {
		return fmt.Errorf("%w: field widths %d/%d/%d", ErrInvalidMap, lengthBits, selfBits, parentBits)
	}

	compMap := make([]byte, compMapLen)
	if _, err := reader.ReadAt(compMap, int64(header.MapOffset)+16); err != nil {
		return fmt.Errorf("read compressed map: %w", err)
	}

	br := newBitReader(compMap)
	decoder := newHuffmanDecoder(16, 8)
	if err := decoder.importTreeRLE(br); err != nil {
		return fmt.Errorf("%w: map tree: %w", ErrInvalidMap, err)
	}

	// Phase 1: entry types, with RLE runs repeating the previous type.
	numHunks := len(hm.entries)
	compTypes := make([]uint8, numHunks)
	var lastType uint8
	repCount := 0
	for hunkNum := 0; hunkNum < numHunks; hunkNum++ {
		if repCount > 0 {
			compTypes[hunkNum] = lastType
			repCount--
			continue
		}
		switch val := uint8(decoder.decodeOne(br)); val {
		case hunkTypeRLESmall:
			compTypes[hunkNum] = lastType
			repCount = 2 + int(decoder.decodeOne(br))
		case hunkTypeRLELarge:
			compTypes[hunkNum] = lastType
			repCount = 2 + 16 + int(decoder.decodeOne(br))<<4
			repCount += int(decoder.decodeOne(br))
		default:
			compTypes[hunkNum] = val
			lastType = val
		}
	}

	// Phase 2: conditional offset/length/CRC fields per entry. The decoded
	// entries are also re-serialized into their raw 12-byte form so the
	// map checksum can be verified.
	rawMap := make([]byte, numHunks*rawMapEntryLen)
	curOffset := firstOffset
	var lastSelf uint64
	var lastParent uint64

	for hunkNum := 0; hunkNum < numHunks; hunkNum++ {
		compType := compTypes[hunkNum]
		var length uint32
		var crc uint16
		offset := curOffset
		verify := false

		switch compType {
		case hunkTypeCodec0, hunkTypeCodec1, hunkTypeCodec2, hunkTypeCodec3:
			length = br.read(lengthBits)
			curOffset += uint64(length)
			crc = uint16(br.read(16))
			verify = true
		case hunkTypeNone:
			length = header.HunkBytes
			curOffset += uint64(length)
			crc = uint16(br.read(16))
			verify = true
		case hunkTypeSelf:
			lastSelf = uint64(br.read(selfBits))
			offset = lastSelf
		case hunkTypeParent:
			lastParent = uint64(br.read(parentBits))
			offset = lastParent
		case hunkTypeSelf0:
			offset = lastSelf
			compType = hunkTypeSelf
		case hunkTypeSelf1:
			lastSelf++
			offset = lastSelf
			compType = hunkTypeSelf
		case hunkTypeParentSelf:
			offset = uint64(hunkNum) * uint64(header.HunkBytes) / uint64(header.UnitBytes)
			lastParent = offset
			compType = hunkTypeParent
		case hunkTypeParent0:
			offset = lastParent
			compType = hunkTypeParent
		case hunkTypeParent1:
			lastParent += uint64(header.HunkBytes) / uint64(header.UnitBytes)
			offset = lastParent
			compType = hunkTypeParent
		default:
			return fmt.Errorf("%w: entry type %d for hunk %d", ErrInvalidMap, compType, hunkNum)
		}

		raw := rawMap[hunkNum*rawMapEntryLen:]
		raw[0] = compType
		raw[1] = byte(length >> 16)
		raw[2] = byte(length >> 8)
		raw[3] = byte(length)
		for i := 0; i < 6; i++ {
			raw[4+i] = byte(offset >> (40 - 8*i))
		}
		binary.BigEndian.PutUint16(raw[10:12], crc)

		hm.entries[hunkNum] = hunkMapEntry{
			CompType:   compType,
			CompLength: length,
			Offset:     offset,
			CRC:        uint32(crc),
			Verify:     verify,
		}
	}

	if br.overflow() {
		return fmt.Errorf("%w: %w", ErrInvalidMap, ErrOutOfData)
	}
	if actual := crc16(rawMap); actual != mapCRC {
		return fmt.Errorf("%w: map checksum %04x, expected %04x", ErrInvalidMap, actual, mapCRC)
	}
	return hm.validate(header)
}

// parseV5Uncompressed parses the raw V5 map used by uncompressed files:
// one 4-byte hunk number per entry, addressing hunk-sized blocks.
func (hm *hunkMap) parseV5Uncompressed(reader io.ReaderAt, header *Header) error {
	numHunks := len(hm.entries)
	mapData := make([]byte, numHunks*4)
	if _, err := reader.ReadAt(mapData, int64(header.MapOffset)); err != nil {
		return fmt.Errorf("read map: %w", err)
	}

	for i := 0; i < numHunks; i++ {
		blockNum := binary.BigEndian.Uint32(mapData[i*4 : i*4+4])
		hm.entries[i] = hunkMapEntry{
			CompType:   hunkTypeNone,
			CompLength: header.HunkBytes,
			Offset:     uint64(blockNum) * uint64(header.HunkBytes),
		}
	}
	return nil
}

// parseV4 parses a V3/V4 hunk map: 16 uncompressed bytes per entry.
//
//	Offset 0: Payload offset (8 bytes)
//	Offset 8: CRC-32 of decompressed data (4 bytes)
//	Offset 12: Length low 16 bits (2 bytes)
//	Offset 14: Length high 8 bits (1 byte)
//	Offset 15: Flags (1 byte): low nibble is the entry type,
//	           0x10 means the CRC is not populated
func (hm *hunkMap) parseV4(reader io.ReaderAt, header *Header) error {
	const entrySize = 16
	numHunks := len(hm.entries)
	mapData := make([]byte, numHunks*entrySize)
	if _, err := reader.ReadAt(mapData, int64(header.MapOffset)); err != nil {
		return fmt.Errorf("read V4 map: %w", err)
	}

	for i := 0; i < numHunks; i++ {
		raw := mapData[i*entrySize:]
		offset := binary.BigEndian.Uint64(raw[0:8])
		crc := binary.BigEndian.Uint32(raw[8:12])
		length := uint32(binary.BigEndian.Uint16(raw[12:14])) | uint32(raw[14])<<16
		flags := raw[15]

		entry := hunkMapEntry{
			Offset:     offset,
			CompLength: length,
			CRC:        crc,
			Verify:     flags&0x10 == 0,
		}
		switch flags & 0x0f {
		case 1:
			entry.CompType = hunkTypeCodec0
		case 2:
			entry.CompType = hunkTypeNone
		case 3:
			entry.CompType = hunkTypeMini
		case 4:
			entry.CompType = hunkTypeSelf
			entry.Verify = false
		case 5:
			entry.CompType = hunkTypeParent
			entry.Verify = false
		default:
			return fmt.Errorf("%w: entry type %d for hunk %d", ErrInvalidMap, flags&0x0f, i)
		}
		hm.entries[i] = entry
	}
	return hm.validate(header)
}

// validate checks that every entry's codec slot is declared in the header
// and that back-references stay inside the file.
func (hm *hunkMap) validate(header *Header) error {
	for i, entry := range hm.entries {
		switch entry.CompType {
		case hunkTypeCodec0, hunkTypeCodec1, hunkTypeCodec2, hunkTypeCodec3:
			if header.Version == 5 && header.Compressors[entry.CompType] == 0 {
				return fmt.Errorf("%w: hunk %d uses undeclared codec slot %d", ErrInvalidMap, i, entry.CompType)
			}
		case hunkTypeSelf:
			// Writers only ever emit back-references; a target at or past
			// the referencing hunk could form a cycle.
			if entry.Offset >= uint64(i) {
				return fmt.Errorf("%w: hunk %d self-reference to %d", ErrInvalidMap, i, entry.Offset)
			}
		}
	}
	return nil
}

// NumHunks returns the total number of hunks.
func (hm *hunkMap) NumHunks() uint32 {
	return uint32(len(hm.entries))
}

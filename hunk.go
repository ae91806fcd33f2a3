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
	"hash/crc32"
)

// ReadHunk reads and decompresses the hunk at the given index. The returned
// slice is the caller's to keep; the cached copy stays private.
func (c *CHD) ReadHunk(hunkNum uint32) ([]byte, error) {
	data, err := c.hunkData(hunkNum)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// hunkData returns the decoded hunk, served from cache when possible. The
// returned slice is shared with the cache and must not be modified.
func (c *CHD) hunkData(hunkNum uint32) ([]byte, error) {
	if hunkNum >= c.hunks.NumHunks() {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidHunk, hunkNum, c.hunks.NumHunks())
	}

	entry := c.hunks.entries[hunkNum]

	// Self references alias another hunk's content; serve the target
	// directly so the bytes are cached once.
	if entry.CompType == hunkTypeSelf {
		return c.hunkData(uint32(entry.Offset))
	}
	if entry.CompType == hunkTypeParent {
		return nil, fmt.Errorf("%w: hunk %d", ErrNoParent, hunkNum)
	}

	if data, ok := c.cache.get(hunkNum); ok {
		return data, nil
	}

	data, err := c.decodeHunk(hunkNum, entry)
	if err != nil {
		return nil, err
	}
	c.cache.put(hunkNum, data)
	return data, nil
}

// decodeHunk materializes one hunk from the file and verifies its digest.
// Hunks that fail verification are never cached.
func (c *CHD) decodeHunk(hunkNum uint32, entry hunkMapEntry) ([]byte, error) {
	dst := make([]byte, c.header.HunkBytes)

	switch entry.CompType {
	case hunkTypeCodec0, hunkTypeCodec1, hunkTypeCodec2, hunkTypeCodec3:
		if entry.CompLength == 0 || entry.CompLength > MaxHunkBytes {
			return nil, fmt.Errorf("%w: hunk %d compressed length %d", ErrInvalidMap, hunkNum, entry.CompLength)
		}
		src := make([]byte, entry.CompLength)
		if _, err := c.reader.ReadAt(src, int64(entry.Offset)); err != nil {
			return nil, fmt.Errorf("read hunk %d: %w", hunkNum, err)
		}
		c.cache.addDecode()
		if _, err := c.codecs.decode(int(entry.CompType), dst, src,
			int(c.header.HunkBytes), int(c.header.UnitBytes)); err != nil {
			return nil, fmt.Errorf("hunk %d: %w", hunkNum, err)
		}

	case hunkTypeNone:
		if _, err := c.reader.ReadAt(dst, int64(entry.Offset)); err != nil {
			return nil, fmt.Errorf("read hunk %d: %w", hunkNum, err)
		}

	case hunkTypeMini:
		// The offset field holds an 8-byte value that repeats through the
		// hunk.
		var pattern [8]byte
		binary.BigEndian.PutUint64(pattern[:], entry.Offset)
		for i := range dst {
			dst[i] = pattern[i%8]
		}

	default:
		return nil, fmt.Errorf("%w: hunk %d entry type %d", ErrInvalidMap, hunkNum, entry.CompType)
	}

	if entry.Verify {
		if err := c.verifyHunk(hunkNum, entry, dst); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// verifyHunk checks a decoded hunk against its map digest: CRC-16 for V5
// maps, CRC-32 for V3/V4.
func (c *CHD) verifyHunk(hunkNum uint32, entry hunkMapEntry, data []byte) error {
	if c.header.Version >= 5 {
		if actual := crc16(data); actual != uint16(entry.CRC) {
			return fmt.Errorf("%w: hunk %d digest %04x, expected %04x",
				ErrBadChecksum, hunkNum, actual, uint16(entry.CRC))
		}
		return nil
	}
	if actual := crc32.ChecksumIEEE(data); actual != entry.CRC {
		return fmt.Errorf("%w: hunk %d digest %08x, expected %08x",
			ErrBadChecksum, hunkNum, actual, entry.CRC)
	}
	return nil
}

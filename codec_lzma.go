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
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func init() {
	RegisterCodec(CodecLZMA, func(hunkBytes uint32) Codec { return &lzmaCodec{hunkBytes: hunkBytes} })
	RegisterCodec(CodecCDLZMA, func(uint32) Codec { return &cdLZMACodec{} })
}

// lzmaCodec implements LZMA decompression for CHD hunks. CHD stores a raw
// LZMA stream with no header; the encoder properties are fixed (lc=3, lp=0,
// pb=2) and the dictionary size is derived from the hunk size, so both
// sides can reconstruct them.
type lzmaCodec struct {
	hunkBytes uint32
}

// lzmaDictSize normalizes the dictionary size the way the LZMA encoder
// does for a reduce-size of hunkBytes: the smallest 2<<i or 3<<i that
// covers it.
func lzmaDictSize(hunkBytes uint32) uint32 {
	for i := uint32(11); i <= 30; i++ {
		if hunkBytes <= 2<<i {
			return 2 << i
		}
		if hunkBytes <= 3<<i {
			return 3 << i
		}
	}
	return 1 << 26
}

// lzmaPropsByte encodes lc=3, lp=0, pb=2: lc + lp*9 + pb*45.
const lzmaPropsByte = 0x5D

// Decompress decompresses a headerless LZMA stream. A standard 13-byte
// header (properties, dictionary size, uncompressed size) is synthesized so
// the stream can be fed to the lzma reader.
func (c *lzmaCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: lzma: empty source", ErrDecompressFailed)
	}

	hunkBytes := c.hunkBytes
	if hunkBytes == 0 {
		hunkBytes = uint32(len(dst))
	}

	full := make([]byte, 13+len(src))
	full[0] = lzmaPropsByte
	binary.LittleEndian.PutUint32(full[1:5], lzmaDictSize(hunkBytes))
	binary.LittleEndian.PutUint64(full[5:13], uint64(len(dst)))
	copy(full[13:], src)

	reader, err := lzma.NewReader(bytes.NewReader(full))
	if err != nil {
		return 0, fmt.Errorf("%w: lzma init: %w", ErrDecompressFailed, err)
	}

	n, err := io.ReadFull(reader, dst)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: lzma read: %w", ErrDecompressFailed, err)
	}
	return n, nil
}

// cdLZMACodec implements the cdlz codec: LZMA for sector data, deflate for
// the subchannel stream.
type cdLZMACodec struct{}

// Decompress delegates to DecompressCD assuming standard CD frame geometry.
func (c *cdLZMACodec) Decompress(dst, src []byte) (int, error) {
	return c.DecompressCD(dst, src, len(dst), len(dst)/cdFrameSize)
}

// DecompressCD decompresses CD-ROM data with sector/subchannel handling.
func (*cdLZMACodec) DecompressCD(dst, src []byte, destLen, frames int) (int, error) {
	pl, err := splitCDPayload(src, destLen, frames)
	if err != nil {
		return 0, fmt.Errorf("cdlz: %w", err)
	}

	// The sector sub-stream's LZMA properties derive from its own size,
	// not the containing hunk's.
	totalSectorBytes := frames * cdSectorSize
	sectorDst := make([]byte, totalSectorBytes)
	inner := &lzmaCodec{hunkBytes: uint32(totalSectorBytes)}
	if _, err := inner.Decompress(sectorDst, pl.baseData); err != nil {
		return 0, fmt.Errorf("cdlz sector: %w", err)
	}

	subDst := inflateSubchannel(pl.subData, frames*cdSubSize)
	return reassembleCDFrames(dst, pl, sectorDst, subDst, frames), nil
}

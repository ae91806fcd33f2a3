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

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterCodec(CodecZstd, func(uint32) Codec { return &zstdCodec{} })
	RegisterCodec(CodecCDZstd, func(uint32) Codec { return &cdZstdCodec{} })
}

// zstdCodec implements Zstandard decompression for CHD hunks. The decoder
// is created lazily and reused across hunks of the same container.
type zstdCodec struct {
	decoder *zstd.Decoder
}

func (z *zstdCodec) get() (*zstd.Decoder, error) {
	if z.decoder == nil {
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd init: %w", ErrDecompressFailed, err)
		}
		z.decoder = decoder
	}
	return z.decoder, nil
}

// Close releases the decoder. A later Decompress recreates it.
func (z *zstdCodec) Close() error {
	if z.decoder != nil {
		z.decoder.Close()
		z.decoder = nil
	}
	return nil
}

// Decompress decompresses Zstandard compressed data.
func (z *zstdCodec) Decompress(dst, src []byte) (int, error) {
	decoder, err := z.get()
	if err != nil {
		return 0, err
	}

	result, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("%w: zstd: %w", ErrDecompressFailed, err)
	}
	if len(result) > len(dst) {
		return 0, fmt.Errorf("%w: zstd: output %d exceeds hunk size %d", ErrDecompressFailed, len(result), len(dst))
	}
	if len(result) > 0 && &result[0] != &dst[0] {
		copy(dst, result)
	}
	return len(result), nil
}

// cdZstdCodec implements the cdzs codec: Zstandard for sector data,
// deflate for the subchannel stream.
//
// cdzs payload layout differs from cdzl/cdlz: a 4-byte big-endian length of
// the compressed sector stream, the sector stream, then the subchannel
// stream.
type cdZstdCodec struct {
	inner zstdCodec
}

// Close releases the inner decoder.
func (c *cdZstdCodec) Close() error {
	return c.inner.Close()
}

// Decompress delegates to DecompressCD assuming standard CD frame geometry.
func (c *cdZstdCodec) Decompress(dst, src []byte) (int, error) {
	return c.DecompressCD(dst, src, len(dst), len(dst)/cdFrameSize)
}

// DecompressCD decompresses CD-ROM data with sector/subchannel handling.
func (c *cdZstdCodec) DecompressCD(dst, src []byte, _, frames int) (int, error) {
	if len(src) < 4 {
		return 0, fmt.Errorf("%w: cdzs: source too small", ErrDecompressFailed)
	}
	baseLen := binary.BigEndian.Uint32(src[0:4])
	if int(baseLen) > len(src)-4 {
		return 0, fmt.Errorf("%w: cdzs: base length %d overruns payload", ErrDecompressFailed, baseLen)
	}

	decoder, err := c.inner.get()
	if err != nil {
		return 0, err
	}

	totalSectorBytes := frames * cdSectorSize
	sectorDst, err := decoder.DecodeAll(src[4:4+baseLen], make([]byte, 0, totalSectorBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: cdzs sector: %w", ErrDecompressFailed, err)
	}

	subDst := inflateSubchannel(src[4+baseLen:], frames*cdSubSize)
	return reassembleCDFrames(dst, cdPayload{}, sectorDst, subDst, frames), nil
}

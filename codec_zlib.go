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
	"errors"
	"fmt"
	"io"
)

func init() {
	RegisterCodec(CodecZlib, func(uint32) Codec { return &zlibCodec{} })
	RegisterCodec(CodecCDZlib, func(uint32) Codec { return &cdZlibCodec{} })
}

// zlibCodec implements deflate decompression for CHD hunks.
// Despite the tag name, CHD stores raw deflate (RFC 1951), not the zlib
// wrapper.
type zlibCodec struct{}

// Decompress decompresses deflate compressed data.
func (*zlibCodec) Decompress(dst, src []byte) (int, error) {
	reader := flate.NewReader(bytes.NewReader(src))
	defer func() { _ = reader.Close() }()

	n, err := io.ReadFull(reader, dst)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: zlib: %w", ErrDecompressFailed, err)
	}
	return n, nil
}

// cdZlibCodec implements the cdzl codec: deflate for sector data and for
// the subchannel stream, split per the CD payload layout.
type cdZlibCodec struct{}

// Decompress delegates to DecompressCD assuming standard CD frame geometry.
func (c *cdZlibCodec) Decompress(dst, src []byte) (int, error) {
	return c.DecompressCD(dst, src, len(dst), len(dst)/cdFrameSize)
}

// DecompressCD decompresses CD-ROM data with sector/subchannel handling.
func (*cdZlibCodec) DecompressCD(dst, src []byte, destLen, frames int) (int, error) {
	pl, err := splitCDPayload(src, destLen, frames)
	if err != nil {
		return 0, fmt.Errorf("cdzl: %w", err)
	}

	totalSectorBytes := frames * cdSectorSize
	sectorDst := make([]byte, totalSectorBytes)
	reader := flate.NewReader(bytes.NewReader(pl.baseData))
	_, err = io.ReadFull(reader, sectorDst)
	_ = reader.Close()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("%w: cdzl sector: %w", ErrDecompressFailed, err)
	}

	subDst := inflateSubchannel(pl.subData, frames*cdSubSize)
	return reassembleCDFrames(dst, pl, sectorDst, subDst, frames), nil
}

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
	"errors"
	"fmt"
	"io"
)

// CD frame geometry: 2352 bytes of sector data plus 96 bytes of subchannel.
const (
	cdSectorSize = 2352
	cdSubSize    = 96
	cdFrameSize  = cdSectorSize + cdSubSize
)

// cdSyncHeader is the standard CD-ROM sync pattern at the start of a raw
// data sector.
var cdSyncHeader = [12]byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

// eccFLut and eccBLut are the GF(2^8) tables for the CD Reed-Solomon
// product code (polynomial 0x11d): multiply-by-alpha and its paired
// recovery table.
var eccFLut, eccBLut = makeECCTables()

func makeECCTables() ([256]byte, [256]byte) {
	var f, b [256]byte
	for i := 0; i < 256; i++ {
		j := i << 1
		if i&0x80 != 0 {
			j ^= 0x11d
		}
		f[i] = byte(j)
		b[byte(i)^byte(j)] = byte(i)
	}
	return f, b
}

// eccSource reads one parity source byte. Offsets are relative to the
// sector header at byte 12; Mode2 sectors treat the four address bytes as
// zero.
func eccSource(sector []byte, offset int) byte {
	if sector[15] == 2 && offset < 4 {
		return 0
	}
	return sector[12+offset]
}

// eccComputeBlock computes one parity plane into the sector. Each of
// majorCount codewords covers minorCount source bytes, walked with the
// given start multiplier and stride, and yields two parity bytes.
func eccComputeBlock(sector []byte, majorCount, minorCount, majorMult, minorInc, destOffset int) {
	size := majorCount * minorCount
	for major := 0; major < majorCount; major++ {
		index := (major>>1)*majorMult + (major & 1)
		var eccA, eccB byte
		for minor := 0; minor < minorCount; minor++ {
			value := eccSource(sector, index)
			index += minorInc
			if index >= size {
				index -= size
			}
			eccA ^= value
			eccB ^= value
			eccA = eccFLut[eccA]
		}
		eccA = eccBLut[eccFLut[eccA]^eccB]
		sector[destOffset+major] = eccA
		sector[destOffset+majorCount+major] = eccA ^ eccB
	}
}

// eccGenerate regenerates the P and Q parity bytes of a raw 2352-byte
// sector. P must come first: the Q codewords span the P plane. The EDC is
// stored with the sector data, so only the parity planes need rebuilding.
func eccGenerate(sector []byte) {
	eccComputeBlock(sector, 86, 24, 2, 86, 0x81c)
	eccComputeBlock(sector, 52, 43, 86, 88, 0x8c8)
}

// cdPayload is a cdzl/cdlz hunk payload split into its parts:
//
//	ECC bitmap: (frames + 7) / 8 bytes, one bit per frame whose ECC
//	            bytes were stripped before compression
//	Base length: 2 bytes big-endian, or 3 bytes when the hunk is >= 64KB
//	Base data:   compressed sector payload
//	Sub data:    deflate-compressed subchannel payload (may be empty)
type cdPayload struct {
	eccBitmap []byte
	baseData  []byte
	subData   []byte
}

// splitCDPayload validates and slices a CD hunk payload.
func splitCDPayload(src []byte, destLen, frames int) (cdPayload, error) {
	compLenBytes := 2
	if destLen >= 65536 {
		compLenBytes = 3
	}
	eccBytes := (frames + 7) / 8
	headerBytes := eccBytes + compLenBytes

	if len(src) < headerBytes {
		return cdPayload{}, fmt.Errorf("%w: CD payload shorter than header", ErrDecompressFailed)
	}

	var baseLen int
	if compLenBytes > 2 {
		baseLen = int(src[eccBytes])<<16 | int(src[eccBytes+1])<<8 | int(src[eccBytes+2])
	} else {
		baseLen = int(binary.BigEndian.Uint16(src[eccBytes : eccBytes+2]))
	}
	if headerBytes+baseLen > len(src) {
		return cdPayload{}, fmt.Errorf("%w: CD base length %d overruns payload", ErrDecompressFailed, baseLen)
	}

	return cdPayload{
		eccBitmap: src[:eccBytes],
		baseData:  src[headerBytes : headerBytes+baseLen],
		subData:   src[headerBytes+baseLen:],
	}, nil
}

// inflateSubchannel decompresses the deflate-coded subchannel stream. A
// missing or broken subchannel is not fatal; it decodes to zeros, matching
// discs ripped without subcode data.
func inflateSubchannel(subData []byte, totalBytes int) []byte {
	subDst := make([]byte, totalBytes)
	if len(subData) == 0 || totalBytes == 0 {
		return subDst
	}

	reader := flate.NewReader(bytes.NewReader(subData))
	_, err := io.ReadFull(reader, subDst)
	_ = reader.Close()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return make([]byte, totalBytes)
	}
	return subDst
}

// reassembleCDFrames interleaves decompressed sector and subchannel data
// back into hunk layout. Frames whose ECC bit is set had their sync header
// and parity planes stripped before compression; both are reconstituted so
// the sector is bit-exact again and the hunk digest can verify.
func reassembleCDFrames(dst []byte, pl cdPayload, sectorData, subData []byte, frames int) int {
	dstOffset := 0
	for i := 0; i < frames; i++ {
		srcSectorOffset := i * cdSectorSize
		if srcSectorOffset+cdSectorSize <= len(sectorData) {
			copy(dst[dstOffset:], sectorData[srcSectorOffset:srcSectorOffset+cdSectorSize])
		}
		if len(pl.eccBitmap) > i/8 && pl.eccBitmap[i/8]&(1<<(i%8)) != 0 {
			copy(dst[dstOffset:], cdSyncHeader[:])
			eccGenerate(dst[dstOffset : dstOffset+cdSectorSize])
		}
		dstOffset += cdSectorSize

		srcSubOffset := i * cdSubSize
		if srcSubOffset+cdSubSize <= len(subData) {
			copy(dst[dstOffset:], subData[srcSubOffset:srcSubOffset+cdSubSize])
		}
		dstOffset += cdSubSize
	}
	return dstOffset
}

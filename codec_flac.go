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
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
)

func init() {
	RegisterCodec(CodecFLAC, func(hunkBytes uint32) Codec { return &flacCodec{hunkBytes: hunkBytes} })
	RegisterCodec(CodecCDFLAC, func(uint32) Codec { return &cdFLACCodec{} })
}

// flacCodec implements the "flac" hunk codec. The hunk payload is a single
// byte giving the stored sample endianness ('L' or 'B') followed by raw FLAC
// frames with no stream header; a synthetic STREAMINFO header is prepended
// so the stream parser accepts them.
type flacCodec struct {
	hunkBytes uint32
}

// flacBlockSize computes the encoder block size for a hunk of the given
// size: a quarter of the hunk, halved until it fits in 2048 samples.
func flacBlockSize(bytes int) uint16 {
	blockSize := bytes / 4
	for blockSize > 2048 {
		blockSize /= 2
	}
	return uint16(blockSize)
}

// Decompress decompresses a FLAC-coded hunk of 16-bit stereo samples.
func (c *flacCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("%w: flac: empty source", ErrDecompressFailed)
	}

	var bigEndian bool
	switch src[0] {
	case 'B':
		bigEndian = true
	case 'L':
		bigEndian = false
	default:
		return 0, fmt.Errorf("%w: flac: bad endianness marker %#02x", ErrDecompressFailed, src[0])
	}

	hunkBytes := int(c.hunkBytes)
	if hunkBytes == 0 {
		hunkBytes = len(dst)
	}
	header := buildFLACHeader(44100, 2, flacBlockSize(hunkBytes))

	cr := &countingReader{header: header, data: src[1:]}
	stream, err := flac.New(cr)
	if err != nil {
		return 0, fmt.Errorf("%w: flac init: %w", ErrDecompressFailed, err)
	}
	defer func() { _ = stream.Close() }()

	return decodeFLACFrames(stream, dst, bigEndian)
}

// decodeFLACFrames decodes parsed FLAC frames into dst as interleaved 16-bit
// samples until dst is full or the stream ends.
func decodeFLACFrames(stream *flac.Stream, dst []byte, bigEndian bool) (int, error) {
	offset := 0
	for offset < len(dst) {
		audioFrame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return offset, fmt.Errorf("%w: flac frame: %w", ErrDecompressFailed, err)
		}
		offset = writeFLACFrameSamples(audioFrame, dst, offset, bigEndian)
	}
	return offset, nil
}

// writeFLACFrameSamples appends one frame's samples to dst at offset.
func writeFLACFrameSamples(audioFrame *frame.Frame, dst []byte, offset int, bigEndian bool) int {
	if len(audioFrame.Subframes) == 0 {
		return offset
	}

	numChannels := min(len(audioFrame.Subframes), 2)
	for i := 0; i < audioFrame.Subframes[0].NSamples; i++ {
		for ch := 0; ch < numChannels; ch++ {
			if offset+2 > len(dst) {
				return offset
			}
			sample := audioFrame.Subframes[ch].Samples[i]
			if bigEndian {
				dst[offset] = byte(sample >> 8)
				dst[offset+1] = byte(sample)
			} else {
				dst[offset] = byte(sample)
				dst[offset+1] = byte(sample >> 8)
			}
			offset += 2
		}
	}
	return offset
}

// countingReader feeds a synthetic header followed by the real payload and
// tracks how many payload bytes the consumer read.
type countingReader struct {
	header        []byte
	data          []byte
	headerPos     int
	dataPos       int
	bytesFromData int
}

func (cr *countingReader) Read(buf []byte) (int, error) {
	totalRead := 0

	if cr.headerPos < len(cr.header) {
		n := copy(buf, cr.header[cr.headerPos:])
		cr.headerPos += n
		totalRead += n
		buf = buf[n:]
	}

	if len(buf) > 0 && cr.dataPos < len(cr.data) {
		n := copy(buf, cr.data[cr.dataPos:])
		cr.dataPos += n
		cr.bytesFromData += n
		totalRead += n
	}

	if totalRead == 0 {
		return 0, io.EOF
	}
	return totalRead, nil
}

// flacHeaderTemplate is a minimal fLaC stream header with a STREAMINFO
// block, used to re-head the raw frames stored in flac hunks.
var flacHeaderTemplate = []byte{
	0x66, 0x4C, 0x61, 0x43, // "fLaC"
	0x80, 0x00, 0x00, 0x22, // STREAMINFO block header (last=1, type=0, length=34)
	0x00, 0x00, // min block size (patched)
	0x00, 0x00, // max block size (patched)
	0x00, 0x00, 0x00, // min frame size
	0x00, 0x00, 0x00, // max frame size
	0x0A, 0xC4, 0x42, 0xF0, // sample rate, channels, bits (patched)
	0x00, 0x00, 0x00, 0x00, // total samples
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // MD5
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// buildFLACHeader patches the template for the given stream parameters.
// Bits per sample is fixed at 16.
func buildFLACHeader(sampleRate uint32, numChannels uint8, blockSize uint16) []byte {
	header := make([]byte, len(flacHeaderTemplate))
	copy(header, flacHeaderTemplate)

	header[0x08] = byte(blockSize >> 8)
	header[0x09] = byte(blockSize)
	header[0x0A] = byte(blockSize >> 8)
	header[0x0B] = byte(blockSize)

	// 20 bits sample rate, 3 bits channels-1, upper bit of bits-per-sample-1.
	val := sampleRate<<4 | uint32(numChannels-1)<<1
	header[0x12] = byte(val >> 16)
	header[0x13] = byte(val >> 8)
	header[0x14] = byte(val)

	return header
}

// cdFLACCodec implements the cdfl codec: sector data is a raw FLAC stream
// of 16-bit big-endian stereo audio, followed immediately by a
// deflate-compressed subchannel stream.
//
// There is no length field between the two; the FLAC decoder's consumed
// byte count locates the subchannel data. The frame-level decoder in
// flac.go handles the headerless stream directly.
type cdFLACCodec struct{}

// Decompress delegates to DecompressCD assuming standard CD frame geometry.
func (c *cdFLACCodec) Decompress(dst, src []byte) (int, error) {
	return c.DecompressCD(dst, src, len(dst), len(dst)/cdFrameSize)
}

// DecompressCD decompresses CD audio data and its subchannel stream.
func (*cdFLACCodec) DecompressCD(dst, src []byte, _, frames int) (int, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: cdfl: empty source", ErrDecompressFailed)
	}

	totalSectorBytes := frames * cdSectorSize
	sectorDst := make([]byte, totalSectorBytes)

	fd := newFLACDecoder(src, 2, 16)
	consumed, err := fd.decodeInto(sectorDst)
	if err != nil {
		return 0, fmt.Errorf("cdfl: %w", err)
	}

	var subData []byte
	if consumed < len(src) {
		subData = src[consumed:]
	}
	subDst := inflateSubchannel(subData, frames*cdSubSize)
	return reassembleCDFrames(dst, cdPayload{}, sectorDst, subDst, frames), nil
}

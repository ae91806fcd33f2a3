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
	"fmt"
	"io"
	"sync"
)

// Codec tag constants (4-byte big-endian integers representing ASCII
// strings). CD-specific codecs compress sector data and subchannel data
// separately and re-interleave them per frame.
const (
	// CodecNone indicates uncompressed data.
	CodecNone uint32 = 0x00000000

	// CodecZlib is the deflate codec ("zlib").
	CodecZlib uint32 = 0x7a6c6962

	// CodecLZMA is the LZMA codec ("lzma").
	CodecLZMA uint32 = 0x6c7a6d61

	// CodecHuff is the CHD Huffman codec ("huff").
	CodecHuff uint32 = 0x68756666

	// CodecFLAC is the FLAC audio codec ("flac").
	CodecFLAC uint32 = 0x666c6163

	// CodecZstd is the Zstandard codec ("zstd").
	CodecZstd uint32 = 0x7a737464

	// CodecCDZlib is the CD zlib codec ("cdzl"):
	// deflate sectors, deflate subchannel.
	CodecCDZlib uint32 = 0x63647a6c

	// CodecCDLZMA is the CD LZMA codec ("cdlz"):
	// LZMA sectors, deflate subchannel.
	CodecCDLZMA uint32 = 0x63646c7a

	// CodecCDFLAC is the CD FLAC codec ("cdfl"):
	// FLAC audio sectors, deflate subchannel.
	CodecCDFLAC uint32 = 0x6364666c

	// CodecCDZstd is the CD Zstandard codec ("cdzs"):
	// Zstandard sectors, deflate subchannel.
	CodecCDZstd uint32 = 0x63647a73
)

// Codec decompresses CHD hunk data.
type Codec interface {
	// Decompress decompresses src into dst.
	// dst must be pre-allocated to the expected decompressed size.
	// Returns the number of bytes written to dst.
	Decompress(dst, src []byte) (int, error)
}

// CDCodec decompresses CD-ROM specific hunk data.
type CDCodec interface {
	Codec

	// DecompressCD decompresses CD-ROM data with sector/subchannel
	// handling. hunkBytes is the total size of a decompressed hunk and
	// frames the number of CD frames it holds.
	DecompressCD(dst, src []byte, hunkBytes, frames int) (int, error)
}

// codecRegistry holds registered codec factories. Factories receive the
// container's hunk size, which some codecs (LZMA) fold into their decoder
// parameters.
var (
	codecRegistry   = make(map[uint32]func(hunkBytes uint32) Codec)
	codecRegistryMu sync.RWMutex
)

// RegisterCodec registers a codec factory for the given tag.
func RegisterCodec(tag uint32, factory func(hunkBytes uint32) Codec) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	codecRegistry[tag] = factory
}

// GetCodec returns a fresh codec instance for the given tag.
func GetCodec(tag, hunkBytes uint32) (Codec, error) {
	codecRegistryMu.RLock()
	factory, ok := codecRegistry[tag]
	codecRegistryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x (%s)", ErrUnsupportedCodec, tag, CodecTagString(tag))
	}
	return factory(hunkBytes), nil
}

// codecSet holds the live decoder instances for one open container, one per
// header codec slot. Instances are created at open and live until Close, so
// any decoder state stays private to the container.
type codecSet struct {
	codecs [4]Codec
	tags   [4]uint32
}

// newCodecSet resolves the header's codec slots. Every declared tag must be
// registered: tags are fixed when a file is created, so an unknown tag can
// never be satisfied later.
func newCodecSet(header *Header) (*codecSet, error) {
	cs := &codecSet{}

	if header.Version < 5 {
		// V3/V4 declare a single numeric compression type; anything
		// compressed maps to slot 0.
		switch header.Compression {
		case 0:
		case 1, 2: // zlib, zlib+
			codec, err := GetCodec(CodecZlib, header.HunkBytes)
			if err != nil {
				return nil, err
			}
			cs.codecs[0] = codec
			cs.tags[0] = CodecZlib
		default:
			return nil, fmt.Errorf("%w: V%d compression type %d",
				ErrUnsupportedCodec, header.Version, header.Compression)
		}
		return cs, nil
	}

	for slot, tag := range header.Compressors {
		if tag == 0 {
			continue
		}
		codec, err := GetCodec(tag, header.HunkBytes)
		if err != nil {
			return nil, fmt.Errorf("codec slot %d: %w", slot, err)
		}
		cs.codecs[slot] = codec
		cs.tags[slot] = tag
	}
	return cs, nil
}

// close releases any codec-held resources and drops the slot references,
// so decodes after close fail instead of touching freed state.
func (cs *codecSet) close() {
	for slot, codec := range cs.codecs {
		if closer, ok := codec.(io.Closer); ok {
			_ = closer.Close()
		}
		cs.codecs[slot] = nil
	}
}

// decode runs the codec in the given slot over src, writing hunkBytes of
// output into dst. CD codecs are given the frame geometry derived from the
// header's unit size.
func (cs *codecSet) decode(slot int, dst, src []byte, hunkBytes, unitBytes int) (int, error) {
	if slot < 0 || slot >= len(cs.codecs) || cs.codecs[slot] == nil {
		return 0, fmt.Errorf("%w: slot %d not populated", ErrUnsupportedCodec, slot)
	}

	codec := cs.codecs[slot]
	if cdCodec, ok := codec.(CDCodec); ok {
		frames := hunkBytes / unitBytes
		n, err := cdCodec.DecompressCD(dst, src, hunkBytes, frames)
		if err != nil {
			return 0, fmt.Errorf("codec %s: %w", CodecTagString(cs.tags[slot]), err)
		}
		return n, nil
	}

	n, err := codec.Decompress(dst, src)
	if err != nil {
		return 0, fmt.Errorf("codec %s: %w", CodecTagString(cs.tags[slot]), err)
	}
	return n, nil
}

// CodecTagString converts a codec tag to its ASCII representation.
func CodecTagString(tag uint32) string {
	if tag == 0 {
		return "none"
	}
	return string([]byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)})
}

// IsCDCodec returns true if the codec tag is a CD-ROM specific codec.
func IsCDCodec(tag uint32) bool {
	switch tag {
	case CodecCDZlib, CodecCDLZMA, CodecCDFLAC, CodecCDZstd:
		return true
	default:
		return false
	}
}

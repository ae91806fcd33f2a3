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

// Package chd reads CHD (Compressed Hunks of Data) images, MAME's
// compressed container for disc and hard drive dumps. It supports V3, V4
// and V5 files with the zlib, lzma, zstd, huff, flac and CD codec variants,
// exposing the decompressed medium as an io.ReaderAt plus hunk-level and
// sector-level access.
package chd

import (
	"fmt"
	"io"
	"math"
	"os"
)

// CHD is an open CHD image. Methods are safe for concurrent use; decoded
// hunks are shared through an internal LRU cache.
type CHD struct {
	reader io.ReaderAt
	closer io.Closer
	header *Header
	hunks  *hunkMap
	codecs *codecSet
	cache  *hunkCache
	meta   []MetadataEntry
	tracks []Track
}

// Open opens a CHD file and parses its header, hunk map and metadata.
func Open(path string) (*CHD, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CHD file: %w", err)
	}

	c, err := OpenReaderAt(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	c.closer = file
	return c, nil
}

// OpenReaderAt opens a CHD image from any io.ReaderAt. The reader must stay
// valid for the lifetime of the CHD; Close does not close it.
func OpenReaderAt(reader io.ReaderAt) (*CHD, error) {
	header, err := parseHeader(io.NewSectionReader(reader, 0, math.MaxInt64))
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	hunks, err := parseHunkMap(reader, header)
	if err != nil {
		return nil, fmt.Errorf("parse hunk map: %w", err)
	}

	codecs, err := newCodecSet(header)
	if err != nil {
		return nil, err
	}

	cache, err := newHunkCache(header.HunkBytes, 0)
	if err != nil {
		return nil, err
	}

	c := &CHD{
		reader: reader,
		header: header,
		hunks:  hunks,
		codecs: codecs,
		cache:  cache,
	}

	// Metadata is advisory; a broken chain leaves the image readable with
	// no track list.
	if header.MetaOffset > 0 {
		if meta, err := parseMetadata(reader, header.MetaOffset); err == nil {
			c.meta = meta
			if tracks, err := parseTracks(meta); err == nil {
				c.tracks = tracks
			}
		}
	}
	return c, nil
}

// Close releases the decoded hunk cache and codec state, and closes the
// underlying file when the CHD was opened from a path.
func (c *CHD) Close() error {
	c.cache.purge()
	c.codecs.close()
	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			return fmt.Errorf("close CHD file: %w", err)
		}
		c.closer = nil
	}
	return nil
}

// Header returns the parsed CHD header.
func (c *CHD) Header() *Header {
	return c.header
}

// Version returns the CHD format version (3, 4 or 5).
func (c *CHD) Version() uint32 {
	return c.header.Version
}

// Size returns the logical (uncompressed) size of the image in bytes.
func (c *CHD) Size() int64 {
	return int64(c.header.LogicalBytes)
}

// NumHunks returns the number of hunks in the image.
func (c *CHD) NumHunks() uint32 {
	return c.hunks.NumHunks()
}

// HunkBytes returns the decompressed size of one hunk.
func (c *CHD) HunkBytes() uint32 {
	return c.header.HunkBytes
}

// UnitBytes returns the size of one unit (sector) within a hunk.
func (c *CHD) UnitBytes() uint32 {
	return c.header.UnitBytes
}

// Tracks returns the CD track list, empty for non-CD images.
func (c *CHD) Tracks() []Track {
	return c.tracks
}

// Metadata returns all metadata entries in chain order.
func (c *CHD) Metadata() []MetadataEntry {
	return c.meta
}

// MetadataByTag returns the data of every metadata entry with the given tag.
func (c *CHD) MetadataByTag(tag uint32) [][]byte {
	var out [][]byte
	for _, entry := range c.meta {
		if entry.Tag == tag {
			out = append(out, entry.Data)
		}
	}
	return out
}

// SetCacheBudget resizes the decoded hunk cache to roughly the given number
// of bytes, evicting least recently used hunks if it shrinks.
func (c *CHD) SetCacheBudget(bytes int64) {
	c.cache.resize(bytes)
}

// CacheStats returns hunk cache counters.
func (c *CHD) CacheStats() CacheStats {
	return c.cache.snapshot()
}

// ReadAt reads decompressed data from the logical medium, implementing
// io.ReaderAt over the full hunk-assembled byte range. Any part of the
// requested span beyond the logical size is an error; partial trailing
// hunks are handled, the logical size is authoritative.
func (c *CHD) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 || off > c.Size() || int64(len(p)) > c.Size()-off {
		return 0, fmt.Errorf("%w: %d bytes at %d, logical size %d", ErrOutOfRange, len(p), off, c.Size())
	}

	hunkBytes := int64(c.header.HunkBytes)
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		hunkNum := uint32(cur / hunkBytes)
		hunkOff := cur % hunkBytes

		data, err := c.hunkData(hunkNum)
		if err != nil {
			return total, err
		}
		total += copy(p[total:], data[hunkOff:])
	}
	return total, nil
}

// rawSectorSize is a raw CD sector without subchannel data.
const rawSectorSize = cdSectorSize

// SectorReader returns an io.ReaderAt over 2048-byte logical sectors, with
// the data portion extracted from raw Mode1/Mode2 sectors. This is the view
// an ISO9660 parser wants.
func (c *CHD) SectorReader() io.ReaderAt {
	return &sectorReader{chd: c, rawMode: false}
}

// RawSectorReader returns an io.ReaderAt over raw 2352-byte sectors,
// without subchannel data.
func (c *CHD) RawSectorReader() io.ReaderAt {
	return &sectorReader{chd: c, rawMode: true}
}

// DataTrackSectorReader returns an io.ReaderAt of 2048-byte logical sectors
// starting at the first data track. Discs with leading audio tracks need
// this to place sector 0 at the start of the filesystem.
func (c *CHD) DataTrackSectorReader() io.ReaderAt {
	return &sectorReader{chd: c, rawMode: false, dataTrackStart: c.dataTrackStartSector()}
}

// DataTrackSize returns the logical size of the first data track in
// 2048-byte sectors, or the full image size when no track list exists.
func (c *CHD) DataTrackSize() int64 {
	for _, track := range c.tracks {
		if track.IsDataTrack() {
			return int64(track.Frames) * 2048
		}
	}
	return c.Size()
}

// FirstDataTrackOffset returns the byte offset of the first data track
// within the stored unit stream, including its pregap.
func (c *CHD) FirstDataTrackOffset() int64 {
	for _, track := range c.tracks {
		if track.IsDataTrack() {
			return int64(track.StartFrame) * int64(c.header.UnitBytes)
		}
	}
	return 0
}

// dataTrackStartSector returns the first data track's start sector from the
// track metadata, 0 when unknown.
func (c *CHD) dataTrackStartSector() int64 {
	for _, track := range c.tracks {
		if track.IsDataTrack() {
			return int64(track.StartFrame + track.Pregap)
		}
	}
	return 0
}

// sectorReader adapts hunk access to sector-addressed reads. In raw mode
// sectors are the full 2352 bytes; otherwise 2048-byte user data is
// extracted, skipping the sync header and mode byte when present.
type sectorReader struct {
	chd            *CHD
	rawMode        bool
	dataTrackStart int64
}

// sectorLocation addresses one sector inside the hunk stream.
type sectorLocation struct {
	hunkNum        uint32
	sectorInHunk   int64
	offsetInSector int64
}

// locate maps a byte offset in the reader's address space to a sector.
func (sr *sectorReader) locate(off int64) sectorLocation {
	hunkBytes := int64(sr.chd.header.HunkBytes)
	unitBytes := int64(sr.chd.header.UnitBytes)
	sectorsPerHunk := hunkBytes / unitBytes

	sectorSize := int64(2048)
	if sr.rawMode {
		sectorSize = rawSectorSize
	}
	sector := off/sectorSize + sr.dataTrackStart
	return sectorLocation{
		hunkNum:        uint32(sector / sectorsPerHunk),
		sectorInHunk:   sector % sectorsPerHunk,
		offsetInSector: off % sectorSize,
	}
}

// sliceSector returns the start and length of the wanted data within the
// hunk for one sector.
func (sr *sectorReader) sliceSector(hunkData []byte, loc sectorLocation) (int64, int64) {
	unitBytes := int64(sr.chd.header.UnitBytes)
	sectorStart := loc.sectorInHunk * unitBytes

	if sr.rawMode {
		return sectorStart + loc.offsetInSector, rawSectorSize - loc.offsetInSector
	}

	// Raw sectors carry the 2048 data bytes at offset 16 (Mode1) or 24
	// (Mode2 form 1); pre-extracted 2048-byte units carry them at 0.
	dataOffset := int64(0)
	if sectorStart+16 <= int64(len(hunkData)) &&
		hunkData[sectorStart] == 0x00 && hunkData[sectorStart+1] == 0xff &&
		hunkData[sectorStart+11] == 0x00 {
		dataOffset = 16
		if hunkData[sectorStart+15] == 2 {
			dataOffset = 24
		}
	}
	return sectorStart + dataOffset + loc.offsetInSector, 2048 - loc.offsetInSector
}

// ReadAt reads sector-addressed data. Reads past the end of the stored
// hunks return io.EOF; short reads within the image return what was copied.
func (sr *sectorReader) ReadAt(dest []byte, off int64) (int, error) {
	if len(dest) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}

	total := 0
	for total < len(dest) {
		loc := sr.locate(off + int64(total))
		if loc.hunkNum >= sr.chd.NumHunks() {
			break
		}

		hunkData, err := sr.chd.hunkData(loc.hunkNum)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}

		start, length := sr.sliceSector(hunkData, loc)
		if start >= int64(len(hunkData)) {
			break
		}
		if start+length > int64(len(hunkData)) {
			length = int64(len(hunkData)) - start
		}

		toCopy := min(int(length), len(dest)-total)
		copy(dest[total:], hunkData[start:start+int64(toCopy)])
		total += toCopy
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

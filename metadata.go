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
	"strconv"
	"strings"
)

// Metadata tag constants (4-byte big-endian ASCII).
const (
	// MetaTagCHT2 is the CD track v2 metadata tag ("CHT2").
	MetaTagCHT2 uint32 = 0x43485432

	// MetaTagCHTR is the CD track v1 metadata tag ("CHTR").
	MetaTagCHTR uint32 = 0x43485452

	// MetaTagCHCD is the binary CD metadata tag ("CHCD").
	MetaTagCHCD uint32 = 0x43484344

	// MetaTagCHGD is the GD-ROM track metadata tag ("CHGD").
	MetaTagCHGD uint32 = 0x43484744

	// MetaTagGDDD is the hard disk geometry metadata tag ("GDDD").
	MetaTagGDDD uint32 = 0x47444444
)

// MetadataEntry is one entry in a CHD's metadata chain.
type MetadataEntry struct {
	Data  []byte
	Tag   uint32
	Flags uint8
}

// Track is one CD track described by the image's metadata.
type Track struct {
	Type       string
	SubType    string
	Number     int
	Frames     int
	Pregap     int
	Postgap    int
	DataSize   int
	SubSize    int
	StartFrame int
}

// parseMetadata walks the metadata chain starting at offset. The chain is a
// linked list on disk, so both cycles and runaway lengths are guarded.
//
// Entry layout:
//
//	Offset 0: Tag (4 bytes)
//	Offset 4: Flags (1 byte)
//	Offset 5: Length (3 bytes)
//	Offset 8: Next entry offset (8 bytes, 0 terminates)
//	Offset 16: Data
func parseMetadata(reader io.ReaderAt, offset uint64) ([]MetadataEntry, error) {
	var entries []MetadataEntry
	visited := make(map[uint64]bool)

	for offset != 0 {
		if visited[offset] {
			return nil, fmt.Errorf("%w: metadata chain loops at offset %d", ErrInvalidMetadata, offset)
		}
		visited[offset] = true
		if len(entries) >= MaxMetadataEntries {
			return nil, fmt.Errorf("%w: metadata chain exceeds %d entries", ErrInvalidMetadata, MaxMetadataEntries)
		}

		header := make([]byte, 16)
		if _, err := reader.ReadAt(header, int64(offset)); err != nil {
			return nil, fmt.Errorf("read metadata at %d: %w", offset, err)
		}

		entry := MetadataEntry{
			Tag:   binary.BigEndian.Uint32(header[0:4]),
			Flags: header[4],
		}
		length := uint32(header[5])<<16 | uint32(header[6])<<8 | uint32(header[7])
		if length > MaxMetadataLen {
			return nil, fmt.Errorf("%w: entry of %d bytes", ErrInvalidMetadata, length)
		}
		if length > 0 {
			entry.Data = make([]byte, length)
			if _, err := reader.ReadAt(entry.Data, int64(offset)+16); err != nil {
				return nil, fmt.Errorf("read metadata at %d: %w", offset, err)
			}
		}

		entries = append(entries, entry)
		offset = binary.BigEndian.Uint64(header[8:16])
	}
	return entries, nil
}

// parseTracks extracts the CD track list from the metadata entries and
// assigns each track its absolute start frame.
func parseTracks(entries []MetadataEntry) ([]Track, error) {
	var tracks []Track
	for _, entry := range entries {
		switch entry.Tag {
		case MetaTagCHT2, MetaTagCHTR, MetaTagCHGD:
			track, err := parseTrackText(entry.Data)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", CodecTagString(entry.Tag), err)
			}
			tracks = append(tracks, track)
		case MetaTagCHCD:
			parsed, err := parseTracksBinary(entry.Data)
			if err != nil {
				return nil, fmt.Errorf("parse CHCD: %w", err)
			}
			tracks = append(tracks, parsed...)
		}
	}
	if len(tracks) > MaxNumTracks {
		return nil, fmt.Errorf("%w: %d tracks", ErrInvalidMetadata, len(tracks))
	}

	startFrame := 0
	for i := range tracks {
		tracks[i].StartFrame = startFrame
		startFrame += tracks[i].Pregap + tracks[i].Frames + tracks[i].Postgap
	}
	return tracks, nil
}

// parseTrackText parses the ASCII key:value track metadata shared by the
// CHTR, CHT2 and CHGD tags, e.g.
//
//	TRACK:1 TYPE:MODE1_RAW SUBTYPE:NONE FRAMES:1234 PREGAP:150 POSTGAP:0
//
// CHTR carries a subset of the CHT2 fields; unknown keys are ignored either
// way.
func parseTrackText(data []byte) (Track, error) {
	var track Track

	text := strings.TrimSpace(strings.TrimRight(string(data), "\x00 \t\r\n"))
	for _, field := range strings.Fields(text) {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}

		var dst *int
		switch strings.ToUpper(key) {
		case "TRACK":
			dst = &track.Number
		case "FRAMES":
			dst = &track.Frames
		case "PREGAP":
			dst = &track.Pregap
		case "POSTGAP":
			dst = &track.Postgap
		case "TYPE":
			track.Type = value
			track.DataSize = trackTypeDataSize(value)
			continue
		case "SUBTYPE":
			track.SubType = value
			track.SubSize = subTypeSize(value)
			continue
		default:
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil {
			return track, fmt.Errorf("%w: %s value %q", ErrInvalidMetadata, key, value)
		}
		*dst = n
	}
	return track, nil
}

// parseTracksBinary parses the CHCD binary track table: a 4-byte count
// followed by 24-byte entries of type, subtype, data size, sub size, frames
// and padding, all big-endian.
func parseTracksBinary(data []byte) ([]Track, error) {
	if len(data) < 4 {
		return nil, ErrInvalidMetadata
	}
	numTracks := binary.BigEndian.Uint32(data[0:4])
	if numTracks > MaxNumTracks {
		return nil, fmt.Errorf("%w: %d tracks", ErrInvalidMetadata, numTracks)
	}
	if len(data) < int(4+numTracks*24) {
		return nil, fmt.Errorf("%w: CHCD table truncated", ErrInvalidMetadata)
	}

	tracks := make([]Track, numTracks)
	for i := range tracks {
		raw := data[4+i*24:]
		tracks[i] = Track{
			Number:   i + 1,
			Type:     binaryTrackType(binary.BigEndian.Uint32(raw[0:4])),
			SubType:  binarySubType(binary.BigEndian.Uint32(raw[4:8])),
			DataSize: int(binary.BigEndian.Uint32(raw[8:12])),
			SubSize:  int(binary.BigEndian.Uint32(raw[12:16])),
			Frames:   int(binary.BigEndian.Uint32(raw[16:20])),
		}
	}
	return tracks, nil
}

// trackTypeDataSize maps a track type string to its per-sector data size.
func trackTypeDataSize(trackType string) int {
	switch strings.ToUpper(trackType) {
	case "MODE1/2048", "MODE2/2048", "MODE2_FORM1":
		return 2048
	case "MODE2/2336", "MODE2_FORM_MIX":
		return 2336
	default:
		// MODE1_RAW, MODE2_RAW, AUDIO and anything unknown are raw sectors.
		return 2352
	}
}

// subTypeSize maps a subchannel type string to its per-sector size.
func subTypeSize(subType string) int {
	switch strings.ToUpper(subType) {
	case "RW", "RW_RAW":
		return 96
	default:
		return 0
	}
}

// binaryTrackType maps a CHCD numeric track type to its string form.
func binaryTrackType(trackType uint32) string {
	switch trackType {
	case 0:
		return "MODE1/2048"
	case 1:
		return "MODE1/2352"
	case 2:
		return "MODE2/2048"
	case 3:
		return "MODE2/2336"
	case 4:
		return "MODE2/2352"
	case 5:
		return "AUDIO"
	default:
		return "UNKNOWN"
	}
}

// binarySubType maps a CHCD numeric subchannel type to its string form.
func binarySubType(subType uint32) string {
	switch subType {
	case 0:
		return "RW"
	case 1:
		return "RW_RAW"
	default:
		return "NONE"
	}
}

// IsDataTrack returns true if this is a data track rather than audio.
func (t *Track) IsDataTrack() bool {
	return !strings.EqualFold(t.Type, "AUDIO")
}

// SectorSize returns the stored size of one sector including subchannel.
func (t *Track) SectorSize() int {
	if t.DataSize == 0 {
		return cdSectorSize + t.SubSize
	}
	return t.DataSize + t.SubSize
}

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

import "fmt"

// Frame-level FLAC decoder for the raw streams inside flac/cdfl hunks.
// CHD strips the fLaC marker and all metadata blocks before storing frames,
// so a general-purpose FLAC reader cannot parse them; the stream parameters
// (16-bit samples, channel count from the track layout) are implied by the
// container instead.

const (
	flacFrameSync    = 0x3ffe
	flacMaxChannels  = 8
	flacMaxLPCOrder  = 32
	flacMaxBlockSize = 65535
)

// crc8Table is the FLAC frame header CRC (poly 0x07, init 0).
var crc8Table = makeCRC8Table()

func makeCRC8Table() [256]uint8 {
	var table [256]uint8
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

func crc8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// flacDecoder decodes a sequence of FLAC frames from a byte slice. Stream
// parameters normally carried by the STREAMINFO block are set up front.
type flacDecoder struct {
	br         *bitReader
	channels   int
	sampleBits int

	// per-channel sample buffers, reused across frames
	samples [flacMaxChannels][]int32
}

// newFLACDecoder creates a decoder for a headerless FLAC stream with the
// given channel count and bits per sample.
func newFLACDecoder(src []byte, channels, sampleBits int) *flacDecoder {
	return &flacDecoder{
		br:         newBitReader(src),
		channels:   channels,
		sampleBits: sampleBits,
	}
}

// decodeInto decodes frames until dst is full, writing samples as big-endian
// 16-bit interleaved PCM. Returns the number of source bytes consumed, which
// callers use to locate data following the FLAC stream.
func (fd *flacDecoder) decodeInto(dst []byte) (int, error) {
	bytesPerSample := 2 * fd.channels
	if len(dst)%bytesPerSample != 0 {
		return 0, fmt.Errorf("%w: flac: output %d not a multiple of the sample frame size", ErrDecompressFailed, len(dst))
	}

	written := 0
	for written < len(dst) {
		blockSize, chanAssign, err := fd.decodeFrame()
		if err != nil {
			return 0, err
		}
		remaining := (len(dst) - written) / bytesPerSample
		if blockSize > remaining {
			blockSize = remaining
		}
		fd.correlate(chanAssign, blockSize)
		for i := 0; i < blockSize; i++ {
			for ch := 0; ch < fd.channels; ch++ {
				sample := fd.samples[ch][i]
				dst[written] = byte(sample >> 8)
				dst[written+1] = byte(sample)
				written += 2
			}
		}
	}
	return fd.br.flush(), nil
}

// decodeFrame decodes one frame's subframes into fd.samples and returns the
// block size and channel assignment.
func (fd *flacDecoder) decodeFrame() (int, int, error) {
	br := fd.br
	headerStart := br.flush()
	if br.overflow() {
		return 0, 0, fmt.Errorf("%w: flac frame", ErrOutOfData)
	}

	if br.read(14) != flacFrameSync {
		return 0, 0, fmt.Errorf("%w: flac: bad frame sync", ErrDecompressFailed)
	}
	if br.read(1) != 0 {
		return 0, 0, fmt.Errorf("%w: flac: reserved header bit set", ErrDecompressFailed)
	}
	br.read(1) // blocking strategy

	blockSizeCode := br.read(4)
	sampleRateCode := br.read(4)
	chanAssign := int(br.read(4))
	sampleSizeCode := br.read(3)
	if br.read(1) != 0 {
		return 0, 0, fmt.Errorf("%w: flac: reserved header bit set", ErrDecompressFailed)
	}

	frameChannels := fd.channels
	if chanAssign <= 7 {
		frameChannels = chanAssign + 1
	} else if chanAssign > 10 {
		return 0, 0, fmt.Errorf("%w: flac: reserved channel assignment %d", ErrDecompressFailed, chanAssign)
	} else {
		frameChannels = 2
	}
	if frameChannels != fd.channels {
		return 0, 0, fmt.Errorf("%w: flac: frame has %d channels, stream has %d", ErrDecompressFailed, frameChannels, fd.channels)
	}

	sampleBits := fd.sampleBits
	switch sampleSizeCode {
	case 0:
		// stream default
	case 1:
		sampleBits = 8
	case 2:
		sampleBits = 12
	case 4:
		sampleBits = 16
	case 5:
		sampleBits = 20
	case 6:
		sampleBits = 24
	case 7:
		sampleBits = 32
	default:
		return 0, 0, fmt.Errorf("%w: flac: reserved sample size code", ErrDecompressFailed)
	}

	if err := fd.skipUTF8Number(); err != nil {
		return 0, 0, err
	}

	var blockSize int
	switch {
	case blockSizeCode == 0:
		return 0, 0, fmt.Errorf("%w: flac: reserved block size code", ErrDecompressFailed)
	case blockSizeCode == 1:
		blockSize = 192
	case blockSizeCode <= 5:
		blockSize = 576 << (blockSizeCode - 2)
	case blockSizeCode == 6:
		blockSize = int(br.read(8)) + 1
	case blockSizeCode == 7:
		blockSize = int(br.read(16)) + 1
	default:
		blockSize = 256 << (blockSizeCode - 8)
	}
	if blockSize > flacMaxBlockSize {
		return 0, 0, fmt.Errorf("%w: flac: block size %d", ErrDecompressFailed, blockSize)
	}

	switch sampleRateCode {
	case 12:
		br.read(8)
	case 13, 14:
		br.read(16)
	case 15:
		return 0, 0, fmt.Errorf("%w: flac: invalid sample rate code", ErrDecompressFailed)
	}

	// The header is a whole number of bytes up to this point; verify its CRC.
	headerEnd := br.consumed() / 8
	if br.overflow() || headerEnd > len(br.data) {
		return 0, 0, fmt.Errorf("%w: flac frame header", ErrOutOfData)
	}
	if uint8(br.read(8)) != crc8(br.data[headerStart:headerEnd]) {
		return 0, 0, fmt.Errorf("%w: flac: frame header CRC mismatch", ErrDecompressFailed)
	}

	for ch := 0; ch < fd.channels; ch++ {
		bps := sampleBits
		// The difference channel carries one extra bit.
		switch {
		case chanAssign == 8 && ch == 1:
			bps++
		case chanAssign == 9 && ch == 0:
			bps++
		case chanAssign == 10 && ch == 1:
			bps++
		}
		if err := fd.decodeSubframe(ch, blockSize, bps); err != nil {
			return 0, 0, err
		}
	}

	// Frame footer: align and skip the frame CRC-16.
	br.flush()
	br.read(16)
	if br.overflow() {
		return 0, 0, fmt.Errorf("%w: flac frame", ErrOutOfData)
	}
	return blockSize, chanAssign, nil
}

// skipUTF8Number consumes the UTF-8 coded frame/sample number.
func (fd *flacDecoder) skipUTF8Number() error {
	br := fd.br
	first := br.read(8)
	if first&0x80 == 0 {
		return nil
	}
	follow := 0
	for mask := uint32(0x40); first&mask != 0; mask >>= 1 {
		follow++
	}
	if follow == 0 || follow > 6 {
		return fmt.Errorf("%w: flac: malformed frame number", ErrDecompressFailed)
	}
	for rep := 0; rep < follow; rep++ {
		if br.read(8)&0xc0 != 0x80 {
			return fmt.Errorf("%w: flac: malformed frame number", ErrDecompressFailed)
		}
	}
	return nil
}

// decodeSubframe decodes one channel's subframe into fd.samples[ch].
func (fd *flacDecoder) decodeSubframe(ch, blockSize, bps int) error {
	br := fd.br
	if cap(fd.samples[ch]) < blockSize {
		fd.samples[ch] = make([]int32, blockSize)
	}
	fd.samples[ch] = fd.samples[ch][:blockSize]
	out := fd.samples[ch]

	if br.read(1) != 0 {
		return fmt.Errorf("%w: flac: reserved subframe bit set", ErrDecompressFailed)
	}
	subType := int(br.read(6))

	wasted := 0
	if br.read(1) != 0 {
		wasted = 1
		for br.read(1) == 0 {
			wasted++
			if br.overflow() {
				return fmt.Errorf("%w: flac subframe", ErrOutOfData)
			}
		}
	}
	if wasted >= bps {
		return fmt.Errorf("%w: flac: wasted bits %d exceed sample size", ErrInvalidPrediction, wasted)
	}
	bps -= wasted

	var err error
	switch {
	case subType == 0:
		value := fd.readSigned(bps)
		for i := range out {
			out[i] = value
		}
	case subType == 1:
		for i := range out {
			out[i] = fd.readSigned(bps)
		}
	case subType >= 8 && subType <= 12:
		err = fd.decodeFixed(out, subType-8, bps)
	case subType >= 32:
		err = fd.decodeLPC(out, subType-31, bps)
	default:
		return fmt.Errorf("%w: flac: reserved subframe type %d", ErrDecompressFailed, subType)
	}
	if err != nil {
		return err
	}
	if br.overflow() {
		return fmt.Errorf("%w: flac subframe", ErrOutOfData)
	}

	if wasted > 0 {
		for i := range out {
			out[i] <<= wasted
		}
	}
	return nil
}

// readSigned reads a two's-complement value of count bits.
func (fd *flacDecoder) readSigned(count int) int32 {
	if count == 0 {
		return 0
	}
	value := fd.br.read(count)
	return int32(value<<(32-count)) >> (32 - count)
}

// decodeFixed decodes a fixed-predictor subframe of the given order.
func (fd *flacDecoder) decodeFixed(out []int32, order, bps int) error {
	if order > len(out) {
		return fmt.Errorf("%w: flac: fixed order %d exceeds block size", ErrInvalidPrediction, order)
	}
	for i := 0; i < order; i++ {
		out[i] = fd.readSigned(bps)
	}
	if err := fd.decodeResiduals(out, order); err != nil {
		return err
	}

	switch order {
	case 0:
	case 1:
		for i := 1; i < len(out); i++ {
			out[i] += out[i-1]
		}
	case 2:
		for i := 2; i < len(out); i++ {
			out[i] += 2*out[i-1] - out[i-2]
		}
	case 3:
		for i := 3; i < len(out); i++ {
			out[i] += 3*out[i-1] - 3*out[i-2] + out[i-3]
		}
	case 4:
		for i := 4; i < len(out); i++ {
			out[i] += 4*out[i-1] - 6*out[i-2] + 4*out[i-3] - out[i-4]
		}
	}
	return nil
}

// decodeLPC decodes a linear-predictor subframe of the given order.
func (fd *flacDecoder) decodeLPC(out []int32, order, bps int) error {
	br := fd.br
	if order > flacMaxLPCOrder || order > len(out) {
		return fmt.Errorf("%w: flac: LPC order %d", ErrInvalidPrediction, order)
	}
	for i := 0; i < order; i++ {
		out[i] = fd.readSigned(bps)
	}

	precision := int(br.read(4)) + 1
	if precision == 16 {
		return fmt.Errorf("%w: flac: invalid LPC precision", ErrInvalidPrediction)
	}
	shift := int(fd.readSigned(5))
	if shift < 0 {
		return fmt.Errorf("%w: flac: negative LPC shift", ErrInvalidPrediction)
	}

	var coefs [flacMaxLPCOrder]int64
	for i := 0; i < order; i++ {
		coefs[i] = int64(fd.readSigned(precision))
	}

	if err := fd.decodeResiduals(out, order); err != nil {
		return err
	}

	for i := order; i < len(out); i++ {
		var sum int64
		for j := 0; j < order; j++ {
			sum += coefs[j] * int64(out[i-1-j])
		}
		out[i] += int32(sum >> shift)
	}
	return nil
}

// decodeResiduals decodes the Rice-coded residual section into
// out[predOrder:].
func (fd *flacDecoder) decodeResiduals(out []int32, predOrder int) error {
	br := fd.br

	var paramBits int
	var escape uint32
	switch br.read(2) {
	case 0:
		paramBits, escape = 4, 15
	case 1:
		paramBits, escape = 5, 31
	default:
		return fmt.Errorf("%w: flac: reserved residual coding method", ErrDecompressFailed)
	}

	partOrder := int(br.read(4))
	partitions := 1 << partOrder
	if len(out)%partitions != 0 {
		return fmt.Errorf("%w: flac: partition order %d does not divide block size %d", ErrInvalidPrediction, partOrder, len(out))
	}
	partSamples := len(out) >> partOrder
	if partSamples <= predOrder && partitions == 1 || partSamples < predOrder && partitions > 1 {
		return fmt.Errorf("%w: flac: partition smaller than predictor order", ErrInvalidPrediction)
	}

	pos := predOrder
	for p := 0; p < partitions; p++ {
		count := partSamples
		if p == 0 {
			count -= predOrder
		}

		param := br.read(paramBits)
		if param == escape {
			rawBits := int(br.read(5))
			for rep := 0; rep < count; rep++ {
				out[pos] = fd.readSigned(rawBits)
				pos++
			}
			continue
		}

		for rep := 0; rep < count; rep++ {
			var quotient uint32
			for br.read(1) == 0 {
				quotient++
				if br.overflow() {
					return fmt.Errorf("%w: flac residuals", ErrOutOfData)
				}
			}
			value := quotient<<param | br.read(int(param))
			out[pos] = int32(value>>1) ^ -int32(value&1)
			pos++
		}
	}
	return nil
}

// correlate undoes inter-channel decorrelation in place.
func (fd *flacDecoder) correlate(chanAssign, blockSize int) {
	switch chanAssign {
	case 8: // left/side
		left, side := fd.samples[0], fd.samples[1]
		for i := 0; i < blockSize; i++ {
			side[i] = left[i] - side[i]
		}
	case 9: // right/side
		side, right := fd.samples[0], fd.samples[1]
		for i := 0; i < blockSize; i++ {
			side[i] += right[i]
		}
	case 10: // mid/side
		mid, side := fd.samples[0], fd.samples[1]
		for i := 0; i < blockSize; i++ {
			m := int64(mid[i])<<1 | int64(side[i])&1
			s := int64(side[i])
			mid[i] = int32((m + s) >> 1)
			side[i] = int32((m - s) >> 1)
		}
	}
}

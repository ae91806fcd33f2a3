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

func init() {
	RegisterCodec(CodecHuff, func(uint32) Codec { return &huffCodec{} })
}

// huffCodec implements the CHD "huff" codec: a per-hunk 256-symbol,
// 16-bit-max canonical Huffman code over the raw bytes. The code-length
// table is embedded at the start of the payload in its two-level Huffman
// form.
type huffCodec struct{}

// Decompress decompresses a Huffman-coded hunk.
func (*huffCodec) Decompress(dst, src []byte) (int, error) {
	br := newBitReader(src)
	decoder := newHuffmanDecoder(256, 16)
	if err := decoder.importTreeHuffman(br); err != nil {
		return 0, fmt.Errorf("%w: huff table: %w", ErrDecompressFailed, err)
	}

	for i := range dst {
		dst[i] = byte(decoder.decodeOne(br))
	}
	if br.overflow() {
		return 0, fmt.Errorf("%w: huff: %w", ErrDecompressFailed, ErrOutOfData)
	}
	return len(dst), nil
}

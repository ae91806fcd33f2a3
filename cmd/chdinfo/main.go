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

// Command chdinfo inspects CHD images: header fields, codec usage, track
// layout, and optional full verification or extraction of the raw data.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	chd "github.com/ZaparooProject/go-chd"
)

var (
	inputFile  = flag.String("i", "", "input CHD file path (required)")
	jsonOutput = flag.Bool("json", false, "output as JSON")
	verify     = flag.Bool("verify", false, "decode every hunk and report checksum failures")
	extract    = flag.Bool("extract", false, "write the decompressed logical data to -o")
	outputFile = flag.String("o", "", "output file path for -extract")
	version    = flag.Bool("version", false, "print version and exit")
)

const appVersion = "0.1.0"

type info struct {
	Version      uint32      `json:"version"`
	LogicalBytes uint64      `json:"logical_bytes"`
	HunkBytes    uint32      `json:"hunk_bytes"`
	UnitBytes    uint32      `json:"unit_bytes"`
	NumHunks     uint32      `json:"num_hunks"`
	Compressors  []string    `json:"compressors"`
	HasParent    bool        `json:"has_parent"`
	SHA1         string      `json:"sha1"`
	Tracks       []chd.Track `json:"tracks,omitempty"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -i <file.chd> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Inspects CHD (Compressed Hunks of Data) images.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i game.chd\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i game.chd -verify\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i game.chd -extract -o game.bin\n", os.Args[0])
	}
	flag.Parse()

	if *version {
		fmt.Printf("chdinfo version %s\n", appVersion)
		os.Exit(0)
	}

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Error: input file required (-i)\n")
		flag.Usage()
		os.Exit(1)
	}

	c, err := chd.Open(*inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening CHD: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if *jsonOutput {
		outputJSON(c)
	} else {
		outputText(c)
	}

	if *verify {
		if !verifyHunks(c) {
			os.Exit(1)
		}
	}

	if *extract {
		if *outputFile == "" {
			fmt.Fprintf(os.Stderr, "Error: -extract requires -o\n")
			os.Exit(1)
		}
		if err := extractData(c, *outputFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error extracting: %v\n", err)
			os.Exit(1)
		}
	}
}

func buildInfo(c *chd.CHD) info {
	header := c.Header()

	var compressors []string
	if header.Version >= 5 {
		for _, tag := range header.Compressors {
			if tag != 0 {
				compressors = append(compressors, chd.CodecTagString(tag))
			}
		}
	} else if header.Compression != 0 {
		compressors = append(compressors, fmt.Sprintf("type %d", header.Compression))
	}
	if len(compressors) == 0 {
		compressors = []string{"none"}
	}

	return info{
		Version:      header.Version,
		LogicalBytes: header.LogicalBytes,
		HunkBytes:    header.HunkBytes,
		UnitBytes:    header.UnitBytes,
		NumHunks:     c.NumHunks(),
		Compressors:  compressors,
		HasParent:    header.HasParent(),
		SHA1:         fmt.Sprintf("%x", header.SHA1),
		Tracks:       c.Tracks(),
	}
}

func outputJSON(c *chd.CHD) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(buildInfo(c)); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func outputText(c *chd.CHD) {
	i := buildInfo(c)
	fmt.Printf("Version: %d\n", i.Version)
	fmt.Printf("Logical size: %d bytes\n", i.LogicalBytes)
	fmt.Printf("Hunk size: %d bytes (%d hunks)\n", i.HunkBytes, i.NumHunks)
	fmt.Printf("Unit size: %d bytes\n", i.UnitBytes)
	fmt.Printf("Compression:")
	for _, name := range i.Compressors {
		fmt.Printf(" %s", name)
	}
	fmt.Println()
	if i.HasParent {
		fmt.Println("Parent: required (delta CHD)")
	}
	fmt.Printf("SHA1: %s\n", i.SHA1)

	for _, track := range i.Tracks {
		fmt.Printf("Track %d: %s", track.Number, track.Type)
		if track.SubType != "" {
			fmt.Printf(" subtype %s", track.SubType)
		}
		fmt.Printf(" frames %d pregap %d\n", track.Frames, track.Pregap)
	}
}

func verifyHunks(c *chd.CHD) bool {
	failures := 0
	for hunkNum := uint32(0); hunkNum < c.NumHunks(); hunkNum++ {
		if _, err := c.ReadHunk(hunkNum); err != nil {
			if errors.Is(err, chd.ErrNoParent) {
				fmt.Printf("Hunk %d: skipped (parent reference)\n", hunkNum)
				continue
			}
			fmt.Printf("Hunk %d: %v\n", hunkNum, err)
			failures++
		}
	}
	if failures > 0 {
		fmt.Printf("Verification FAILED: %d of %d hunks bad\n", failures, c.NumHunks())
		return false
	}
	fmt.Printf("Verification OK: %d hunks\n", c.NumHunks())
	return true
}

func extractData(c *chd.CHD, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, io.NewSectionReader(c, 0, c.Size())); err != nil {
		return fmt.Errorf("copy data: %w", err)
	}
	return nil
}

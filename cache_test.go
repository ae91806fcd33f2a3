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

import "testing"

func TestCacheEntries(t *testing.T) {
	t.Parallel()

	if got := cacheEntries(8192, 4096); got != 2 {
		t.Errorf("cacheEntries(8192, 4096) = %d, want 2", got)
	}
	// Budgets below one hunk still hold one entry.
	if got := cacheEntries(100, 4096); got != 1 {
		t.Errorf("cacheEntries(100, 4096) = %d, want 1", got)
	}
	if got := cacheEntries(0, 4096); got != 1 {
		t.Errorf("cacheEntries(0, 4096) = %d, want 1", got)
	}
}

func TestHunkCacheLRU(t *testing.T) {
	t.Parallel()

	hc, err := newHunkCache(4096, 2*4096)
	if err != nil {
		t.Fatalf("newHunkCache: %v", err)
	}

	hc.put(1, []byte{1})
	hc.put(2, []byte{2})

	// Touch 1 so 2 becomes least recently used, then insert 3.
	if _, ok := hc.get(1); !ok {
		t.Fatal("hunk 1 missing")
	}
	hc.put(3, []byte{3})

	if _, ok := hc.get(2); ok {
		t.Error("hunk 2 should have been evicted")
	}
	if _, ok := hc.get(1); !ok {
		t.Error("hunk 1 should have survived")
	}
	if _, ok := hc.get(3); !ok {
		t.Error("hunk 3 should be cached")
	}

	stats := hc.snapshot()
	if stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
	if stats.Hits != 3 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 3/1", stats.Hits, stats.Misses)
	}
}

func TestHunkCacheResize(t *testing.T) {
	t.Parallel()

	hc, err := newHunkCache(4096, 4*4096)
	if err != nil {
		t.Fatalf("newHunkCache: %v", err)
	}
	for i := uint32(0); i < 4; i++ {
		hc.put(i, []byte{byte(i)})
	}

	// Shrinking to one entry keeps only the most recent hunk.
	hc.resize(4096)
	if _, ok := hc.get(3); !ok {
		t.Error("most recent hunk evicted by resize")
	}
	if _, ok := hc.get(0); ok {
		t.Error("old hunk survived resize")
	}
	if stats := hc.snapshot(); stats.Evictions != 3 {
		t.Errorf("evictions = %d, want 3", stats.Evictions)
	}
}

func TestHunkCachePurge(t *testing.T) {
	t.Parallel()

	hc, err := newHunkCache(4096, 0)
	if err != nil {
		t.Fatalf("newHunkCache: %v", err)
	}
	hc.put(0, []byte{0})
	hc.purge()

	if _, ok := hc.get(0); ok {
		t.Error("entry survived purge")
	}
	if stats := hc.snapshot(); stats.Evictions != 0 {
		t.Errorf("purge counted as eviction: %d", stats.Evictions)
	}
}

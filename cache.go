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
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheHunks is the number of decoded hunks cached when no explicit
// budget is set.
const DefaultCacheHunks = 16

// CacheStats reports hunk cache activity. Decodes counts hunks that went
// through a codec; a warm cache keeps it well below Hits+Misses.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Decodes   uint64
}

// hunkCache is an LRU cache of decoded hunks keyed by hunk index. Hunks are
// uniform in size, so a byte budget maps directly to an entry count.
type hunkCache struct {
	mu        sync.Mutex
	lru       *lru.Cache[uint32, []byte]
	hunkBytes uint32
	stats     CacheStats
}

// cacheEntries converts a byte budget to an entry count, with a floor of one
// entry so a sequential read is never forced to decode its hunk twice.
func cacheEntries(budget int64, hunkBytes uint32) int {
	if hunkBytes == 0 {
		return 1
	}
	entries := int(budget / int64(hunkBytes))
	if entries < 1 {
		entries = 1
	}
	return entries
}

// newHunkCache creates a cache sized for the given byte budget. A budget of
// zero or less uses the default of DefaultCacheHunks hunks.
func newHunkCache(hunkBytes uint32, budget int64) (*hunkCache, error) {
	hc := &hunkCache{hunkBytes: hunkBytes}

	entries := DefaultCacheHunks
	if budget > 0 {
		entries = cacheEntries(budget, hunkBytes)
	}
	cache, err := lru.NewWithEvict[uint32, []byte](entries, func(uint32, []byte) {
		hc.stats.Evictions++
	})
	if err != nil {
		return nil, err
	}
	hc.lru = cache
	return hc, nil
}

// get looks up a decoded hunk, updating recency.
func (hc *hunkCache) get(hunkNum uint32) ([]byte, bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	data, ok := hc.lru.Get(hunkNum)
	if ok {
		hc.stats.Hits++
	} else {
		hc.stats.Misses++
	}
	return data, ok
}

// put stores a decoded hunk, evicting the least recently used entry if the
// cache is full.
func (hc *hunkCache) put(hunkNum uint32, data []byte) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lru.Add(hunkNum, data)
}

// addDecode counts one codec invocation.
func (hc *hunkCache) addDecode() {
	hc.mu.Lock()
	hc.stats.Decodes++
	hc.mu.Unlock()
}

// resize applies a new byte budget, evicting down to size if needed.
// The eviction callback fires for entries dropped by the resize.
func (hc *hunkCache) resize(budget int64) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lru.Resize(cacheEntries(budget, hc.hunkBytes))
}

// snapshot returns a copy of the counters.
func (hc *hunkCache) snapshot() CacheStats {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.stats
}

// purge drops all entries without counting them as evictions.
func (hc *hunkCache) purge() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	evictions := hc.stats.Evictions
	hc.lru.Purge()
	hc.stats.Evictions = evictions
}

/*
Copyright 2026 The CFEngine authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package client

import "sync"

type statCacheKey struct {
	server string
	path   string
}

// statCache caches FileInfo by (remote_path, server), with no TTL:
// entries live until the caller explicitly invalidates them, since a
// time-based expiry has no correct value when a peer's GET/SYNCH
// cadence is caller-controlled, not polled.
type statCache struct {
	mu      sync.Mutex
	entries map[statCacheKey]FileInfo
}

func newStatCache() *statCache {
	return &statCache{entries: make(map[statCacheKey]FileInfo)}
}

func (c *statCache) get(server, path string) (FileInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fi, ok := c.entries[statCacheKey{server, path}]
	return fi, ok
}

func (c *statCache) put(server, path string, fi FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[statCacheKey{server, path}] = fi
}

func (c *statCache) invalidate(server, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, statCacheKey{server, path})
}

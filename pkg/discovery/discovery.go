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

// Package discovery is the optional hub-discovery seam. The original source dlopen-probes
// hard-coded paths for Avahi at runtime; this replacement is an
// explicit interface with a no-op default, selected at build time
// instead of probed for at runtime.
package discovery

// Hub describes one discovered policy hub.
type Hub struct {
	Name    string
	Address string
}

// Discoverer finds candidate policy hubs on the local network.
type Discoverer interface {
	Discover() ([]Hub, error)
}

// Noop is the default Discoverer: it finds nothing. A build tagged to
// pull in a real mDNS/Avahi client can provide a different Discoverer;
// none is wired into this module since no deployment target in scope
// requires hub auto-discovery.
type Noop struct{}

// Discover always returns no hubs, successfully.
func (Noop) Discover() ([]Hub, error) { return nil, nil }

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

// Package server runs the per-connection command dispatcher and the
// listener/connection-pool machinery around it.
package server

// connState is the state a single connection occupies.
type connState string

const (
	statePreHandshake  connState = "PreHandshake"
	stateHandshaking   connState = "Handshaking"
	stateAuthenticated connState = "Authenticated"
	stateReady         connState = "Ready"
	stateServing       connState = "Serving"
	stateTerminating   connState = "Terminating"
)

// validDispatch reports whether a command may be processed from state s;
// only Ready accepts a new command, enforcing no-pipelining on a single
// connection.
func validDispatch(s connState) bool {
	return s == stateReady
}

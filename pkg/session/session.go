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

// Package session holds the ConnectionInfo type shared by C5 (TLS
// session) and C6 (legacy session) as output, and by C7 (server state
// machine) as input, plus the trust-decision logic both handshakes
// share.
package session

import (
	"time"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/key"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/wire"
)

// ProtocolVersion is the negotiated wire-protocol version. CLASSIC (1)
// means the legacy session was used instead of TLS.
type ProtocolVersion int

const (
	Undefined ProtocolVersion = 0
	Classic   ProtocolVersion = 1
)

// Info is the connection state produced by a completed handshake.
type Info struct {
	Framer            *wire.Framer
	NegotiatedVersion ProtocolVersion
	RemoteKey         *key.Ref
	RemoteAddress     string
	Username          string
}

// Decision is the outcome of a trust evaluation.
type Decision string

const (
	DecisionKnownMatch    Decision = "known-match"
	DecisionKnownMismatch Decision = "known-mismatch"
	DecisionTOFU          Decision = "tofu"
	DecisionRejected      Decision = "rejected"
)

// EvaluateTrust implements the trust decision shared by the TLS and legacy
// decision: look up the presented key by fingerprint in the lastseen
// index, and either accept it (known, possibly updating the address),
// TOFU-install it if policy allows, or reject it. It never mutates the
// lastseen database on rejection.
func EvaluateTrust(
	ix *lastseen.Index,
	kr *policy.Keyring,
	pol *policy.Policy,
	role lastseen.Role,
	user string,
	k *key.Key,
	remoteAddr string,
	now time.Time,
) (Decision, error) {
	fp := k.Fingerprint()

	knownAddr, known, err := ix.LookupByFingerprint(fp)
	if err != nil {
		return "", err
	}

	if known {
		decision := DecisionKnownMatch
		if knownAddr != remoteAddr {
			decision = DecisionKnownMismatch // still trusted: key, not address, is the identity
		}
		if err := ix.Record(fp, remoteAddr, role, now); err != nil {
			return "", err
		}
		return decision, nil
	}

	if !pol.TrustsAddress(remoteAddr) {
		return DecisionRejected, nil
	}

	if err := kr.Install(user, hexFingerprint(fp), k.Raw()); err != nil {
		return "", err
	}
	if err := ix.Record(fp, remoteAddr, role, now); err != nil {
		return "", err
	}
	return DecisionTOFU, nil
}

// hexFingerprint strips the "METHOD=" prefix a printable fingerprint
// carries, since keyring file names use the bare hex digest.
func hexFingerprint(printable string) string {
	for i, c := range printable {
		if c == '=' {
			return printable[i+1:]
		}
	}
	return printable
}

// RejectedErr is returned by a handshake when EvaluateTrust yields
// DecisionRejected.
func RejectedErr() error {
	return corenet.New(corenet.KindTrust, "UntrustedPeer")
}

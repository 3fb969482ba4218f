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

// Package tlssession implements the TLS handshake, peer
// identity extraction, version negotiation, and the TOFU/policy trust
// decision for protocol v2.
package tlssession

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/key"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/metrics"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/session"
	"github.com/cfengine/corenet/pkg/wire"
)

// HighestSupportedVersion is the highest protocol version this
// implementation speaks; negotiation takes min(theirs, ours).
const HighestSupportedVersion = 2

// WelcomeBanner identifies this implementation in the server welcome line.
const WelcomeBanner = "CFENGINE_CORE_SERVER"

// HandshakeTimeout bounds every individual read/write during the
// handshake.
const HandshakeTimeout = 30 * time.Second

// Deps bundles the trust-plane collaborators the handshake consults.
type Deps struct {
	Lastseen *lastseen.Index
	Keyring  *policy.Keyring
	Policy   *policy.Store
	Log      logr.Logger
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Accept performs the responder side of the handshake over an
// already-completed server-side TLS connection: version negotiation,
// identity dialog, trust decision, and welcome banner.
func Accept(tlsConn *tls.Conn, remoteAddr string, deps Deps) (*session.Info, error) {
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, corenet.Wrap(corenet.KindTransport, "tls handshake", err)
	}
	peerKey, err := PeerKey(tlsConn.ConnectionState())
	if err != nil {
		return nil, err
	}

	f := wire.NewFramer(tlsConn)
	deadline := time.Now().Add(HandshakeTimeout)

	theirLine, err := f.ReadLine(deadline)
	if err != nil {
		return nil, err
	}
	theirVersion, ok := parseVersionLine(string(theirLine))
	if !ok {
		return nil, corenet.New(corenet.KindProtocol, "UNDEFINED: unparseable CFE_v advertisement")
	}
	negotiated := theirVersion
	if HighestSupportedVersion < negotiated {
		negotiated = HighestSupportedVersion
	}

	userLine, err := f.ReadLine(deadline)
	if err != nil {
		return nil, err
	}
	username := string(userLine)
	if !validUsername(username) {
		return nil, corenet.New(corenet.KindProtocol, "invalid username")
	}

	pol := deps.Policy.Current()
	decision, err := session.EvaluateTrust(deps.Lastseen, deps.Keyring, pol, lastseen.RoleInbound, username, peerKey, remoteAddr, deps.now())
	if err != nil {
		return nil, err
	}
	metrics.TrustDecision(string(decision))
	if decision == session.DecisionRejected {
		_ = f.WriteLine("BAD: unknown key")
		return nil, session.RejectedErr()
	}

	if err := f.WriteLine(fmt.Sprintf("%s v%d", WelcomeBanner, negotiated)); err != nil {
		return nil, err
	}

	return &session.Info{
		Framer:            f,
		NegotiatedVersion: session.ProtocolVersion(negotiated),
		RemoteKey:         key.Acquire(peerKey),
		RemoteAddress:     remoteAddr,
		Username:          username,
	}, nil
}

// Connect performs the initiator side of the handshake over an
// already-completed client-side TLS connection.
func Connect(tlsConn *tls.Conn, username string, remoteAddr string, deps Deps) (*session.Info, error) {
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, corenet.Wrap(corenet.KindTransport, "tls handshake", err)
	}
	peerKey, err := PeerKey(tlsConn.ConnectionState())
	if err != nil {
		return nil, err
	}

	f := wire.NewFramer(tlsConn)
	deadline := time.Now().Add(HandshakeTimeout)

	if err := f.WriteLine(fmt.Sprintf("CFE_v%d", HighestSupportedVersion)); err != nil {
		return nil, err
	}
	if err := f.WriteLine(username); err != nil {
		return nil, err
	}

	welcome, err := f.ReadLine(deadline)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(string(welcome), "BAD:") {
		return nil, corenet.New(corenet.KindProtocol, string(welcome))
	}

	if deps.Lastseen != nil {
		pol := deps.Policy.Current()
		decision, err := session.EvaluateTrust(deps.Lastseen, deps.Keyring, pol, lastseen.RoleOutbound, username, peerKey, remoteAddr, deps.now())
		if err != nil {
			return nil, err
		}
		metrics.TrustDecision(string(decision))
		if decision == session.DecisionRejected {
			return nil, session.RejectedErr()
		}
	}

	return &session.Info{
		Framer:            f,
		NegotiatedVersion: Classic2Negotiated(welcome),
		RemoteKey:         key.Acquire(peerKey),
		RemoteAddress:     remoteAddr,
		Username:          username,
	}, nil
}

// Classic2Negotiated pulls the negotiated version back out of the
// server's welcome banner ("<BANNER> v<N>").
func Classic2Negotiated(welcome []byte) session.ProtocolVersion {
	parts := strings.Fields(string(welcome))
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "v") {
		return session.ProtocolVersion(HighestSupportedVersion)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
	if err != nil || n <= 0 {
		return session.ProtocolVersion(HighestSupportedVersion)
	}
	return session.ProtocolVersion(n)
}

func parseVersionLine(line string) (int, bool) {
	const prefix = "CFE_v"
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(line, prefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func validUsername(u string) bool {
	if len(u) == 0 || len(u) > 64 {
		return false
	}
	for _, r := range u {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

// ServerTLSConfig builds the TLS config: a deployment-chosen
// minimum version (default latest supported), requiring (but never
// verifying against a CA) the client's certificate so its public key
// can be extracted as its identity. No cipher-suite restriction is
// applied; Go's default suites are used.
func ServerTLSConfig(cert tls.Certificate, minVersion uint16) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, //nolint:gosec // self-signed carrier by design
		MinVersion:         minVersion,
	}
}

// ClientTLSConfig mirrors ServerTLSConfig for the initiator.
func ClientTLSConfig(cert tls.Certificate, minVersion uint16) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         minVersion,
	}
}

// DialTLS is a small convenience wrapper so callers don't need to
// import crypto/tls directly just to open the session-layer connection.
func DialTLS(network, addr string, cfg *tls.Config) (*tls.Conn, error) {
	raw, err := net.DialTimeout(network, addr, HandshakeTimeout)
	if err != nil {
		return nil, corenet.Wrap(corenet.KindTransport, "dial", err)
	}
	return tls.Client(raw, cfg), nil
}

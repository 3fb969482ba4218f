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

// Package legacy implements the pre-TLS cleartext identity/challenge
// exchange kept for backward compatibility with peers advertising
// CFE_v1 or nothing at all. Disabled by default; a listener opts in
// per its policy document.
//
// Grounded on original_source/libcfnet/classic.c and
// original_source/libcfnet/protocol.c for the fixed-record framing and
// challenge-response shape. The original's Blowfish-CBC session cipher
// is replaced here with golang.org/x/crypto/chacha20poly1305 (an
// indirect dependency promoted to direct use) — only the handshake
// framing is wire-mandated, the symmetric primitive is not.
package legacy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/key"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/metrics"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/session"
	"github.com/cfengine/corenet/pkg/wire"
)

// HandshakeTimeout bounds every read/write of the legacy dialog.
const HandshakeTimeout = 30 * time.Second

const nonceSize = 32

// Deps mirrors tlssession.Deps for the legacy path.
type Deps struct {
	Lastseen *lastseen.Index
	Keyring  *policy.Keyring
	Policy   *policy.Store
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Identity is a peer's long-term RSA keypair, used both to answer the
// legacy challenge and to derive the Key fingerprint used by the trust
// plane.
type Identity struct {
	Private *rsa.PrivateKey
	Public  *key.Key
}

// NewIdentity wraps an RSA keypair as a legacy Identity.
func NewIdentity(priv *rsa.PrivateKey) (*Identity, error) {
	raw, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, corenet.Wrap(corenet.KindInternal, "InvalidKey: marshal public key", err)
	}
	k, err := key.New(raw, key.MethodSHA)
	if err != nil {
		return nil, err
	}
	return &Identity{Private: priv, Public: k}, nil
}

// Cipher holds a session key and a record counter. Accept and WrapConn
// do not use it; WrapConn keeps its own AEAD state.
type Cipher struct {
	aead  [32]byte
	nonce uint64
}

func deriveSessionKey(nonce []byte) [32]byte {
	return sha256.Sum256(nonce)
}

// Accept performs the responder side of the legacy dialog: hostname and
// username exchange, the RSA challenge proving the initiator holds the
// claimed private key, symmetric session-key exchange, then the shared
// trust decision.
func Accept(f *wire.Framer, remoteAddr string, local *Identity, deps Deps) (*session.Info, []byte, error) {
	deadline := time.Now().Add(HandshakeTimeout)

	rec, err := f.ReadFixedRecord(deadline)
	if err != nil {
		return nil, nil, err
	}
	hostname, username, ok := splitHelloRecord(rec)
	if !ok {
		return nil, nil, corenet.New(corenet.KindProtocol, "malformed legacy hello")
	}
	_ = hostname

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, corenet.Wrap(corenet.KindInternal, "generate challenge nonce", err)
	}

	peerRawPub, err := f.ReadFixedRecord(deadline)
	if err != nil {
		return nil, nil, err
	}
	peerPub, err := parseRSAPublic(trimRecord(peerRawPub))
	if err != nil {
		return nil, nil, corenet.Wrap(corenet.KindProtocol, "parse peer public key", err)
	}

	challenge, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPub, nonce, nil)
	if err != nil {
		return nil, nil, corenet.Wrap(corenet.KindInternal, "encrypt challenge", err)
	}
	if err := f.WriteFixedRecord(challenge); err != nil {
		return nil, nil, err
	}

	responseDigest, err := f.ReadFixedRecord(deadline)
	if err != nil {
		return nil, nil, err
	}
	wantDigest := sha256.Sum256(nonce)
	if !equalTrimmed(responseDigest, wantDigest[:]) {
		return nil, nil, corenet.New(corenet.KindTrust, "legacy challenge response mismatch")
	}

	peerRaw, err := x509.MarshalPKIXPublicKey(peerPub)
	if err != nil {
		return nil, nil, corenet.Wrap(corenet.KindInternal, "marshal peer public key", err)
	}
	peerKey, err := key.New(peerRaw, key.MethodSHA)
	if err != nil {
		return nil, nil, err
	}

	pol := deps.Policy.Current()
	decision, err := session.EvaluateTrust(deps.Lastseen, deps.Keyring, pol, lastseen.RoleInbound, username, peerKey, remoteAddr, deps.now())
	if err != nil {
		return nil, nil, err
	}
	metrics.TrustDecision(string(decision))
	if decision == session.DecisionRejected {
		return nil, nil, session.RejectedErr()
	}

	sessionKey := deriveSessionKey(nonce)

	return &session.Info{
		Framer:            f,
		NegotiatedVersion: session.Classic,
		RemoteKey:         key.Acquire(peerKey),
		RemoteAddress:     remoteAddr,
		Username:          username,
	}, sessionKey[:], nil
}

// NewAEAD constructs the ChaCha20-Poly1305 AEAD for the negotiated
// session key. WrapConn uses it to seal and open every message written
// to or read from the connection after the dialog.
func NewAEAD(sessionKey []byte) (func([]byte) ([]byte, error), func([]byte) ([]byte, error), error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, nil, corenet.Wrap(corenet.KindInternal, "construct session cipher", err)
	}
	var seq uint64
	seal := func(plain []byte) ([]byte, error) {
		nonce := nonceFromSeq(seq)
		seq++
		return aead.Seal(nonce, nonce, plain, nil), nil
	}
	var rseq uint64
	open := func(ciphertext []byte) ([]byte, error) {
		if len(ciphertext) < aead.NonceSize() {
			return nil, corenet.New(corenet.KindProtocol, "ciphertext too short")
		}
		nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
		plain, err := aead.Open(nil, nonce, body, nil)
		rseq++
		if err != nil {
			return nil, corenet.Wrap(corenet.KindProtocol, "decrypt record", err)
		}
		return plain, nil
	}
	return seal, open, nil
}

func nonceFromSeq(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	for i := 0; i < 8; i++ {
		n[i] = byte(seq >> (8 * i))
	}
	return n
}

func splitHelloRecord(rec []byte) (hostname, username string, ok bool) {
	s := trimRecord(rec)
	parts := strings.SplitN(s, "\x00", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func trimRecord(rec []byte) string {
	i := 0
	for i < len(rec) && rec[i] != 0 {
		i++
	}
	return string(rec[:i])
}

func equalTrimmed(a, b []byte) bool {
	a = []byte(trimRecord(a))
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseRSAPublic(der string) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey([]byte(der))
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, corenet.New(corenet.KindProtocol, "peer key is not RSA")
	}
	return rsaPub, nil
}

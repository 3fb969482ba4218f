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

package tlssession

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/key"
)

// certLifetime matches the spirit of CFEngine's historically
// long-lived host identity certificates: this identity is meant to
// outlive many TLS sessions, not to be a short-lived leaf cert from a
// CA-backed chain. There is no CA chain here at all; the certificate
// is a self-signed carrier and is never verified against one.
const certLifetime = 10 * 365 * 24 * time.Hour

// LoadOrGenerateIdentity loads an existing self-signed identity from
// keyPath/certPath, or generates a fresh RSA-2048 keypair and
// certificate and persists it, if absent. It returns the tls.Certificate
// for use in a tls.Config plus the wrapped public Key for fingerprinting
// and lastseen lookups.
//
// Built on the standard library (crypto/tls, crypto/x509) rather than
// a third-party TLS helper; see DESIGN.md for why.
func LoadOrGenerateIdentity(keyPath, certPath string) (tls.Certificate, *key.Key, error) {
	if cert, k, err := loadIdentity(keyPath, certPath); err == nil {
		return cert, k, nil
	}
	return generateIdentity(keyPath, certPath)
}

func loadIdentity(keyPath, certPath string) (tls.Certificate, *key.Key, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	k, err := keyFromPublic(leaf.PublicKey)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, k, nil
}

func generateIdentity(keyPath, certPath string) (tls.Certificate, *key.Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, nil, corenet.Wrap(corenet.KindInternal, "generate identity key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, corenet.Wrap(corenet.KindInternal, "generate serial", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "cfengine-host-identity"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, corenet.Wrap(corenet.KindInternal, "create self-signed certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	if keyPath != "" && certPath != "" {
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			return tls.Certificate{}, nil, corenet.Wrap(corenet.KindStorage, "persist identity key", err)
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			return tls.Certificate{}, nil, corenet.Wrap(corenet.KindStorage, "persist identity cert", err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, corenet.Wrap(corenet.KindInternal, "assemble tls certificate", err)
	}
	k, err := keyFromPublic(&priv.PublicKey)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, k, nil
}

func keyFromPublic(pub any) (*key.Key, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, corenet.New(corenet.KindInternal, "InvalidKey: unsupported public key type")
	}
	raw, err := x509.MarshalPKIXPublicKey(rsaPub)
	if err != nil {
		return nil, corenet.Wrap(corenet.KindInternal, "InvalidKey: marshal public key", err)
	}
	return key.New(raw, key.MethodSHA)
}

// PeerKey extracts the remote public key from a completed TLS
// connection state: the certificate is used purely
// as a key carrier, no CA chain is consulted.
func PeerKey(state tls.ConnectionState) (*key.Key, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, corenet.New(corenet.KindProtocol, "no peer certificate presented")
	}
	return keyFromPublic(state.PeerCertificates[0].PublicKey)
}

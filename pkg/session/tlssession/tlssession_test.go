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

package tlssession_test

import (
	"crypto/tls"
	"net"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/session"
	"github.com/cfengine/corenet/pkg/session/tlssession"
	"github.com/cfengine/corenet/pkg/store"
)

func TestTLSSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "tlssession suite")
}

func openIndex() *lastseen.Index {
	db, err := store.Open(GinkgoT().TempDir() + "/db")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(db.Close)
	return lastseen.Open(db)
}

func writePolicy(dir, yaml string) *policy.Store {
	path := dir + "/policy.yaml"
	Expect(writeFile(path, yaml)).To(Succeed())
	s, err := policy.Load(path)
	Expect(err).NotTo(HaveOccurred())
	return s
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

var _ = Describe("Accept/Connect handshake", func() {
	var (
		serverCert tls.Certificate
		clientCert tls.Certificate
		dir        string
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		serverCert, _, err = tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
		clientCert, _, err = tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
	})

	runHandshake := func(pol *policy.Store, ix *lastseen.Index, kr *policy.Keyring, clientAddr string) (*session.Info, *session.Info, error, error) {
		clientRaw, serverRaw := net.Pipe()

		serverTLS := tls.Server(serverRaw, tlssession.ServerTLSConfig(serverCert, tls.VersionTLS12))
		clientTLS := tls.Client(clientRaw, tlssession.ClientTLSConfig(clientCert, tls.VersionTLS12))

		type result struct {
			info *session.Info
			err  error
		}
		serverCh := make(chan result, 1)
		clientCh := make(chan result, 1)

		go func() {
			info, err := tlssession.Accept(serverTLS, clientAddr, tlssession.Deps{
				Lastseen: ix, Keyring: kr, Policy: pol,
			})
			serverCh <- result{info, err}
		}()
		go func() {
			info, err := tlssession.Connect(clientTLS, "alice", "10.0.0.1:5308", tlssession.Deps{
				Lastseen: ix, Keyring: kr, Policy: pol,
			})
			clientCh <- result{info, err}
		}()

		var sres, cres result
		Eventually(serverCh, 5*time.Second).Should(Receive(&sres))
		Eventually(clientCh, 5*time.Second).Should(Receive(&cres))
		return sres.info, cres.info, sres.err, cres.err
	}

	It("completes TOFU trust on first contact from a trusted network", func() {
		dir := GinkgoT().TempDir()
		pol := writePolicy(dir, "trust_keys_from:\n  - 10.0.0.0/8\n")
		ix := openIndex()
		kr := policy.NewKeyring(dir + "/keyring")

		sInfo, cInfo, sErr, cErr := runHandshake(pol, ix, kr, "10.0.0.5:41000")
		Expect(sErr).NotTo(HaveOccurred())
		Expect(cErr).NotTo(HaveOccurred())
		Expect(sInfo.Username).To(Equal("alice"))
		Expect(sInfo.NegotiatedVersion).To(Equal(session.ProtocolVersion(2)))
		Expect(cInfo.NegotiatedVersion).To(Equal(session.ProtocolVersion(2)))

		addr, known, err := ix.LookupByFingerprint(cInfo.RemoteKey.Key().Fingerprint())
		Expect(err).NotTo(HaveOccurred())
		Expect(known).To(BeTrue())
		Expect(addr).To(Equal("10.0.0.1:5308"))
	})

	It("rejects an unknown key from an untrusted network without mutating lastseen", func() {
		dir := GinkgoT().TempDir()
		pol := writePolicy(dir, "trust_keys_from: []\n")
		ix := openIndex()
		kr := policy.NewKeyring(dir + "/keyring")

		_, _, sErr, cErr := runHandshake(pol, ix, kr, "10.0.0.5:41000")
		Expect(sErr).To(HaveOccurred())
		Expect(cErr).To(HaveOccurred())

		peers, err := ix.Enumerate()
		Expect(err).NotTo(HaveOccurred())
		Expect(peers).To(BeEmpty())
	})

	It("recognizes a previously trusted key reconnecting from a new address", func() {
		dir := GinkgoT().TempDir()
		pol := writePolicy(dir, "trust_keys_from:\n  - 10.0.0.0/8\n")
		ix := openIndex()
		kr := policy.NewKeyring(dir + "/keyring")

		_, cInfo1, sErr1, cErr1 := runHandshake(pol, ix, kr, "10.0.0.5:41000")
		Expect(sErr1).NotTo(HaveOccurred())
		Expect(cErr1).NotTo(HaveOccurred())
		fp := cInfo1.RemoteKey.Key().Fingerprint()

		// Same keypair reconnects from a different client-reported address;
		// the server is still consulted by fingerprint, address mismatch
		// doesn't block the session, only flags it.
		serverCert2 := serverCert
		_ = serverCert2
		sInfo2, _, sErr2, cErr2 := runHandshake(pol, ix, kr, "10.0.0.6:41000")
		Expect(sErr2).NotTo(HaveOccurred())
		Expect(cErr2).NotTo(HaveOccurred())
		Expect(sInfo2.RemoteKey.Key().Fingerprint()).To(Equal(fp))
	})
})

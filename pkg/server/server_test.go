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

package server_test

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/config"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/server"
	"github.com/cfengine/corenet/pkg/session/tlssession"
	"github.com/cfengine/corenet/pkg/store"
	"github.com/cfengine/corenet/pkg/wire"
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "server suite")
}

func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startServer(root string, idleTimeout time.Duration, policyYAML string) (addr string, stop func()) {
	Expect(os.WriteFile(filepath.Join(root, "policy.yaml"), []byte(policyYAML), 0o644)).To(Succeed())
	pol, err := policy.Load(filepath.Join(root, "policy.yaml"))
	Expect(err).NotTo(HaveOccurred())

	db, err := store.Open(filepath.Join(root, "lastseen.db"))
	Expect(err).NotTo(HaveOccurred())
	ix := lastseen.Open(db)
	kr := policy.NewKeyring(filepath.Join(root, "ppkeys"))

	cert, _, err := tlssession.LoadOrGenerateIdentity("", "")
	Expect(err).NotTo(HaveOccurred())

	cfg := config.DefaultServer()
	cfg.ListenAddr = freeAddr()
	cfg.IdleTimeout = idleTimeout
	cfg.SweepEvery = 50 * time.Millisecond

	srv := server.New(cfg, server.Deps{
		Cert:     cert,
		Lastseen: ix,
		Keyring:  kr,
		Policy:   pol,
		Actuators: server.Actuators{
			Bundles: server.NoopActuators{},
			Scalars: server.NoopActuators{},
			Queries: server.NoopActuators{},
		},
		Root: root,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// give the listener a moment to bind
	Eventually(func() error {
		c, err := net.Dial("tcp", cfg.ListenAddr)
		if err == nil {
			c.Close()
		}
		return err
	}, time.Second).Should(Succeed())

	return cfg.ListenAddr, func() {
		cancel()
		<-done
		db.Close()
	}
}

func dialClient(addr, username string) (*tls.Conn, *wire.Framer) {
	clientCert, _, err := tlssession.LoadOrGenerateIdentity("", "")
	Expect(err).NotTo(HaveOccurred())
	raw, err := net.DialTimeout("tcp", addr, 2*time.Second)
	Expect(err).NotTo(HaveOccurred())
	tlsConn := tls.Client(raw, tlssession.ClientTLSConfig(clientCert, tls.VersionTLS12))
	info, err := tlssession.Connect(tlsConn, username, raw.LocalAddr().String(), tlssession.Deps{})
	Expect(err).NotTo(HaveOccurred())
	return tlsConn, info.Framer
}

var _ = Describe("command dispatch over a live listener", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
	})

	It("lists a directory and terminates the body with the marker", func() {
		etc := filepath.Join(root, "etc")
		Expect(os.MkdirAll(etc, 0o755)).To(Succeed())
		for _, name := range []string{"a", "b", "c"} {
			Expect(os.WriteFile(filepath.Join(etc, name), []byte("x"), 0o644)).To(Succeed())
		}

		addr, stop := startServer(root, time.Hour, "trust_keys_from:\n  - 127.0.0.1/32\naccess:\n  - path: /\n    addresses: [\"127.0.0.1\"]\n")
		defer stop()

		tlsConn, f := dialClient(addr, "alice")
		defer tlsConn.Close()

		Expect(f.WriteLine("OPENDIR /etc")).To(Succeed())
		body, err := f.ReadTransaction(time.Now().Add(2 * time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(HaveSuffix("CFD_TERMINATOR"))
		for _, name := range []string{"a", "b", "c", ".", ".."} {
			Expect(string(body)).To(ContainSubstring(name))
		}
	})

	It("denies access to a path with no matching rule", func() {
		addr, stop := startServer(root, time.Hour, "trust_keys_from:\n  - 127.0.0.1/32\naccess: []\n")
		defer stop()

		tlsConn, f := dialClient(addr, "alice")
		defer tlsConn.Close()

		Expect(f.WriteLine("GET /etc/shadow")).To(Succeed())
		body, err := f.ReadTransaction(time.Now().Add(2 * time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("BAD: access denied"))
	})

	It("reports its implementation version", func() {
		addr, stop := startServer(root, time.Hour, "trust_keys_from:\n  - 127.0.0.1/32\n")
		defer stop()

		tlsConn, f := dialClient(addr, "alice")
		defer tlsConn.Close()

		Expect(f.WriteLine("VERSION")).To(Succeed())
		body, err := f.ReadTransaction(time.Now().Add(2 * time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("cf-serverd"))
	})

	It("reaps a connection that sends nothing within the idle timeout", func() {
		addr, stop := startServer(root, 150*time.Millisecond, "trust_keys_from:\n  - 127.0.0.1/32\n")
		defer stop()

		tlsConn, _ := dialClient(addr, "alice")
		defer tlsConn.Close()

		Eventually(func() error {
			_, err := tlsConn.Write([]byte("x"))
			return err
		}, 2*time.Second, 20*time.Millisecond).Should(HaveOccurred())
	})
})

var _ = Describe("access control longest-prefix matching", func() {
	It("grants the longer of two overlapping rules", func() {
		dir := GinkgoT().TempDir()
		doc := `
trust_keys_from:
  - 127.0.0.1/32
access:
  - path: /srv
    addresses: ["203.0.113.1"]
  - path: /srv/restricted
    fingerprints: []
`
		path := filepath.Join(dir, "policy.yaml")
		Expect(os.WriteFile(path, []byte(doc), 0o644)).To(Succeed())
		ps, err := policy.Load(path)
		Expect(err).NotTo(HaveOccurred())
		pol := ps.Current()

		Expect(pol.Allows("/srv/public/file", "", "203.0.113.1", "")).To(BeTrue())
		Expect(pol.Allows("/srv/restricted/file", "", "203.0.113.1", "")).To(BeFalse())
	})
})

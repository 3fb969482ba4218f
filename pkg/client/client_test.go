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

package client_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/client"
	"github.com/cfengine/corenet/pkg/config"
	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/server"
	"github.com/cfengine/corenet/pkg/session/tlssession"
	"github.com/cfengine/corenet/pkg/store"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "client suite")
}

func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startServer(root string, policyYAML string) (addr string, stop func()) {
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
	cfg.IdleTimeout = time.Hour
	cfg.SweepEvery = time.Minute

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

var _ = Describe("agent runtime against a live server", func() {
	var root string

	BeforeEach(func() {
		root = GinkgoT().TempDir()
	})

	It("fetches a file's contents with GetFile", func() {
		srvRoot := filepath.Join(root, "srv")
		Expect(os.MkdirAll(srvRoot, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(srvRoot, "hello.txt"), []byte("hello, agent"), 0o644)).To(Succeed())

		addr, stop := startServer(srvRoot, "trust_keys_from:\n  - 127.0.0.1/32\naccess:\n  - path: /\n    addresses: [\"127.0.0.1\"]\n")
		defer stop()

		clientCert, _, err := tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
		rt, err := client.Dial(context.Background(), addr, client.Options{Cert: clientCert, Username: "alice"})
		Expect(err).NotTo(HaveOccurred())
		defer rt.Close()

		dest := filepath.Join(root, "downloaded.txt")
		n, err := rt.GetFile(context.Background(), "/hello.txt", dest)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(len("hello, agent"))))

		body, err := os.ReadFile(dest)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("hello, agent"))
	})

	It("lists a directory and stats a file, caching the stat until invalidated", func() {
		srvRoot := filepath.Join(root, "srv")
		Expect(os.MkdirAll(filepath.Join(srvRoot, "etc"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(srvRoot, "etc", "a"), []byte("x"), 0o644)).To(Succeed())

		addr, stop := startServer(srvRoot, "trust_keys_from:\n  - 127.0.0.1/32\naccess:\n  - path: /\n    addresses: [\"127.0.0.1\"]\n")
		defer stop()

		clientCert, _, err := tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
		rt, err := client.Dial(context.Background(), addr, client.Options{Cert: clientCert, Username: "alice"})
		Expect(err).NotTo(HaveOccurred())
		defer rt.Close()

		names, err := rt.OpenDir(context.Background(), "/etc")
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ContainElement("a"))
		Expect(names).To(ContainElement("."))

		fi, err := rt.Stat(context.Background(), "/etc/a")
		Expect(err).NotTo(HaveOccurred())
		Expect(fi.Size).To(Equal(int64(1)))
		Expect(fi.IsDir).To(BeFalse())

		// second stat is served from cache, no round trip needed; the
		// value must still match since the file hasn't changed.
		fi2, err := rt.Stat(context.Background(), "/etc/a")
		Expect(err).NotTo(HaveOccurred())
		Expect(fi2).To(Equal(fi))

		rt.InvalidateStat("/etc/a")
		fi3, err := rt.Stat(context.Background(), "/etc/a")
		Expect(err).NotTo(HaveOccurred())
		Expect(fi3).To(Equal(fi))
	})

	It("reports access denied as a non-retryable error", func() {
		srvRoot := filepath.Join(root, "srv")
		Expect(os.MkdirAll(srvRoot, 0o755)).To(Succeed())

		addr, stop := startServer(srvRoot, "trust_keys_from:\n  - 127.0.0.1/32\naccess: []\n")
		defer stop()

		clientCert, _, err := tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
		rt, err := client.Dial(context.Background(), addr, client.Options{Cert: clientCert, Username: "alice"})
		Expect(err).NotTo(HaveOccurred())
		defer rt.Close()

		_, err = rt.Stat(context.Background(), "/secret")
		Expect(err).To(HaveOccurred())
		Expect(corenet.Retryable(err)).To(BeFalse())
	})

	It("reports its implementation version", func() {
		addr, stop := startServer(root, "trust_keys_from:\n  - 127.0.0.1/32\n")
		defer stop()

		clientCert, _, err := tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
		rt, err := client.Dial(context.Background(), addr, client.Options{Cert: clientCert, Username: "alice"})
		Expect(err).NotTo(HaveOccurred())
		defer rt.Close()

		v, err := rt.Version(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(ContainSubstring("cf-serverd"))
	})

	It("reports an EXEC request refused by access control as an error", func() {
		addr, stop := startServer(root, "trust_keys_from:\n  - 127.0.0.1/32\n")
		defer stop()

		clientCert, _, err := tlssession.LoadOrGenerateIdentity("", "")
		Expect(err).NotTo(HaveOccurred())
		rt, err := client.Dial(context.Background(), addr, client.Options{Cert: clientCert, Username: "alice"})
		Expect(err).NotTo(HaveOccurred())
		defer rt.Close()

		var buf bytes.Buffer
		err = rt.ExecBundle(context.Background(), "any_bundle", &buf)
		Expect(err).To(HaveOccurred())
	})
})

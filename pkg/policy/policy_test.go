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

package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/policy"
)

func TestPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "policy Suite")
}

func writeDoc(dir, body string) string {
	path := filepath.Join(dir, "policy.yaml")
	Expect(os.WriteFile(path, []byte(body), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Store", func() {
	It("trusts an address inside a configured CIDR", func() {
		dir := GinkgoT().TempDir()
		path := writeDoc(dir, "trust_keys_from:\n  - 10.0.0.0/8\n")
		s, err := policy.Load(path)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Current().TrustsAddress("10.0.0.5")).To(BeTrue())
		Expect(s.Current().TrustsAddress("192.168.1.1")).To(BeFalse())
	})

	It("reloads without disturbing a previously taken snapshot", func() {
		dir := GinkgoT().TempDir()
		path := writeDoc(dir, "trust_keys_from:\n  - 10.0.0.0/8\n")
		s, err := policy.Load(path)
		Expect(err).NotTo(HaveOccurred())
		old := s.Current()

		Expect(os.WriteFile(path, []byte("trust_keys_from:\n  - 192.168.0.0/16\n"), 0o644)).To(Succeed())
		Expect(s.Reload()).To(Succeed())

		Expect(old.TrustsAddress("10.0.0.5")).To(BeTrue())
		Expect(s.Current().TrustsAddress("192.168.1.1")).To(BeTrue())
	})

	It("matches access rules by longest path prefix", func() {
		dir := GinkgoT().TempDir()
		path := writeDoc(dir, `
access:
  - path: /
    fingerprints: ["aaaa"]
  - path: /etc/secret
    fingerprints: ["bbbb"]
`)
		s, err := policy.Load(path)
		Expect(err).NotTo(HaveOccurred())
		p := s.Current()

		Expect(p.Allows("/etc/secret/file", "bbbb", "", "")).To(BeTrue())
		Expect(p.Allows("/etc/secret/file", "aaaa", "", "")).To(BeFalse())
		Expect(p.Allows("/etc/other", "bbbb", "", "")).To(BeFalse())
	})
})

var _ = Describe("Keyring", func() {
	It("removes every file matching the fingerprint regardless of user", func() {
		dir := GinkgoT().TempDir()
		k := policy.NewKeyring(dir)
		Expect(k.Install("alice", "aaaa", []byte("key-a"))).To(Succeed())
		Expect(k.Install("bob", "aaaa", []byte("key-a-dup"))).To(Succeed())
		Expect(k.Install("alice", "bbbb", []byte("key-b"))).To(Succeed())

		Expect(k.Remove("aaaa")).To(Succeed())

		_, ok, _ := k.Load("alice", "aaaa")
		Expect(ok).To(BeFalse())
		_, ok, _ = k.Load("bob", "aaaa")
		Expect(ok).To(BeFalse())
		_, ok, _ = k.Load("alice", "bbbb")
		Expect(ok).To(BeTrue())
	})
})

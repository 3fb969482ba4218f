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

package lastseen_test

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/store"
)

func TestLastseen(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "lastseen Suite")
}

func openDB() *store.DB {
	dir := filepath.Join(GinkgoT().TempDir(), "lastseen")
	db, err := store.Open(dir)
	Expect(err).NotTo(HaveOccurred())
	return db
}

var _ = Describe("Index", func() {
	var (
		db *store.DB
		ix *lastseen.Index
	)

	BeforeEach(func() {
		db = openDB()
		ix = lastseen.Open(db)
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("records TOFU-style contact with bidirectional mapping and acknowledgement", func() {
		t0 := time.Unix(1000, 0)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleInbound, t0)).To(Succeed())

		addr, ok, err := ix.LookupByFingerprint("aaaa")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(addr).To(Equal("10.0.0.5"))

		fp, ok, err := ix.LookupByAddress("10.0.0.5")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(fp).To(Equal("aaaa"))

		rec, ok, err := ix.Quality("aaaa", lastseen.RoleInbound)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(rec.Acknowledged).To(BeTrue())
	})

	It("updates the rolling expect estimate within tolerance on reconnect", func() {
		t0 := time.Unix(1000, 0)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleInbound, t0)).To(Succeed())
		rec0, _, _ := ix.Quality("aaaa", lastseen.RoleInbound)
		priorExpect := rec0.Quality.Expect

		t1 := t0.Add(60 * time.Second)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleInbound, t1)).To(Succeed())
		rec1, _, _ := ix.Quality("aaaa", lastseen.RoleInbound)

		want := 0.7*60 + 0.3*priorExpect
		Expect(rec1.Quality.Expect).To(BeNumerically("~", want, 1))
		Expect(rec1.LastSeenEpoch).To(Equal(t1.Unix()))
	})

	It("moves the key to a new address on reconnect from elsewhere", func() {
		t0 := time.Unix(1000, 0)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleInbound, t0)).To(Succeed())
		Expect(ix.Record("aaaa", "10.0.0.6", lastseen.RoleInbound, t0.Add(time.Minute))).To(Succeed())

		addr, _, _ := ix.LookupByFingerprint("aaaa")
		Expect(addr).To(Equal("10.0.0.6"))

		_, ok, _ := ix.LookupByAddress("10.0.0.5")
		Expect(ok).To(BeFalse())

		fp, ok, _ := ix.LookupByAddress("10.0.0.6")
		Expect(ok).To(BeTrue())
		Expect(fp).To(Equal("aaaa"))
	})

	It("keeps inbound and outbound quality records independent", func() {
		t0 := time.Unix(1000, 0)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleOutbound, t0)).To(Succeed())
		_, ok, _ := ix.Quality("aaaa", lastseen.RoleInbound)
		Expect(ok).To(BeFalse())
		_, ok, _ = ix.Quality("aaaa", lastseen.RoleOutbound)
		Expect(ok).To(BeTrue())
	})

	It("removes both directions and both quality records atomically", func() {
		t0 := time.Unix(1000, 0)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleInbound, t0)).To(Succeed())
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleOutbound, t0)).To(Succeed())

		Expect(ix.Remove("aaaa")).To(Succeed())

		_, ok, _ := ix.LookupByFingerprint("aaaa")
		Expect(ok).To(BeFalse())
		_, ok, _ = ix.LookupByAddress("10.0.0.5")
		Expect(ok).To(BeFalse())
		_, ok, _ = ix.Quality("aaaa", lastseen.RoleInbound)
		Expect(ok).To(BeFalse())
		_, ok, _ = ix.Quality("aaaa", lastseen.RoleOutbound)
		Expect(ok).To(BeFalse())
	})

	It("enumerates every recorded peer", func() {
		t0 := time.Unix(1000, 0)
		Expect(ix.Record("aaaa", "10.0.0.5", lastseen.RoleInbound, t0)).To(Succeed())
		Expect(ix.Record("bbbb", "10.0.0.6", lastseen.RoleInbound, t0)).To(Succeed())

		peers, err := ix.Enumerate()
		Expect(err).NotTo(HaveOccurred())
		Expect(peers).To(HaveLen(2))
	})

	Describe("invariant audit", func() {
		It("repairs an orphaned forward entry with no reverse counterpart", func() {
			b := db.Pin()
			b.Put([]byte("kcccc"), []byte("10.0.0.9"))
			Expect(b.Commit(db)).To(Succeed())

			repaired, err := ix.Audit()
			Expect(err).NotTo(HaveOccurred())
			Expect(repaired).To(BeNumerically(">=", 1))

			_, ok, _ := ix.LookupByFingerprint("cccc")
			Expect(ok).To(BeFalse())
		})

		It("repairs an orphaned quality record with no forward entry", func() {
			b := db.Pin()
			b.Put([]byte("qidddd"), []byte(`{"acknowledged":true}`))
			Expect(b.Commit(db)).To(Succeed())

			_, err := ix.Audit()
			Expect(err).NotTo(HaveOccurred())

			_, ok, _ := ix.Quality("dddd", lastseen.RoleInbound)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("schema migration", func() {
		It("namespaces bare legacy keys and bumps the version", func() {
			b := db.Pin()
			b.Put([]byte("aaaa"), []byte("10.0.0.5"))
			Expect(b.Commit(db)).To(Succeed())

			Expect(store.Migrate(db, lastseen.Plan)).To(Succeed())

			v, err := db.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(1))

			addr, ok, err := ix.LookupByFingerprint("aaaa")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(addr).To(Equal("10.0.0.5"))
		})
	})
})

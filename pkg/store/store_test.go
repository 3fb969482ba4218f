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

package store_test

import (
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/store"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "store Suite")
}

var _ = Describe("DB", func() {
	var (
		dir string
		db  *store.DB
	)

	BeforeEach(func() {
		dir = filepath.Join(GinkgoT().TempDir(), "db")
		var err error
		db, err = store.Open(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
	})

	It("round-trips a put/get", func() {
		Expect(db.Put([]byte("k1"), []byte("v1"))).To(Succeed())
		v, ok, err := db.Get([]byte("k1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("v1")))
	})

	It("reports absent keys without error", func() {
		_, ok, err := db.Get([]byte("missing"))
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("defaults the version to 0 when unset", func() {
		v, err := db.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(0))
	})

	It("commits a batch atomically", func() {
		b := db.Pin()
		b.Put([]byte("a"), []byte("1"))
		b.Put([]byte("b"), []byte("2"))
		Expect(b.Commit(db)).To(Succeed())

		_, ok, _ := db.Get([]byte("a"))
		Expect(ok).To(BeTrue())
		_, ok, _ = db.Get([]byte("b"))
		Expect(ok).To(BeTrue())
	})

	Describe("cursor resilience", func() {
		BeforeEach(func() {
			for _, k := range []string{"k1", "k2", "k3"} {
				Expect(db.Put([]byte(k), []byte(k))).To(Succeed())
			}
		})

		It("keeps advancing correctly after deleting the current key", func() {
			c := db.OpenCursor(nil)
			defer c.Close()
			Expect(c.Advance()).To(BeTrue())
			Expect(string(c.Key())).To(Equal("k1"))
			Expect(c.Delete()).To(Succeed())
			Expect(c.Advance()).To(BeTrue())
			Expect(string(c.Key())).To(Equal("k2"))

			c2 := db.OpenCursor(nil)
			defer c2.Close()
			Expect(c2.Advance()).To(BeTrue())
			Expect(string(c2.Key())).To(Equal("k2"))
		})

		It("keeps advancing correctly after overwriting the current key", func() {
			c := db.OpenCursor(nil)
			defer c.Close()
			Expect(c.Advance()).To(BeTrue())
			Expect(c.Write([]byte("new-value"))).To(Succeed())
			Expect(c.Advance()).To(BeTrue())
			Expect(string(c.Key())).To(Equal("k2"))

			v, _, _ := db.Get([]byte("k1"))
			Expect(v).To(Equal([]byte("new-value")))
		})
	})

	Describe("schema migration", func() {
		plan := store.Plan{
			{Target: 1, Apply: func(db *store.DB) error {
				c := db.OpenCursor(nil)
				defer c.Close()
				var keys, vals [][]byte
				for c.Advance() {
					if string(c.Key()) == string(store.VersionKey) {
						continue
					}
					keys = append(keys, append([]byte(nil), c.Key()...))
					vals = append(vals, append([]byte(nil), c.Value()...))
				}
				b := db.Pin()
				for i, k := range keys {
					b.Delete(k)
					b.Put(append([]byte("default."), k...), vals[i])
				}
				b.Put(store.VersionKey, []byte("1"))
				return b.Commit(db)
			}},
		}

		It("prefixes bare keys and bumps the version", func() {
			Expect(db.Put([]byte("host1"), []byte("addr1"))).To(Succeed())
			Expect(store.Migrate(db, plan)).To(Succeed())

			v, err := db.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(1))

			_, ok, _ := db.Get([]byte("default.host1"))
			Expect(ok).To(BeTrue())
		})

		It("is idempotent", func() {
			Expect(db.Put([]byte("host1"), []byte("addr1"))).To(Succeed())
			Expect(store.Migrate(db, plan)).To(Succeed())
			v1, _ := db.Version()

			Expect(store.Migrate(db, plan)).To(Succeed())
			v2, _ := db.Version()
			Expect(v1).To(Equal(v2))

			val, ok, _ := db.Get([]byte("default.host1"))
			Expect(ok).To(BeTrue())
			Expect(val).To(Equal([]byte("addr1")))
		})

		It("rejects a downgrade", func() {
			Expect(db.SetVersion(5)).To(Succeed())
			err := store.Migrate(db, plan)
			Expect(err).To(HaveOccurred())
		})
	})
})

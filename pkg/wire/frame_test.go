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

package wire_test

import (
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cfengine/corenet/pkg/wire"
)

func TestWire(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "wire Suite")
}

var _ = Describe("transaction framing", func() {
	var client, server net.Conn

	BeforeEach(func() {
		client, server = net.Pipe()
	})

	AfterEach(func() {
		_ = client.Close()
		_ = server.Close()
	})

	It("round-trips an arbitrary body split across frames", func() {
		body := make([]byte, 200*1024)
		for i := range body {
			body[i] = byte(i)
		}

		writer := wire.NewFramer(client)
		reader := wire.NewFramer(server)

		done := make(chan error, 1)
		go func() {
			done <- writer.WriteTransaction(body, 4096)
		}()

		got, err := reader.ReadTransaction(time.Now().Add(5 * time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(<-done).NotTo(HaveOccurred())
		Expect(got).To(Equal(body))
	})

	It("round-trips an empty body as a single final frame", func() {
		writer := wire.NewFramer(client)
		reader := wire.NewFramer(server)

		done := make(chan error, 1)
		go func() {
			done <- writer.WriteTransaction(nil, 4096)
		}()

		got, err := reader.ReadTransaction(time.Now().Add(5 * time.Second))
		Expect(err).NotTo(HaveOccurred())
		Expect(<-done).NotTo(HaveOccurred())
		Expect(got).To(BeEmpty())
	})

	It("times out on a slow peer", func() {
		reader := wire.NewFramer(server)
		_, err := reader.ReadTransactionFrame(time.Now().Add(50 * time.Millisecond))
		Expect(err).To(HaveOccurred())
	})
})

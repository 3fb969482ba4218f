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

package legacy

import (
	"encoding/binary"
	"io"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/wire"
)

// encryptedConn protects every byte that crosses the wire after the
// legacy dialog completes with the session AEAD from NewAEAD. seal/open
// operate on whole messages, so each ciphertext is framed with a 4-byte
// length prefix to recover message boundaries from the raw TCP stream.
type encryptedConn struct {
	wire.Conn
	seal func([]byte) ([]byte, error)
	open func([]byte) ([]byte, error)
	buf  []byte
}

// WrapConn derives the session AEAD from sessionKey and returns a
// wire.Conn that encrypts writes and decrypts reads transparently, so
// the ordinary Framer/Handler code never sees the legacy cipher.
func WrapConn(conn wire.Conn, sessionKey []byte) (wire.Conn, error) {
	seal, open, err := NewAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	return &encryptedConn{Conn: conn, seal: seal, open: open}, nil
}

func (c *encryptedConn) Write(p []byte) (int, error) {
	ciphertext, err := c.seal(p)
	if err != nil {
		return 0, corenet.Wrap(corenet.KindProtocol, "seal legacy record", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(ciphertext)))
	if _, err := c.Conn.Write(prefix[:]); err != nil {
		return 0, err
	}
	if _, err := c.Conn.Write(ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *encryptedConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		var prefix [4]byte
		if _, err := io.ReadFull(c.Conn, prefix[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(prefix[:])
		if n > wire.MaxTransactionBody {
			return 0, corenet.New(corenet.KindProtocol, "legacy record exceeds maximum size")
		}
		ciphertext := make([]byte, n)
		if _, err := io.ReadFull(c.Conn, ciphertext); err != nil {
			return 0, err
		}
		plain, err := c.open(ciphertext)
		if err != nil {
			return 0, corenet.Wrap(corenet.KindProtocol, "open legacy record", err)
		}
		c.buf = plain
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

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

// Package wire implements the two framings used on the wire: fixed
// CF_BUFSIZE records for the legacy protocol, and length+flag
// transaction frames used by both protocols past the handshake. It
// also provides scoped file locks (see Lock).
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cfengine/corenet/pkg/corenet"
)

// CF_BUFSIZE is the fixed record size used by the legacy (v1) protocol.
const CF_BUFSIZE = 4096 //nolint:revive,stylecheck // wire-mandated name

// MaxTransactionBody bounds reassembly of a More-flagged frame sequence;
// records exceeding it are truncated and reported as a protocol error.
const MaxTransactionBody = 16 * 1024 * 1024

// More flag values for a transaction frame header.
const (
	FlagFinal byte = 0x00
	FlagMore  byte = 0x01
)

const headerSize = 5 // u32 length + u8 flag, network byte order

// Conn is the subset of net.Conn that framing needs, kept narrow so
// tests can substitute an in-memory pipe.
type Conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	io.Closer
}

// Framer wraps a Conn with deadline-aware fixed and transaction framing.
type Framer struct {
	conn Conn
}

// NewFramer wraps conn.
func NewFramer(conn Conn) *Framer { return &Framer{conn: conn} }

func (f *Framer) retryingRead(p []byte) (int, error) {
	for {
		n, err := f.conn.Read(p)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
}

func (f *Framer) readFull(buf []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := f.conn.SetReadDeadline(deadline); err != nil {
			return corenet.Wrap(corenet.KindTransport, "set read deadline", err)
		}
	}
	read := 0
	for read < len(buf) {
		n, err := f.retryingRead(buf[read:])
		read += n
		if err != nil {
			if isTimeout(err) {
				_ = f.halfClose()
				return corenet.New(corenet.KindTransport, "Timeout")
			}
			if err == io.EOF && read == 0 {
				return corenet.New(corenet.KindTransport, "PeerClosed")
			}
			return corenet.Wrap(corenet.KindTransport, "PeerClosed", err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// halfClose shuts the socket down in both directions so bytes arriving
// after a deadline expiry can never be mistaken for a later request.
func (f *Framer) halfClose() error {
	if tc, ok := f.conn.(interface{ CloseRead() error }); ok {
		_ = tc.CloseRead()
	}
	if tc, ok := f.conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
	}
	return nil
}

// ReadFixedRecord reads exactly CF_BUFSIZE bytes (the legacy protocol's
// fixed-record framing), or fails per the deadline semantics above.
func (f *Framer) ReadFixedRecord(deadline time.Time) ([]byte, error) {
	buf := make([]byte, CF_BUFSIZE)
	if err := f.readFull(buf, deadline); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFixedRecord writes a CF_BUFSIZE-padded record.
func (f *Framer) WriteFixedRecord(body []byte) error {
	buf := make([]byte, CF_BUFSIZE)
	copy(buf, body)
	return f.writeFull(buf)
}

func (f *Framer) writeFull(buf []byte) error {
	_, err := f.conn.Write(buf)
	if err != nil {
		return corenet.Wrap(corenet.KindTransport, "TransportBroken", err)
	}
	return nil
}

// WriteTransactionFrame writes a single length+flag header followed by
// body. Callers split bodies larger than MaxTransactionBody into
// multiple calls, setting more=true on every frame but the last.
func (f *Framer) WriteTransactionFrame(body []byte, more bool) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)))
	if more {
		hdr[4] = FlagMore
	} else {
		hdr[4] = FlagFinal
	}
	if err := f.writeFull(hdr); err != nil {
		return err
	}
	return f.writeFull(body)
}

// ReadTransactionFrame reads one header+body record, returning the body,
// whether more frames follow, and any error. A body whose declared
// length exceeds MaxTransactionBody is drained and reported as a
// Protocol error rather than left on the wire.
func (f *Framer) ReadTransactionFrame(deadline time.Time) ([]byte, bool, error) {
	hdr := make([]byte, headerSize)
	if err := f.readFull(hdr, deadline); err != nil {
		return nil, false, err
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	more := hdr[4] == FlagMore
	if int64(length) > MaxTransactionBody {
		drained := int64(0)
		tmp := make([]byte, 64*1024)
		for drained < int64(length) {
			want := int64(len(tmp))
			if remain := int64(length) - drained; remain < want {
				want = remain
			}
			if err := f.readFull(tmp[:want], deadline); err != nil {
				return nil, false, err
			}
			drained += want
		}
		return nil, false, corenet.New(corenet.KindProtocol, "frame exceeds maximum size, truncated")
	}
	body := make([]byte, length)
	if err := f.readFull(body, deadline); err != nil {
		return nil, false, err
	}
	return body, more, nil
}

// ReadTransaction reassembles a full logical message spanning one or
// more More-flagged frames, up to MaxTransactionBody total.
func (f *Framer) ReadTransaction(deadline time.Time) ([]byte, error) {
	var out []byte
	for {
		chunk, more, err := f.ReadTransactionFrame(deadline)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if len(out) > MaxTransactionBody {
			return nil, corenet.New(corenet.KindProtocol, "reassembled transaction exceeds maximum size")
		}
		if !more {
			return out, nil
		}
	}
}

// WriteTransaction splits body into frames no larger than chunkSize,
// setting the More flag on all but the last.
func (f *Framer) WriteTransaction(body []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	if len(body) == 0 {
		return f.WriteTransactionFrame(nil, false)
	}
	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		if err := f.WriteTransactionFrame(body[offset:end], end < len(body)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (f *Framer) Close() error { return f.conn.Close() }

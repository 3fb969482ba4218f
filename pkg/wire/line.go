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

package wire

import (
	"time"

	"github.com/cfengine/corenet/pkg/corenet"
)

// MaxLineLength bounds every newline-terminated line (the handshake's
// "CFE_v<N>\n" advertisement and "<username>\n" line, and request lines),
// well above the 64-byte username cap with headroom for the version
// banner.
const MaxLineLength = 256

// ReadLine reads bytes up to and including the first '\n', or until
// MaxLineLength is exceeded (a Protocol error) or the deadline expires.
// Used for the handshake lines and for the request lines a client sends
// once the session is up; responses use transaction frames.
func (f *Framer) ReadLine(deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		if err := f.conn.SetReadDeadline(deadline); err != nil {
			return nil, corenet.Wrap(corenet.KindTransport, "set read deadline", err)
		}
	}
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := f.retryingRead(b)
		if n == 1 {
			if b[0] == '\n' {
				return line, nil
			}
			line = append(line, b[0])
			if len(line) > MaxLineLength {
				return nil, corenet.New(corenet.KindProtocol, "handshake line too long")
			}
			continue
		}
		if err != nil {
			if isTimeout(err) {
				_ = f.halfClose()
				return nil, corenet.New(corenet.KindTransport, "Timeout")
			}
			return nil, corenet.New(corenet.KindTransport, "PeerClosed")
		}
	}
}

// WriteLine writes s followed by '\n'.
func (f *Framer) WriteLine(s string) error {
	return f.writeFull(append([]byte(s), '\n'))
}

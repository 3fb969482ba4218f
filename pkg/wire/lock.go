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
	"os"

	"golang.org/x/sys/unix"

	"github.com/cfengine/corenet/pkg/corenet"
)

// Lock is a scoped advisory file lock taken with a single flock(2) call
// on the file descriptor. No package in this module takes one: pkg/store
// relies on goleveldb's own lock on the database directory, and the
// keyring takes no lock.
type Lock struct {
	f *os.File
}

// LockShared takes a shared (read) lock on path, creating it if absent.
// If block is false, a held exclusive lock returns a Storage-kind
// error immediately instead of waiting.
func LockShared(path string, block bool) (*Lock, error) {
	return lockFile(path, unix.LOCK_SH, block)
}

// LockExclusive takes an exclusive (write) lock on path.
func LockExclusive(path string, block bool) (*Lock, error) {
	return lockFile(path, unix.LOCK_EX, block)
}

func lockFile(path string, how int, block bool) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, corenet.Wrap(corenet.KindStorage, "open lock file", err)
	}
	if !block {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, corenet.Wrap(corenet.KindStorage, "acquire flock", err)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying descriptor. Safe to
// call via defer immediately after a successful acquisition; every
// acquisition path releases on every exit from its scope.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return corenet.Wrap(corenet.KindStorage, "release flock", err)
	}
	if cerr != nil {
		return corenet.Wrap(corenet.KindStorage, "close lock file", cerr)
	}
	return nil
}

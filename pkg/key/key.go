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

// Package key wraps a public key together with its canonical fingerprint.
//
// Grounded on the standard-library crypto stack: there is no third-party
// hashing/digest library in the example pack that improves on
// crypto/sha256 and crypto/md5 for this, and the printable-fingerprint
// format ("METHOD=hex") is itself a CFEngine wire convention, not
// something an ecosystem library provides.
package key

import (
	"crypto/md5" //nolint:gosec // MD5 fingerprints remain wire-compatible with legacy peers
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cfengine/corenet/pkg/corenet"
)

// Method names the digest algorithm used to compute a Key's fingerprint.
type Method string

const (
	// MethodSHA is the modern default, SHA-256 over the raw key material.
	MethodSHA Method = "SHA"
	// MethodMD5 is retained for wire compatibility with legacy (v1) peers
	// that identify keys by an MD5 digest.
	MethodMD5 Method = "MD5"
)

// Key is a public key and its cached canonical digest. The binary digest
// is immutable once computed for a given Method; SetMethod computes a
// fresh digest and only swaps it in on success.
type Key struct {
	mu        sync.RWMutex
	raw       []byte
	method    Method
	digest    []byte
	printable string
}

// New constructs a Key from raw public-key material, computing its
// digest under method. Returns corenet.KindInternal wrapping a
// descriptive "InvalidKey" detail if the material cannot be hashed.
func New(raw []byte, method Method) (*Key, error) {
	if len(raw) == 0 {
		return nil, corenet.New(corenet.KindInternal, "InvalidKey: empty key material")
	}
	digest, err := hash(raw, method)
	if err != nil {
		return nil, corenet.Wrap(corenet.KindInternal, "InvalidKey", err)
	}
	k := &Key{raw: append([]byte(nil), raw...), method: method}
	k.setDigestLocked(method, digest)
	return k, nil
}

func hash(raw []byte, method Method) ([]byte, error) {
	switch method {
	case MethodSHA:
		sum := sha256.Sum256(raw)
		return sum[:], nil
	case MethodMD5:
		sum := md5.Sum(raw) //nolint:gosec // legacy fingerprint compatibility only
		return sum[:], nil
	default:
		return nil, fmt.Errorf("unknown digest method %q", method)
	}
}

func (k *Key) setDigestLocked(method Method, digest []byte) {
	k.method = method
	k.digest = digest
	k.printable = fmt.Sprintf("%s=%s", method, hex.EncodeToString(digest))
}

// Raw returns the raw key material. The returned slice must not be mutated.
func (k *Key) Raw() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.raw
}

// Digest returns the binary digest under the key's current method. The
// returned slice must not be mutated.
func (k *Key) Digest() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.digest
}

// Fingerprint returns the printable "METHOD=hex" form.
func (k *Key) Fingerprint() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.printable
}

// Method returns the digest method currently selected.
func (k *Key) Method() Method {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.method
}

// SetMethod recomputes the digest under a new method. On failure the key
// keeps its original digest and method untouched.
func (k *Key) SetMethod(method Method) error {
	digest, err := hash(k.Raw(), method)
	if err != nil {
		return corenet.Wrap(corenet.KindInternal, "InvalidKey", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.setDigestLocked(method, digest)
	return nil
}

// Equal reports whether two keys have the same digest under the same
// method. Keys compared under different methods are never equal, even
// if the underlying raw material is identical.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	if k.method != other.method {
		return false
	}
	if len(k.digest) != len(other.digest) {
		return false
	}
	for i := range k.digest {
		if k.digest[i] != other.digest[i] {
			return false
		}
	}
	return true
}

// Ref is an explicit shared-ownership handle to a Key. Every holder (a lastseen
// record, a live connection) calls Acquire to get a Ref and Release when
// done; the underlying Key is eligible for collection once all Refs
// release it.  Go's GC makes this advisory rather than load-bearing, but
// it keeps holder bookkeeping explicit and lets tests assert no holder
// leaked a reference.
type Ref struct {
	key      *Key
	count    *int32
	mu       *sync.Mutex
	released bool
}

// Acquire wraps k in a new, independently-released Ref.
func Acquire(k *Key) *Ref {
	n := int32(1)
	return &Ref{key: k, count: &n, mu: &sync.Mutex{}}
}

// Share returns a second independent Ref to the same underlying Key.
func (r *Ref) Share() *Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.count++
	return &Ref{key: r.key, count: r.count, mu: r.mu}
}

// Key returns the underlying Key, or nil if this Ref was already released.
func (r *Ref) Key() *Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || *r.count <= 0 {
		return nil
	}
	return r.key
}

// Release drops this holder's share. It is safe to call more than once.
func (r *Ref) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if *r.count > 0 {
		*r.count--
	}
}

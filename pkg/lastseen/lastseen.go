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

// Package lastseen is the persistent peer-identity index: a
// bidirectional hostkey<->address map with per-role
// quality-of-connection statistics, layered on pkg/store.
//
// Key namespaces, single-byte prefixes:
//
//	k<fingerprint> -> <address>            (forward)
//	a<address>     -> <fingerprint>        (reverse)
//	q[io]<fingerprint> -> PeerIdentityRecord (quality, one per role)
//	version        -> schema version string
//
// Invariants that must hold after every committed transaction: every
// k<fp> has a matching a<addr> with the inverse mapping; every
// q[io]<fp> has a corresponding k<fp>; and version always exists and
// holds a decimal ASCII integer.
package lastseen

import (
	"encoding/json"
	"time"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/store"
)

// Role partitions quality-of-connection records by which side initiated
// contact.
type Role byte

const (
	RoleOutbound Role = 'o' // this process connected out to the peer
	RoleInbound  Role = 'i' // this process accepted the peer's connection
)

const alpha = 0.7 // rolling-average weight

// QualityPoint is a rolling weighted estimate of inter-contact interval.
type QualityPoint struct {
	Q       float64 `json:"q"`
	Expect  float64 `json:"expect"`
	Variance float64 `json:"variance"`
	DeltaQ  float64 `json:"delta_q"`
}

// PeerIdentityRecord is the value stored at q[io]<fingerprint>.
type PeerIdentityRecord struct {
	LastSeenEpoch int64        `json:"last_seen_epoch"`
	Quality       QualityPoint `json:"quality_point"`
	Acknowledged  bool         `json:"acknowledged"`
}

// Peer is one (fingerprint, address) pair returned by Enumerate.
type Peer struct {
	Fingerprint string
	Address     string
}

const (
	prefixForward byte = 'k'
	prefixReverse byte = 'a'
	prefixQuality byte = 'q'
)

func forwardKey(fp string) []byte { return append([]byte{prefixForward}, fp...) }
func reverseKey(addr string) []byte { return append([]byte{prefixReverse}, addr...) }
func qualityKey(fp string, role Role) []byte {
	return append([]byte{prefixQuality, byte(role)}, fp...)
}

// Index is the lastseen index, layered on a *store.DB.
type Index struct {
	db *store.DB
}

// Open wraps db (already open and migrated) as a lastseen Index.
func Open(db *store.DB) *Index { return &Index{db: db} }

// Record performs a successful authenticated contact update:
// it aligns the forward/reverse address mapping, updates the role's
// rolling quality-of-connection average, and marks the peer
// acknowledged. now is injected for testability.
func (ix *Index) Record(fp, addr string, role Role, now time.Time) error {
	b := ix.db.Pin()
	committed := false
	defer func() {
		if !committed {
			b.Discard(ix.db)
		}
	}()

	// Realign (fp, addr) so both directions agree. If this
	// fingerprint previously pointed at a different address, that
	// reverse entry is stale and must be removed; if that address
	// currently belongs to a different fingerprint, its forward
	// entry is stale and must be removed too.
	if prevAddr, ok, err := ix.db.Get(forwardKey(fp)); err == nil && ok && string(prevAddr) != addr {
		b.Delete(reverseKey(string(prevAddr)))
	} else if err != nil {
		return err
	}
	if prevFP, ok, err := ix.db.Get(reverseKey(addr)); err == nil && ok && string(prevFP) != fp {
		b.Delete(forwardKey(string(prevFP)))
	} else if err != nil {
		return err
	}

	b.Put(forwardKey(fp), []byte(addr))
	b.Put(reverseKey(addr), []byte(fp))

	rec, existed, err := ix.getQuality(fp, role)
	if err != nil {
		return err
	}
	if existed {
		interval := float64(now.Unix() - rec.LastSeenEpoch)
		rec.Quality.Expect = alpha*interval + (1-alpha)*rec.Quality.Expect
		rec.Quality.Variance = alpha*(interval-rec.Quality.Expect)*(interval-rec.Quality.Expect) + (1-alpha)*rec.Quality.Variance
	}
	rec.LastSeenEpoch = now.Unix()
	rec.Acknowledged = true

	raw, err := json.Marshal(rec)
	if err != nil {
		return corenet.Wrap(corenet.KindInternal, "marshal peer record", err)
	}
	b.Put(qualityKey(fp, role), raw)

	if err := b.Commit(ix.db); err != nil {
		return err
	}
	committed = true
	return nil
}

func (ix *Index) getQuality(fp string, role Role) (PeerIdentityRecord, bool, error) {
	raw, ok, err := ix.db.Get(qualityKey(fp, role))
	if err != nil {
		return PeerIdentityRecord{}, false, err
	}
	if !ok {
		return PeerIdentityRecord{}, false, nil
	}
	var rec PeerIdentityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return PeerIdentityRecord{}, false, corenet.Wrap(corenet.KindStorage, "unmarshal peer record", err)
	}
	return rec, true, nil
}

// Quality returns the role-specific quality record for fp, if any.
func (ix *Index) Quality(fp string, role Role) (PeerIdentityRecord, bool, error) {
	return ix.getQuality(fp, role)
}

// LookupByFingerprint returns the last known address for fp.
func (ix *Index) LookupByFingerprint(fp string) (string, bool, error) {
	v, ok, err := ix.db.Get(forwardKey(fp))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// LookupByAddress returns the last known fingerprint for addr.
func (ix *Index) LookupByAddress(addr string) (string, bool, error) {
	v, ok, err := ix.db.Get(reverseKey(addr))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// Enumerate returns every (fingerprint, address) pair currently recorded.
func (ix *Index) Enumerate() ([]Peer, error) {
	c := ix.db.OpenCursor([]byte{prefixForward})
	defer c.Close()
	var peers []Peer
	for c.Advance() {
		k := c.Key()
		if len(k) == 0 || k[0] != prefixForward {
			break
		}
		peers = append(peers, Peer{Fingerprint: string(k[1:]), Address: string(c.Value())})
	}
	return peers, nil
}

// Remove deletes both directions and both quality records for fp,
// atomically.
func (ix *Index) Remove(fp string) error {
	b := ix.db.Pin()
	committed := false
	defer func() {
		if !committed {
			b.Discard(ix.db)
		}
	}()

	if addr, ok, err := ix.db.Get(forwardKey(fp)); err == nil && ok {
		b.Delete(reverseKey(string(addr)))
	} else if err != nil {
		return err
	}
	b.Delete(forwardKey(fp))
	b.Delete(qualityKey(fp, RoleInbound))
	b.Delete(qualityKey(fp, RoleOutbound))

	if err := b.Commit(ix.db); err != nil {
		return err
	}
	committed = true
	return nil
}

// Audit walks the whole index, repairing broken forward/reverse/quality
// links by deleting orphan entries. It is invoked after migration and
// on explicit operator demand (e.g. `cf-check diagnose`).
func (ix *Index) Audit() (repaired int, err error) {
	if v, ok, verr := ix.db.Get(store.VersionKey); verr != nil {
		return 0, verr
	} else if !ok || !validVersion(v) {
		b := ix.db.Pin()
		b.Put(store.VersionKey, []byte("0"))
		if cerr := b.Commit(ix.db); cerr != nil {
			return 0, cerr
		}
		repaired++
	}

	forward := map[string]string{}
	reverse := map[string]string{}

	fc := ix.db.OpenCursor([]byte{prefixForward})
	for fc.Advance() {
		if len(fc.Key()) == 0 || fc.Key()[0] != prefixForward {
			break
		}
		forward[string(fc.Key()[1:])] = string(fc.Value())
	}
	fc.Close()

	rc := ix.db.OpenCursor([]byte{prefixReverse})
	for rc.Advance() {
		if len(rc.Key()) == 0 || rc.Key()[0] != prefixReverse {
			break
		}
		reverse[string(rc.Key()[1:])] = string(rc.Value())
	}
	rc.Close()

	b := ix.db.Pin()
	dirty := false
	for fp, addr := range forward {
		if reverse[addr] != fp {
			b.Delete(forwardKey(fp))
			dirty = true
			repaired++
		}
	}
	for addr, fp := range reverse {
		if forward[fp] != addr {
			b.Delete(reverseKey(addr))
			dirty = true
			repaired++
		}
	}

	for _, role := range []Role{RoleInbound, RoleOutbound} {
		qc := ix.db.OpenCursor([]byte{prefixQuality, byte(role)})
		for qc.Advance() {
			k := qc.Key()
			if len(k) < 2 || k[0] != prefixQuality || k[1] != byte(role) {
				break
			}
			fp := string(k[2:])
			if _, ok := forward[fp]; !ok {
				b.Delete(append([]byte(nil), k...))
				dirty = true
				repaired++
			}
		}
		qc.Close()
	}

	if dirty {
		if err := b.Commit(ix.db); err != nil {
			return repaired, err
		}
	} else {
		b.Discard(ix.db)
	}
	return repaired, nil
}

func validVersion(v []byte) bool {
	if len(v) == 0 {
		return false
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

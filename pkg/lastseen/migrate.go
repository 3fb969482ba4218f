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

package lastseen

import (
	"strings"

	"github.com/cfengine/corenet/pkg/store"
)

// Plan is the lastseen database's migration plan.
//
// Historical (pre-v1) lastseen databases stored two bare, unprefixed
// entries per peer: "<fingerprint>" -> "<address>" and a second entry
// keyed by a literal "SEEN_..." marker holding last-contact metadata.
// v0->v1 rewrites each fingerprint entry into the k/a pair this package
// uses and drops the SEEN_ entries; no q[io] record is created from
// them. Keys already beginning with k, a or q are taken as namespaced
// and left as they are.
var Plan = store.Plan{
	{Target: 1, Apply: migrateV0ToV1},
}

func migrateV0ToV1(db *store.DB) error {
	c := db.OpenCursor(nil)
	type bare struct {
		fp, addr string
	}
	var entries []bare
	for c.Advance() {
		k := string(c.Key())
		if k == string(store.VersionKey) {
			continue
		}
		if len(k) > 0 && (k[0] == prefixForward || k[0] == prefixReverse || k[0] == prefixQuality) {
			continue // already namespaced
		}
		if strings.HasPrefix(k, "SEEN_") {
			continue // legacy metadata entry, dropped: superseded by q[io] records
		}
		entries = append(entries, bare{fp: k, addr: string(c.Value())})
	}
	c.Close()

	b := db.Pin()
	for _, e := range entries {
		b.Delete([]byte(e.fp))
		b.Put(forwardKey(e.fp), []byte(e.addr))
		b.Put(reverseKey(e.addr), []byte(e.fp))
	}
	b.Put(store.VersionKey, []byte("1"))
	return b.Commit(db)
}

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

package store

import (
	"github.com/cfengine/corenet/pkg/corenet"
)

// Step is a single migration: a total function over the database
// contents that must leave the version at its own Target on success.
type Step struct {
	Target int
	Apply  func(db *DB) error
}

// Plan is an ordered list of migration Steps, indexed by ascending Target.
type Plan []Step

// Migrate runs every Step in plan whose Target is greater than the
// database's current version, in order, until latest is reached.
// Failures abort the open and are reported up; downgrades (a database
// whose stored version exceeds the plan's latest) are rejected.
func Migrate(db *DB, plan Plan) error {
	current, err := db.Version()
	if err != nil {
		return err
	}
	latest := current
	for _, step := range plan {
		if step.Target > latest {
			latest = step.Target
		}
	}
	if current > latest {
		return corenet.New(corenet.KindStorage, "schema downgrade rejected")
	}
	for _, step := range plan {
		if step.Target <= current {
			continue
		}
		if err := step.Apply(db); err != nil {
			return corenet.Wrap(corenet.KindStorage, "migration failed", err)
		}
		if v, verr := db.Version(); verr != nil || v != step.Target {
			if verr != nil {
				return corenet.Wrap(corenet.KindStorage, "migration version check failed", verr)
			}
			return corenet.New(corenet.KindStorage, "migration step left version unset")
		}
		current = step.Target
	}
	return nil
}

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

package server

import (
	"context"
	"fmt"
	"io"

	"github.com/cfengine/corenet/pkg/corenet"
)

// BundleRunner executes a named action bundle, streaming its log output.
// A real deployment wires in a policy engine; this package only needs
// the seam.
type BundleRunner interface {
	RunBundle(ctx context.Context, name string, out io.Writer) error
}

// ScalarSource answers VAR and CONTEXT lookups.
type ScalarSource interface {
	Scalar(name string) (string, bool)
	Class(name string) (bool, bool)
}

// QueryRunner answers a pre-declared QUERY.
type QueryRunner interface {
	Query(name string, args []string) (string, error)
}

// NoopActuators is the zero-configuration BundleRunner/ScalarSource/
// QueryRunner used for standalone operation and tests: every EXEC,
// VAR, CONTEXT, and QUERY request reports "not found" rather than
// panicking for lack of a wired policy engine.
type NoopActuators struct{}

func (NoopActuators) RunBundle(ctx context.Context, name string, out io.Writer) error {
	return corenet.New(corenet.KindPolicy, fmt.Sprintf("no bundle runner configured for %q", name))
}

func (NoopActuators) Scalar(name string) (string, bool) { return "", false }

func (NoopActuators) Class(name string) (bool, bool) { return false, false }

func (NoopActuators) Query(name string, args []string) (string, error) {
	return "", corenet.New(corenet.KindPolicy, fmt.Sprintf("no query runner configured for %q", name))
}

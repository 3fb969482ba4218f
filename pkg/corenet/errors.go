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

// Package corenet defines the structured error kinds shared by the wire
// protocol, trust store, and client/server runtimes.
package corenet

import "fmt"

// Kind classifies an error the way callers (loggers, retry policies,
// the client runtime) need to branch on, independent of its message.
type Kind string

const (
	KindTransport Kind = "Transport"
	KindProtocol  Kind = "Protocol"
	KindTrust     Kind = "Trust"
	KindAccess    Kind = "Access"
	KindStorage   Kind = "Storage"
	KindPolicy    Kind = "Policy"
	KindInternal  Kind = "Internal"
)

// Error is a structured error carrying a Kind and an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Retryable reports whether an error of this kind should be retried by
// the client runtime's backoff policy.
func Retryable(err error) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == KindTransport
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

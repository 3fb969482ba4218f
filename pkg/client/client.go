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

// Package client is the agent-side runtime: connect, negotiate, and
// issue the closed command set over an authenticated session, with a
// retry/backoff policy around transient transport failures and a
// per-runtime stat cache.
package client

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/session"
	"github.com/cfengine/corenet/pkg/session/tlssession"
)

// Runtime is one agent's connection to one server: the negotiated
// session plus the retry policy and stat cache shared by every command
// issued over it.
type Runtime struct {
	info       *session.Info
	maxRetries int
	log        logr.Logger
	cache      *statCache
}

// Options configures Dial.
type Options struct {
	Cert          tls.Certificate
	Username      string
	TLSMinVersion uint16
	DialTimeout   time.Duration
	MaxRetries    int
	Log           logr.Logger

	// Deps, when non-zero, makes Dial evaluate trust against a local
	// lastseen/policy store the way the server does; left zero a purely
	// outbound client trusts whatever key the server presents (the
	// common case: the agent already knows the server's address from
	// its own configuration, it is the server that must authenticate
	// the agent).
	Deps tlssession.Deps
}

// Dial opens a TCP connection to addr, completes the TLS handshake and
// version/identity negotiation, and returns a Runtime ready to serve
// commands. The TCP connect is bounded by Options.DialTimeout (default
// tlssession.HandshakeTimeout); the context only bounds the handshake
// and negotiation, not subsequent command calls.
func Dial(ctx context.Context, addr string, opts Options) (*Runtime, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = tlssession.HandshakeTimeout
	}
	raw, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, corenet.Wrap(corenet.KindTransport, "dial", err)
	}
	cfg := tlssession.ClientTLSConfig(opts.Cert, opts.TLSMinVersion)
	tlsConn := tls.Client(raw, cfg)

	type result struct {
		info *session.Info
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := tlssession.Connect(tlsConn, opts.Username, addr, opts.Deps)
		done <- result{info, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			_ = tlsConn.Close()
			return nil, r.err
		}
		maxRetries := opts.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		log := opts.Log
		if log.GetSink() == nil {
			log = logr.Discard()
		}
		return &Runtime{info: r.info, maxRetries: maxRetries, log: log, cache: newStatCache()}, nil
	case <-ctx.Done():
		_ = tlsConn.Close()
		return nil, corenet.Wrap(corenet.KindTransport, "dial", ctx.Err())
	}
}

// NegotiatedVersion reports which protocol version the handshake settled on.
func (r *Runtime) NegotiatedVersion() session.ProtocolVersion { return r.info.NegotiatedVersion }

// ServerAddress is the remote address this Runtime is connected to;
// used as part of the stat cache key.
func (r *Runtime) ServerAddress() string { return r.info.RemoteAddress }

// Close tears down the underlying connection.
func (r *Runtime) Close() error { return r.info.Framer.Close() }

// InvalidateStat drops any cached FileInfo for remotePath on this
// server. There is no TTL: callers that know a file changed (after a
// successful GET, for instance) must invalidate explicitly.
func (r *Runtime) InvalidateStat(remotePath string) {
	r.cache.invalidate(r.ServerAddress(), remotePath)
}

// withRetry runs op, retrying per backoff.ExponentialBackOff while the
// error is transport-transient (corenet.Retryable) and the retry budget
// remains, stopping immediately on any permanent (protocol, access,
// trust) failure.
func withRetry[T any](ctx context.Context, maxRetries int, log logr.Logger, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !corenet.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		log.V(1).Info("retrying after transient error", "error", err)
		return v, err
	}
	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxRetries)+1),
	)
}

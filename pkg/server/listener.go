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
	"bufio"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	cron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cfengine/corenet/pkg/config"
	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/metrics"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/session"
	"github.com/cfengine/corenet/pkg/session/legacy"
	"github.com/cfengine/corenet/pkg/session/tlssession"
	"github.com/cfengine/corenet/pkg/wire"
)

// tlsRecordType is the first byte of every TLS record; a ClientHello
// always begins with one. Anything else is the cleartext legacy hello.
const tlsRecordType = 0x16

// tracked is one live connection, as held in the connection set.
type tracked struct {
	id         string
	remote     string
	acceptedAt time.Time
	lastActive time.Time
	cancel     context.CancelFunc
	state      connState
}

// pool is the mutex-guarded set of live connections, swept per the
// configured reap age (maxIdle). Insert/remove/enumerate are
// O(number-of-connections) and never block on network I/O while
// holding the lock.
type pool struct {
	mu      sync.Mutex
	byID    map[string]*tracked
	maxIdle time.Duration
}

func newPool(maxIdle time.Duration) *pool {
	return &pool{byID: make(map[string]*tracked), maxIdle: maxIdle}
}

func (p *pool) insert(t *tracked) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[t.id] = t
}

func (p *pool) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
}

func (p *pool) touch(id string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byID[id]; ok {
		t.lastActive = now
	}
}

// transition records the connection's current state; stateOf reads it
// back. Both are used to drive and enforce the PreHandshake -> ...  ->
// Terminating sequence from handle/serve.
func (p *pool) transition(id string, s connState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byID[id]; ok {
		t.state = s
	}
}

func (p *pool) stateOf(id string) connState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byID[id]; ok {
		return t.state
	}
	return ""
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// sweep cancels every connection whose last activity is older than the
// configured reap age (maxIdle), returning how many were reaped.
func (p *pool) sweep(now time.Time) int {
	p.mu.Lock()
	var stale []*tracked
	for _, t := range p.byID {
		if now.Sub(t.lastActive) > p.maxIdle {
			stale = append(stale, t)
		}
	}
	p.mu.Unlock()
	for _, t := range stale {
		t.cancel()
	}
	return len(stale)
}

func (p *pool) drainAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.byID {
		t.cancel()
	}
}

// Deps bundles every collaborator the server needs to accept and serve
// connections.
type Deps struct {
	Cert      tls.Certificate
	Lastseen  *lastseen.Index
	Keyring   *policy.Keyring
	Policy    *policy.Store
	Actuators Actuators
	Root      string
	Log       logr.Logger
	RepairDir string
}

// Server owns the listening socket, the connection pool, and the idle
// sweep; Run blocks until ctx is cancelled or a fatal error occurs.
type Server struct {
	cfg    config.Server
	deps   Deps
	pool   *pool
	ln     net.Listener
	slots  chan struct{}
	queued chan struct{}
}

// New constructs a Server bound to cfg and deps but not yet listening.
// The pool sweeps on cfg.ReapAge, measured from a connection's last
// request; cfg.IdleTimeout is the separate, much shorter per-command read
// deadline enforced in serve.
func New(cfg config.Server, deps Deps) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		pool:   newPool(cfg.ReapAge),
		slots:  make(chan struct{}, cfg.MaxWorkers),
		queued: make(chan struct{}, cfg.QueueDepth),
	}
}

// Run opens the listen socket, accepts connections until ctx is
// cancelled, drains outstanding workers up to the configured grace
// period, and returns.
func (s *Server) Run(ctx context.Context) error {
	raw, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return corenet.Wrap(corenet.KindTransport, "listen", err)
	}
	s.ln = raw
	defer s.ln.Close()

	sched := cron.New()
	_, err = sched.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepEvery), func() {
		n := s.pool.sweep(time.Now())
		for i := 0; i < n; i++ {
			metrics.ConnectionReaped()
		}
	})
	if err != nil {
		return corenet.Wrap(corenet.KindInternal, "schedule idle sweep", err)
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = s.ln.Close()
		return nil
	})

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.drain()
				return g.Wait()
			default:
				return corenet.Wrap(corenet.KindTransport, "accept", err)
			}
		}

		select {
		case s.queued <- struct{}{}:
		default:
			// the wait queue itself is full: no point making this
			// connection wait at all.
			s.rejectBusy(conn)
			continue
		}

		g.Go(func() error {
			defer func() { <-s.queued }()
			select {
			case s.slots <- struct{}{}:
			case <-time.After(s.cfg.MaxWait):
				s.rejectBusy(conn)
				return nil
			case <-gctx.Done():
				conn.Close()
				return nil
			}
			defer func() { <-s.slots }()
			s.handle(ctx, conn)
			return nil
		})
	}
}

// rejectBusy answers a connection that could not get a worker slot
// within MaxWait with a structured busy response instead of silently
// blocking or dropping it.
func (s *Server) rejectBusy(conn net.Conn) {
	metrics.ConnectionRejectedBusy()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = conn.Write([]byte("BAD: busy\n"))
	conn.Close()
}

func (s *Server) drain() {
	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	done := make(chan struct{})
	go func() {
		s.pool.drainAll()
		close(done)
	}()
	select {
	case <-done:
	case <-grace.C:
		s.pool.drainAll()
	}
}

// handle drives one accepted connection from PreHandshake through
// whichever of the two sessions (C5 TLS, C6 legacy) the peer's opening
// bytes select, to Ready, and hands the rest over to serve.
func (s *Server) handle(parent context.Context, raw net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	id := uuid.NewString()
	remote := raw.RemoteAddr().String()
	now := time.Now()
	t := &tracked{id: id, remote: remote, acceptedAt: now, lastActive: now, cancel: cancel, state: statePreHandshake}
	s.pool.insert(t)
	defer s.pool.remove(id)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	peeked, leading, err := peekLeadingByte(raw)
	if err != nil {
		s.deps.Log.V(1).Info("failed to read opening byte", "remote", remote, "error", err)
		return
	}

	s.pool.transition(id, stateHandshaking)

	var (
		info     *session.Info
		sessConn io.Closer
	)
	switch {
	case leading == tlsRecordType:
		info, sessConn, err = s.acceptTLS(peeked, remote)
	case s.deps.Policy.Current().LegacyEnabled():
		info, sessConn, err = s.acceptLegacy(peeked, remote)
	default:
		s.deps.Log.V(1).Info("rejecting legacy connection attempt, legacy sessions disabled", "remote", remote)
		return
	}
	if err != nil {
		s.deps.Log.V(1).Info("handshake failed", "remote", remote, "error", err)
		return
	}
	defer sessConn.Close()

	s.pool.transition(id, stateAuthenticated)
	h := &Handler{Policy: s.deps.Policy, Root: s.deps.Root, Actuators: s.deps.Actuators, Log: s.deps.Log}
	s.serve(ctx, info, h, t)
}

// acceptTLS runs the C5 TLS handshake over conn and returns the
// session info plus the tls.Conn, which the caller must keep open
// until the connection is fully served.
func (s *Server) acceptTLS(conn net.Conn, remote string) (*session.Info, io.Closer, error) {
	tlsConn := tls.Server(conn, tlssession.ServerTLSConfig(s.deps.Cert, minVersionFor(s.cfg.TLSMinVersion)))
	info, err := tlssession.Accept(tlsConn, remote, tlssession.Deps{
		Lastseen: s.deps.Lastseen,
		Keyring:  s.deps.Keyring,
		Policy:   s.deps.Policy,
		Log:      s.deps.Log,
	})
	if err != nil {
		tlsConn.Close()
		return nil, nil, err
	}
	return info, tlsConn, nil
}

// acceptLegacy runs the C6 legacy dialog over conn, then wraps conn
// with the negotiated session AEAD for everything serve reads and
// writes afterwards.
func (s *Server) acceptLegacy(conn net.Conn, remote string) (*session.Info, io.Closer, error) {
	local, err := legacyIdentity(s.deps.Cert)
	if err != nil {
		return nil, nil, err
	}
	f := wire.NewFramer(conn)
	info, sessionKey, err := legacy.Accept(f, remote, local, legacy.Deps{
		Lastseen: s.deps.Lastseen,
		Keyring:  s.deps.Keyring,
		Policy:   s.deps.Policy,
	})
	if err != nil {
		return nil, nil, err
	}
	encConn, err := legacy.WrapConn(conn, sessionKey)
	if err != nil {
		return nil, nil, err
	}
	info.Framer = wire.NewFramer(encConn)
	return info, conn, nil
}

// legacyIdentity reuses the host's TLS identity key as the legacy
// dialog's RSA keypair, rather than generating and managing a second
// on-disk key for a session mode most listeners never enable.
func legacyIdentity(cert tls.Certificate) (*legacy.Identity, error) {
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, corenet.New(corenet.KindInternal, "host identity key is not RSA, legacy sessions unavailable")
	}
	return legacy.NewIdentity(priv)
}

// peekLeadingByte reads the connection's first byte without consuming
// it from whichever reader handles the connection next: the byte (and
// anything else already buffered) is replayed through the returned
// net.Conn. TLS record headers begin with 0x16; the legacy hello does
// not, so this one byte is enough to route the connection.
func peekLeadingByte(raw net.Conn) (net.Conn, byte, error) {
	if err := raw.SetReadDeadline(time.Now().Add(tlssession.HandshakeTimeout)); err != nil {
		return nil, 0, corenet.Wrap(corenet.KindTransport, "set peek deadline", err)
	}
	br := bufio.NewReader(raw)
	lead, err := br.Peek(1)
	if err != nil {
		return nil, 0, corenet.Wrap(corenet.KindTransport, "read leading byte", err)
	}
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		return nil, 0, corenet.Wrap(corenet.KindTransport, "clear peek deadline", err)
	}
	return &peekedConn{Conn: raw, r: br}, lead[0], nil
}

// peekedConn replays bytes buffered by peekLeadingByte's bufio.Reader
// before falling back to the raw connection, so a single byte of
// lookahead costs nothing downstream.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// serve runs the Ready/Serving loop for one authenticated connection:
// read one request line, dispatch it, return to Ready. No second
// request is read until the first has been fully answered, and a
// request that arrives outside Ready terminates the connection rather
// than pipelining.
func (s *Server) serve(ctx context.Context, info *session.Info, h *Handler, t *tracked) {
	s.pool.transition(t.id, stateReady)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !validDispatch(s.pool.stateOf(t.id)) {
			s.deps.Log.V(1).Info("dispatch attempted outside Ready state", "remote", t.remote)
			return
		}
		deadline := time.Now().Add(s.cfg.IdleTimeout)
		line, err := info.Framer.ReadLine(deadline)
		if err != nil {
			return
		}
		s.pool.touch(t.id, time.Now())
		s.pool.transition(t.id, stateServing)
		terminate, err := h.Dispatch(ctx, info, string(line))
		if err != nil {
			s.deps.Log.V(1).Info("request failed", "remote", t.remote, "error", err)
		}
		if terminate {
			s.pool.transition(t.id, stateTerminating)
			return
		}
		s.pool.transition(t.id, stateReady)
	}
}

func minVersionFor(v string) uint16 {
	switch v {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

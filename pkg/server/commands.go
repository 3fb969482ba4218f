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
	"crypto/md5" //nolint:gosec // MD5 is the wire-mandated digest name, not a security primitive here
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/cfengine/corenet/pkg/corenet"
	"github.com/cfengine/corenet/pkg/metrics"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/session"
)

// dirTerminator marks the end of an OPENDIR response body.
const dirTerminator = "CFD_TERMINATOR"

// chunkSize bounds a single transaction frame's body for GET/OPENDIR
// responses.
const chunkSize = 64 * 1024

// ImplementationVersion answers the VERSION command.
const ImplementationVersion = "cf-serverd 2.0"

// Handler dispatches one already-authenticated connection's commands.
// Every method call corresponds to exactly one request/response pair;
// callers run dispatch in a loop while the connection stays in Ready.
type Handler struct {
	Policy     *policy.Store
	Root       string // filesystem root GET/OPENDIR/SYNCH/MD5 resolve paths against
	Actuators  Actuators
	Log        logr.Logger
}

// Actuators bundles the three out-of-scope collaborator seams a real
// deployment wires to its policy engine.
type Actuators struct {
	Bundles BundleRunner
	Scalars ScalarSource
	Queries QueryRunner
}

// Dispatch handles a single request line already read from info.Framer,
// writing its response and returning whether the connection must
// terminate (a protocol violation, as opposed to a normal denial).
func (h *Handler) Dispatch(ctx context.Context, info *session.Info, line string) (terminate bool, err error) {
	token, arg := splitCommand(line)
	pol := h.Policy.Current()
	fp := info.RemoteKey.Key().Fingerprint()
	host, _, _ := net.SplitHostPort(info.RemoteAddress)

	switch token {
	case "EXEC":
		return h.exec(ctx, info, arg, pol, fp, host)
	case "GET":
		return h.get(info, arg, pol, fp, host)
	case "OPENDIR":
		return h.openDir(info, arg, pol, fp, host)
	case "SYNCH":
		return h.stat(info, arg, pol, fp, host)
	case "MD5":
		return h.compareDigest(info, arg, pol, fp, host)
	case "VERSION":
		return false, info.Framer.WriteTransaction([]byte(ImplementationVersion), chunkSize)
	case "VAR":
		return h.scalar(info, arg, pol, fp, host)
	case "CONTEXT":
		return h.class(info, arg, pol, fp, host)
	case "QUERY":
		return h.query(info, arg, pol, fp, host)
	case "SCALLBACK":
		metrics.CommandServed("SCALLBACK")
		return false, info.Framer.WriteTransaction([]byte("BAD: callback not configured"), chunkSize)
	default:
		_ = info.Framer.WriteTransaction([]byte("BAD: unknown command"), chunkSize)
		return true, corenet.New(corenet.KindProtocol, fmt.Sprintf("unknown command %q", token))
	}
}

func splitCommand(line string) (token, arg string) {
	line = strings.TrimRight(line, "\r\n")
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return line, ""
	}
	return line[:idx], line[idx+1:]
}

func (h *Handler) resolve(arg string) (string, error) {
	if !strings.HasPrefix(arg, "/") {
		return "", corenet.New(corenet.KindProtocol, "path argument must be absolute")
	}
	clean := filepath.Clean(arg)
	return filepath.Join(h.Root, clean), nil
}

func (h *Handler) deny(info *session.Info, token string) (bool, error) {
	metrics.AccessDenied(token)
	return false, info.Framer.WriteTransaction([]byte("BAD: access denied"), chunkSize)
}

func (h *Handler) exec(ctx context.Context, info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	if !pol.Allows(arg, fp, host, "") {
		return h.deny(info, "EXEC")
	}
	metrics.CommandServed("EXEC")
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := h.Actuators.Bundles.RunBundle(ctx, arg, pw)
		_ = pw.CloseWithError(err)
	}()
	go func() {
		buf := make([]byte, chunkSize)
		for {
			n, rerr := pr.Read(buf)
			if n > 0 {
				if werr := info.Framer.WriteTransactionFrame(buf[:n], true); werr != nil {
					done <- werr
					return
				}
			}
			if rerr != nil {
				done <- nil
				return
			}
		}
	}()
	if err := <-done; err != nil {
		return true, err
	}
	return false, info.Framer.WriteTransactionFrame(nil, false)
}

func (h *Handler) get(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	if !pol.Allows(arg, fp, host, "") {
		return h.deny(info, "GET")
	}
	path, err := h.resolve(arg)
	if err != nil {
		return true, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, info.Framer.WriteTransaction([]byte("BAD: no such file"), chunkSize)
	}
	defer f.Close()
	metrics.CommandServed("GET")

	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			more := rerr == nil
			if werr := info.Framer.WriteTransactionFrame(buf[:n], more); werr != nil {
				return true, werr
			}
		}
		if rerr == io.EOF {
			if n == 0 {
				return false, info.Framer.WriteTransactionFrame(nil, false)
			}
			return false, nil
		}
		if rerr != nil {
			return true, corenet.Wrap(corenet.KindStorage, "read file", rerr)
		}
	}
}

func (h *Handler) openDir(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	if !pol.Allows(arg, fp, host, "") {
		return h.deny(info, "OPENDIR")
	}
	path, err := h.resolve(arg)
	if err != nil {
		return true, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, info.Framer.WriteTransaction([]byte("BAD: no such directory"), chunkSize)
	}
	metrics.CommandServed("OPENDIR")

	names := []string{".", ".."}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	body := strings.Join(names, "\x00") + "\x00" + dirTerminator
	return false, info.Framer.WriteTransaction([]byte(body), chunkSize)
}

// FileInfo is the stat record returned by SYNCH.
type FileInfo struct {
	Size  int64
	Mode  uint32
	MTime int64
	IsDir bool
}

func (h *Handler) stat(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	if !pol.Allows(arg, fp, host, "") {
		return h.deny(info, "SYNCH")
	}
	path, err := h.resolve(arg)
	if err != nil {
		return true, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return false, info.Framer.WriteTransaction([]byte("BAD: no such file"), chunkSize)
	}
	metrics.CommandServed("SYNCH")
	body := fmt.Sprintf("%d %d %d %t", st.Size(), uint32(st.Mode().Perm()), st.ModTime().Unix(), st.IsDir())
	return false, info.Framer.WriteTransaction([]byte(body), chunkSize)
}

func (h *Handler) compareDigest(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	parts := strings.SplitN(arg, " ", 2)
	if len(parts) != 2 {
		return true, corenet.New(corenet.KindProtocol, "MD5 requires a path and a digest")
	}
	remotePath, claimedHex := parts[0], parts[1]
	if !pol.Allows(remotePath, fp, host, "") {
		return h.deny(info, "MD5")
	}
	path, err := h.resolve(remotePath)
	if err != nil {
		return true, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, info.Framer.WriteTransaction([]byte("BAD: no such file"), chunkSize)
	}
	defer f.Close()
	metrics.CommandServed("MD5")

	digest := md5.New()
	if _, err := io.Copy(digest, f); err != nil {
		return true, corenet.Wrap(corenet.KindStorage, "digest file", err)
	}
	ours := fmt.Sprintf("%x", digest.Sum(nil))
	match := strconv.FormatBool(ours == claimedHex)
	return false, info.Framer.WriteTransaction([]byte(match), chunkSize)
}

func (h *Handler) scalar(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	if !pol.Allows(arg, fp, host, "") {
		return h.deny(info, "VAR")
	}
	metrics.CommandServed("VAR")
	val, ok := h.Actuators.Scalars.Scalar(arg)
	if !ok {
		return false, info.Framer.WriteTransaction([]byte("BAD: no such variable"), chunkSize)
	}
	return false, info.Framer.WriteTransaction([]byte(val), chunkSize)
}

func (h *Handler) class(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	if !pol.Allows(arg, fp, host, "") {
		return h.deny(info, "CONTEXT")
	}
	metrics.CommandServed("CONTEXT")
	set, ok := h.Actuators.Scalars.Class(arg)
	if !ok {
		return false, info.Framer.WriteTransaction([]byte("BAD: no such class"), chunkSize)
	}
	return false, info.Framer.WriteTransaction([]byte(strconv.FormatBool(set)), chunkSize)
}

func (h *Handler) query(info *session.Info, arg string, pol *policy.Policy, fp, host string) (bool, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return true, corenet.New(corenet.KindProtocol, "QUERY requires a name")
	}
	if !pol.Allows(fields[0], fp, host, "") {
		return h.deny(info, "QUERY")
	}
	metrics.CommandServed("QUERY")
	result, err := h.Actuators.Queries.Query(fields[0], fields[1:])
	if err != nil {
		return false, info.Framer.WriteTransaction([]byte("BAD: "+err.Error()), chunkSize)
	}
	return false, info.Framer.WriteTransaction([]byte(result), chunkSize)
}

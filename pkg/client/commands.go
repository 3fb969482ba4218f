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

package client

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the wire-mandated digest name, not a security primitive here
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/spgz"

	"github.com/cfengine/corenet/pkg/corenet"
)

// dirTerminator marks the end of an OPENDIR response body; mirrors the
// server's own marker since both sides must agree on the wire format.
const dirTerminator = "CFD_TERMINATOR"

// commandTimeout bounds how long a reply may take. GetFile and
// ExecBundle renew it on every frame read, so for them it limits
// inter-frame idle time, not the total duration of a long transfer; the
// other commands read their whole reply under a single deadline.
const commandTimeout = 30 * time.Second

func isBadResponse(body []byte) bool { return bytes.HasPrefix(body, []byte("BAD:")) }

// FileInfo is the client-side view of a SYNCH response, matching the
// shape the server reports.
type FileInfo struct {
	Size  int64
	Mode  uint32
	MTime int64
	IsDir bool
}

func parseFileInfo(s string) (FileInfo, error) {
	fields := strings.Fields(s)
	if len(fields) != 4 {
		return FileInfo{}, corenet.New(corenet.KindProtocol, "malformed stat response")
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return FileInfo{}, corenet.Wrap(corenet.KindProtocol, "malformed stat response", err)
	}
	mode, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return FileInfo{}, corenet.Wrap(corenet.KindProtocol, "malformed stat response", err)
	}
	mtime, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return FileInfo{}, corenet.Wrap(corenet.KindProtocol, "malformed stat response", err)
	}
	isDir, err := strconv.ParseBool(fields[3])
	if err != nil {
		return FileInfo{}, corenet.Wrap(corenet.KindProtocol, "malformed stat response", err)
	}
	return FileInfo{Size: size, Mode: uint32(mode), MTime: mtime, IsDir: isDir}, nil
}

// Stat returns remotePath's metadata, serving from the per-runtime
// cache when present. The cache has no TTL: call InvalidateStat after
// any operation known to have changed the remote file.
func (r *Runtime) Stat(ctx context.Context, remotePath string) (FileInfo, error) {
	if fi, ok := r.cache.get(r.ServerAddress(), remotePath); ok {
		return fi, nil
	}
	return withRetry(ctx, r.maxRetries, r.log, func() (FileInfo, error) {
		return r.statOnce(remotePath)
	})
}

func (r *Runtime) statOnce(remotePath string) (FileInfo, error) {
	if err := r.info.Framer.WriteLine("SYNCH " + remotePath); err != nil {
		return FileInfo{}, err
	}
	body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
	if err != nil {
		return FileInfo{}, err
	}
	if isBadResponse(body) {
		return FileInfo{}, corenet.New(corenet.KindAccess, string(body))
	}
	fi, err := parseFileInfo(string(body))
	if err != nil {
		return FileInfo{}, err
	}
	r.cache.put(r.ServerAddress(), remotePath, fi)
	return fi, nil
}

// OpenDir lists remotePath's entries, "." and ".." included, in the
// order the server sent them.
func (r *Runtime) OpenDir(ctx context.Context, remotePath string) ([]string, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() ([]string, error) {
		return r.openDirOnce(remotePath)
	})
}

func (r *Runtime) openDirOnce(remotePath string) ([]string, error) {
	if err := r.info.Framer.WriteLine("OPENDIR " + remotePath); err != nil {
		return nil, err
	}
	body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
	if err != nil {
		return nil, err
	}
	if isBadResponse(body) {
		return nil, corenet.New(corenet.KindAccess, string(body))
	}
	trimmed := strings.TrimSuffix(string(body), dirTerminator)
	var names []string
	for _, n := range strings.Split(trimmed, "\x00") {
		if n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// CompareDigest computes localPath's MD5 and asks the server whether it
// matches remotePath's contents, without transferring the file.
func (r *Runtime) CompareDigest(ctx context.Context, remotePath, localPath string) (bool, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() (bool, error) {
		return r.compareDigestOnce(remotePath, localPath)
	})
}

func (r *Runtime) compareDigestOnce(remotePath, localPath string) (bool, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return false, corenet.Wrap(corenet.KindStorage, "open local file", err)
	}
	defer f.Close()
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return false, corenet.Wrap(corenet.KindStorage, "digest local file", err)
	}
	line := fmt.Sprintf("MD5 %s %x", remotePath, h.Sum(nil))
	if err := r.info.Framer.WriteLine(line); err != nil {
		return false, err
	}
	body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
	if err != nil {
		return false, err
	}
	if isBadResponse(body) {
		return false, corenet.New(corenet.KindAccess, string(body))
	}
	return string(body) == "true", nil
}

// GetFile streams remotePath's contents into localPath, writing it
// through spgz.NewSparseFileWithFallback; the contents are stored
// uncompressed, as the plain bytes received. It returns the number
// of bytes written. Callers that also cached remotePath's FileInfo
// should call InvalidateStat afterward.
func (r *Runtime) GetFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() (int64, error) {
		return r.getFileOnce(remotePath, localPath)
	})
}

func (r *Runtime) getFileOnce(remotePath, localPath string) (int64, error) {
	if err := r.info.Framer.WriteLine("GET " + remotePath); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, corenet.Wrap(corenet.KindStorage, "open destination file", err)
	}
	defer f.Close()
	w := spgz.NewSparseFileWithFallback(f)
	defer w.Close()
	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return 0, corenet.Wrap(corenet.KindStorage, "seek destination file", err)
	}

	var total int64
	first := true
	for {
		chunk, more, err := r.info.Framer.ReadTransactionFrame(time.Now().Add(commandTimeout))
		if err != nil {
			return total, err
		}
		if first && isBadResponse(chunk) {
			return 0, corenet.New(corenet.KindAccess, string(chunk))
		}
		first = false
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return total, corenet.Wrap(corenet.KindStorage, "write destination file", werr)
			}
			total += int64(len(chunk))
		}
		if !more {
			return total, nil
		}
	}
}

// ExecBundle runs name on the server, streaming its output into out.
func (r *Runtime) ExecBundle(ctx context.Context, name string, out io.Writer) error {
	_, err := withRetry(ctx, r.maxRetries, r.log, func() (struct{}, error) {
		return struct{}{}, r.execBundleOnce(name, out)
	})
	return err
}

func (r *Runtime) execBundleOnce(name string, out io.Writer) error {
	if err := r.info.Framer.WriteLine("EXEC " + name); err != nil {
		return err
	}
	first := true
	for {
		chunk, more, err := r.info.Framer.ReadTransactionFrame(time.Now().Add(commandTimeout))
		if err != nil {
			return err
		}
		if first && isBadResponse(chunk) {
			return corenet.New(corenet.KindAccess, string(chunk))
		}
		first = false
		if len(chunk) > 0 {
			if _, werr := out.Write(chunk); werr != nil {
				return corenet.Wrap(corenet.KindInternal, "write bundle output", werr)
			}
		}
		if !more {
			return nil
		}
	}
}

// Query asks the server's query actuator for name with args, returning
// its raw result.
func (r *Runtime) Query(ctx context.Context, name string, args []string) (string, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() (string, error) {
		return r.queryOnce(name, args)
	})
}

func (r *Runtime) queryOnce(name string, args []string) (string, error) {
	line := "QUERY " + strings.Join(append([]string{name}, args...), " ")
	if err := r.info.Framer.WriteLine(line); err != nil {
		return "", err
	}
	body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
	if err != nil {
		return "", err
	}
	if isBadResponse(body) {
		return "", corenet.New(corenet.KindAccess, string(body))
	}
	return string(body), nil
}

// Scalar looks up a VAR on the server.
func (r *Runtime) Scalar(ctx context.Context, name string) (string, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() (string, error) {
		if err := r.info.Framer.WriteLine("VAR " + name); err != nil {
			return "", err
		}
		body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
		if err != nil {
			return "", err
		}
		if isBadResponse(body) {
			return "", corenet.New(corenet.KindAccess, string(body))
		}
		return string(body), nil
	})
}

// Class looks up a CONTEXT (class) on the server.
func (r *Runtime) Class(ctx context.Context, name string) (bool, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() (bool, error) {
		if err := r.info.Framer.WriteLine("CONTEXT " + name); err != nil {
			return false, err
		}
		body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
		if err != nil {
			return false, err
		}
		if isBadResponse(body) {
			return false, corenet.New(corenet.KindAccess, string(body))
		}
		return string(body) == "true", nil
	})
}

// Version reports the server's implementation version string.
func (r *Runtime) Version(ctx context.Context) (string, error) {
	return withRetry(ctx, r.maxRetries, r.log, func() (string, error) {
		if err := r.info.Framer.WriteLine("VERSION"); err != nil {
			return "", err
		}
		body, err := r.info.Framer.ReadTransaction(time.Now().Add(commandTimeout))
		if err != nil {
			return "", err
		}
		return string(body), nil
	})
}

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

// Package config is the single initialised-once configuration struct
// passed to each component, loaded with spf13/viper bound to pflag.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Server holds every tunable the server CLI exposes. IdleTimeout bounds
// how long a single connection may wait for its next command before
// being dropped; ReapAge is the separate, much longer span without a
// request after which the background sweep reaps a connection.
type Server struct {
	ConfigFile string
	NoFork     bool
	Inform     bool
	Verbose    bool
	Debug      bool

	WorkDir       string
	ListenAddr    string
	QueueDepth    int
	MaxWorkers    int
	MaxWait       time.Duration
	IdleTimeout   time.Duration
	ReapAge       time.Duration
	SweepEvery    time.Duration
	ShutdownGrace time.Duration

	PolicyFile string
	KeyringDir string
	LastseenDB string

	TLSMinVersion string
	TLSCiphers    []string
}

// StateRoot returns the state directory root, honoring the WORKDIR
// environment override.
func StateRoot() string {
	if v := os.Getenv("WORKDIR"); v != "" {
		return v
	}
	return "/var/lib/cfengine"
}

// DefaultServer returns the documented defaults.
func DefaultServer() Server {
	root := StateRoot()
	return Server{
		ListenAddr:    ":5308",
		QueueDepth:    128,
		MaxWorkers:    256,
		MaxWait:       2 * time.Second,
		IdleTimeout:   10 * time.Minute,
		ReapAge:       2 * time.Hour,
		SweepEvery:    30 * time.Second,
		ShutdownGrace: 10 * time.Second,
		WorkDir:       root,
		PolicyFile:    filepath.Join(root, "policy.yaml"),
		KeyringDir:    filepath.Join(root, "ppkeys"),
		LastseenDB:    filepath.Join(root, "lastseen.db"),
		TLSMinVersion: "1.3",
	}
}

// BindFlags registers every server CLI flag on fs and binds it into v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper, def Server) {
	fs.String("config", def.ConfigFile, "path to the server config file")
	fs.Bool("no-fork", def.NoFork, "run in the foreground, do not daemonise")
	fs.Bool("inform", def.Inform, "print informational messages")
	fs.Bool("verbose", def.Verbose, "print verbose diagnostic messages")
	fs.Bool("debug", def.Debug, "print debug-level diagnostic messages")
	fs.String("listen", def.ListenAddr, "address to listen on")
	fs.Int("queue-depth", def.QueueDepth, "maximum connections allowed to wait for a free worker slot")
	fs.Int("max-workers", def.MaxWorkers, "maximum concurrent connection workers")
	fs.Duration("max-wait", def.MaxWait, "maximum time a queued connection waits for a worker slot before BAD: busy")
	fs.Duration("idle-timeout", def.IdleTimeout, "close a connection idle longer than this")
	fs.Duration("reap-age", def.ReapAge, "age at which the background sweep reaps a connection outright")
	fs.Duration("sweep-every", def.SweepEvery, "how often the idle sweep runs")
	fs.Duration("shutdown-grace", def.ShutdownGrace, "time allowed for connections to drain on shutdown")
	fs.String("policy-file", def.PolicyFile, "path to the trust/access policy document")
	fs.String("keyring-dir", def.KeyringDir, "directory holding peer public keys")
	fs.String("lastseen-db", def.LastseenDB, "path to the lastseen database")

	_ = v.BindPFlags(fs)
}

// Client holds every tunable the agent CLI exposes.
type Client struct {
	ConfigFile string
	Verbose    bool
	Debug      bool

	ServerAddr    string
	Username      string
	TLSMinVersion string

	KeyPath  string
	CertPath string

	DialTimeout time.Duration
	MaxRetries  int
}

// DefaultClient returns the documented client defaults.
func DefaultClient() Client {
	root := StateRoot()
	return Client{
		TLSMinVersion: "1.2",
		KeyPath:       filepath.Join(root, "identity.key"),
		CertPath:      filepath.Join(root, "identity.crt"),
		DialTimeout:   10 * time.Second,
		MaxRetries:    3,
	}
}

// BindClientFlags registers every agent CLI flag on fs and binds it into v.
func BindClientFlags(fs *pflag.FlagSet, v *viper.Viper, def Client) {
	fs.String("config", def.ConfigFile, "path to the client config file")
	fs.Bool("verbose", def.Verbose, "print verbose diagnostic messages")
	fs.Bool("debug", def.Debug, "print debug-level diagnostic messages")
	fs.String("server", def.ServerAddr, "address of the server to connect to")
	fs.String("username", def.Username, "identity to present during the handshake")
	fs.String("key", def.KeyPath, "path to this host's identity private key")
	fs.String("cert", def.CertPath, "path to this host's identity certificate")
	fs.Duration("dial-timeout", def.DialTimeout, "timeout for establishing the connection")
	fs.Int("max-retries", def.MaxRetries, "maximum retries for a transiently failed request")

	_ = v.BindPFlags(fs)
}

// ClientFromViper materialises a Client from a populated viper.Viper.
func ClientFromViper(v *viper.Viper, def Client) Client {
	c := def
	c.ConfigFile = v.GetString("config")
	c.Verbose = v.GetBool("verbose")
	c.Debug = v.GetBool("debug")
	c.ServerAddr = v.GetString("server")
	c.Username = v.GetString("username")
	c.KeyPath = v.GetString("key")
	c.CertPath = v.GetString("cert")
	c.DialTimeout = v.GetDuration("dial-timeout")
	c.MaxRetries = v.GetInt("max-retries")
	return c
}

// FromViper materialises a Server from a populated viper.Viper.
func FromViper(v *viper.Viper, def Server) Server {
	s := def
	s.ConfigFile = v.GetString("config")
	s.NoFork = v.GetBool("no-fork")
	s.Inform = v.GetBool("inform")
	s.Verbose = v.GetBool("verbose")
	s.Debug = v.GetBool("debug")
	s.ListenAddr = v.GetString("listen")
	s.QueueDepth = v.GetInt("queue-depth")
	s.MaxWorkers = v.GetInt("max-workers")
	s.MaxWait = v.GetDuration("max-wait")
	s.IdleTimeout = v.GetDuration("idle-timeout")
	s.ReapAge = v.GetDuration("reap-age")
	s.SweepEvery = v.GetDuration("sweep-every")
	s.ShutdownGrace = v.GetDuration("shutdown-grace")
	s.PolicyFile = v.GetString("policy-file")
	s.KeyringDir = v.GetString("keyring-dir")
	s.LastseenDB = v.GetString("lastseen-db")
	return s
}

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

// Command cf-serverd is the trust-plane daemon: it loads a host identity
// and an access policy, opens the listen socket, and serves the closed
// command set to every peer the policy admits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cfengine/corenet/pkg/config"
	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/logging"
	"github.com/cfengine/corenet/pkg/policy"
	"github.com/cfengine/corenet/pkg/server"
	"github.com/cfengine/corenet/pkg/session/tlssession"
	"github.com/cfengine/corenet/pkg/store"
)

// implementationVersion is set at build time via -ldflags.
var implementationVersion = "0.0.0-dev"

// Exit codes match the historical cf-serverd convention: 0 clean
// shutdown, 1 usage/startup error, 101 fatal runtime error, 255 an
// unrecoverable runtime condition (SIGBUS) that skipped the normal
// drain and left the repair marker for the next start to find.
const (
	exitOK       = 0
	exitStartup  = 1
	exitFatal    = 101
	exitRecovery = 255
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("cf-serverd", pflag.ContinueOnError)
	v := viper.New()
	def := config.DefaultServer()
	config.BindFlags(fs, v, def)

	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")
	fs.String("identity-key", "", "path to this host's identity private key (generated if absent)")
	fs.String("identity-cert", "", "path to this host's identity certificate (generated if absent)")
	_ = v.BindPFlags(fs)

	if err := fs.Parse(args); err != nil {
		return exitStartup
	}
	if showVersion {
		fmt.Println("cf-serverd " + implementationVersion)
		return exitOK
	}

	cfg := config.FromViper(v, def)
	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "cf-serverd: reading config file: %v\n", err)
			return exitStartup
		}
		cfg = config.FromViper(v, cfg)
	}

	logHandle := logging.New(logging.Options{Debug: cfg.Debug, Development: cfg.NoFork})
	log := logHandle.Logger.WithName("cf-serverd")

	cert, _, err := tlssession.LoadOrGenerateIdentity(
		v.GetString("identity-key"), v.GetString("identity-cert"))
	if err != nil {
		log.Error(err, "load host identity")
		return exitStartup
	}

	if store.RepairNeeded(cfg.WorkDir) {
		log.Info("repair marker found from a previous unclean exit, rebuilding databases", "path", store.RepairTriggerPath(cfg.WorkDir))
		if err := store.Rebuild(cfg.LastseenDB); err != nil {
			log.Error(err, "rebuild lastseen database")
			return exitStartup
		}
		if err := store.ClearRepairTrigger(cfg.WorkDir); err != nil {
			log.Error(err, "clear repair trigger")
			return exitStartup
		}
	}

	db, err := store.Open(cfg.LastseenDB)
	if err != nil {
		log.Error(err, "open lastseen database", "path", cfg.LastseenDB)
		return exitStartup
	}
	defer db.Close()
	if err := store.Migrate(db, lastseen.Plan); err != nil {
		log.Error(err, "migrate lastseen database", "path", cfg.LastseenDB)
		return exitStartup
	}
	lastseenIdx := lastseen.Open(db)

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		log.Error(err, "load policy", "path", cfg.PolicyFile)
		return exitStartup
	}
	keyring := policy.NewKeyring(cfg.KeyringDir)

	srv := server.New(cfg, server.Deps{
		Cert:     cert,
		Lastseen: lastseenIdx,
		Keyring:  keyring,
		Policy:   pol,
		Actuators: server.Actuators{
			Bundles: server.NoopActuators{},
			Scalars: server.NoopActuators{},
			Queries: server.NoopActuators{},
		},
		Root: cfg.WorkDir,
		Log:  log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGBUS)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sig:
				switch s {
				case syscall.SIGTERM, syscall.SIGINT:
					log.Info("received shutdown signal", "signal", s.String())
					cancel()
					return
				case syscall.SIGHUP:
					log.Info("reloading policy")
					if err := pol.Reload(); err != nil {
						log.Error(err, "reload policy")
					}
				case syscall.SIGUSR1:
					log.Info("raising log level to debug")
					logHandle.RaiseToDebug()
				case syscall.SIGUSR2:
					log.Info("restoring configured log level")
					logHandle.RestoreLevel(cfg.Debug)
				case syscall.SIGBUS:
					log.Error(nil, "received SIGBUS, an unrecoverable condition was reported by the runtime, marking databases for rebuild and exiting immediately")
					if err := store.MarkRepairNeeded(cfg.WorkDir); err != nil {
						log.Error(err, "mark repair needed")
					}
					os.Exit(exitRecovery)
				}
			}
		}
	}()

	log.Info("starting", "listen", cfg.ListenAddr, "version", implementationVersion)
	runErr := srv.Run(ctx)
	cancel()
	<-done

	if runErr != nil && ctx.Err() == nil {
		log.Error(runErr, "server exited")
		return exitFatal
	}
	return exitOK
}

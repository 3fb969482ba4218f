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

// Command cf-agent is the client CLI: one subcommand per closed-set
// command, each dialing the target server fresh and issuing a single
// request through pkg/client.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cfengine/corenet/pkg/client"
	"github.com/cfengine/corenet/pkg/config"
	"github.com/cfengine/corenet/pkg/session/tlssession"
)

// implementationVersion is set at build time via -ldflags.
var implementationVersion = "0.0.0-dev"

var (
	v   = viper.New()
	def = config.DefaultClient()
	cfg config.Client
)

var rootCmd = &cobra.Command{
	Use:     "cf-agent",
	Short:   "Issue a single request to a cfengine-core server",
	Version: implementationVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.ClientFromViper(v, def)
		if cfg.ServerAddr == "" {
			return fmt.Errorf("--server is required")
		}
		return nil
	},
}

func init() {
	config.BindClientFlags(rootCmd.PersistentFlags(), v, def)
	rootCmd.AddCommand(getCmd, statCmd, openDirCmd, execCmd, queryCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dial connects and negotiates a session using the resolved client
// config, loading (or generating) the identity at cfg.KeyPath/CertPath.
func dial(ctx context.Context) (*client.Runtime, error) {
	cert, _, err := tlssession.LoadOrGenerateIdentity(cfg.KeyPath, cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	return client.Dial(dctx, cfg.ServerAddr, client.Options{
		Cert:        cert,
		Username:    cfg.Username,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  cfg.MaxRetries,
	})
}

func commandTimeout() time.Duration { return 5 * time.Minute }

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

// Command cf-check inspects a lastseen database offline: dumping its
// raw key space or running the same invariant audit the server applies
// after migration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cfengine/corenet/pkg/lastseen"
	"github.com/cfengine/corenet/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "cf-check",
	Short: "Inspect a lastseen database offline",
}

var dumpCmd = &cobra.Command{
	Use:   "dump <db-path>",
	Short: "Dump every key/value pair in the database to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		c := db.OpenCursor(nil)
		defer c.Close()
		for c.Advance() {
			fmt.Printf("%q -> %q\n", c.Key(), c.Value())
		}
		return nil
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <db-path>",
	Short: "Run the forward/reverse/quality invariant audit and report repairs made",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		ix := lastseen.Open(db)
		repaired, err := ix.Audit()
		if err != nil {
			return err
		}
		if repaired == 0 {
			fmt.Println("no violations found")
		} else {
			fmt.Printf("repaired %d orphan entries\n", repaired)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd, diagnoseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

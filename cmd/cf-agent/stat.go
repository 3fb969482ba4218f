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

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <remote-path>",
	Short: "Report a remote path's size, mode, mtime, and type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout())
		defer cancel()
		rt, err := dial(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		fi, err := rt.Stat(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("size=%d mode=%o mtime=%d dir=%t\n", fi.Size, fi.Mode, fi.MTime, fi.IsDir)
		return nil
	},
}

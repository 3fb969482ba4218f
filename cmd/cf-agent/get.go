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

var getCmd = &cobra.Command{
	Use:   "get <remote-path> <local-path>",
	Short: "Fetch a file from the server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout())
		defer cancel()
		rt, err := dial(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.GetFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		rt.InvalidateStat(args[0])
		fmt.Printf("%d bytes written to %s\n", n, args[1])
		return nil
	},
}

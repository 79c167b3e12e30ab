// This file is part of feather
//
// Copyright (C) 2020  BizFly Cloud
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/feather/pkg/archive"
	"github.com/bizflycloud/feather/pkg/errdefs"
)

var listHeaders = []string{"Archive", "Target", "Level", "Created", "Age"}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [config_file]",
	Short: "List archives in the tarsnap repository.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args, false)
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, nil)
		if err != nil {
			return err
		}
		defer rt.close()

		names, err := rt.engine.List(cmd.Context())
		if err != nil {
			return err
		}
		archives, errs := archive.DecodeAll(names)
		formatter.Output(listHeaders, listRows(archives, rt.engine.Now()))
		for _, name := range unparsed(errs) {
			fmt.Fprintf(os.Stderr, "not a feather archive: %s\n", name)
		}
		return nil
	},
}

func listRows(archives []archive.Archive, now time.Time) [][]string {
	data := make([][]string, 0, len(archives))
	for _, a := range archives {
		data = append(data, []string{
			a.Name,
			a.Target,
			a.Level,
			a.CreatedAt.Format("2006-01-02 15:04 MST"),
			humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
		})
	}
	return data
}

func unparsed(errs []error) []string {
	var names []string
	for _, err := range errs {
		var parseErr *errdefs.ArchiveParseError
		if errors.As(err, &parseErr) {
			names = append(names, parseErr.Identifier)
		}
	}
	return names
}

func init() {
	rootCmd.AddCommand(listCmd)
}

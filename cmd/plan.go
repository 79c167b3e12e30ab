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
	"time"

	"github.com/bizflycloud/bizflyctl/formatter"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bizflycloud/feather/pkg/retention"
)

var planHeaders = []string{"Action", "Target", "Level", "Archive", "Age"}

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan [config_file]",
	Short: "Show which archives a run would create and delete.",
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

		creates, deletes, err := rt.plan(cmd.Context())
		if err != nil {
			return err
		}
		formatter.Output(planHeaders, planRows(creates, deletes, rt.engine.Now()))
		return nil
	},
}

func planRows(creates []retention.CreateRequest, deletes []retention.DeleteRequest, now time.Time) [][]string {
	data := make([][]string, 0, len(creates)+len(deletes))
	for _, c := range creates {
		data = append(data, []string{"create", c.Target, c.Level, c.Name, "-"})
	}
	for _, d := range deletes {
		data = append(data, []string{"delete", d.Target, d.Level, d.Name, humanize.RelTime(now.Add(-d.Age), now, "old", "")})
	}
	return data
}

func init() {
	rootCmd.AddCommand(planCmd)
}

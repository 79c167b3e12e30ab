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
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/daemon"
	"github.com/bizflycloud/feather/pkg/errdefs"
	"github.com/bizflycloud/feather/pkg/metrics"
	"github.com/bizflycloud/feather/pkg/server"
)

var runNow bool

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon [config_file]",
	Short: "Run backups on a cron schedule and serve status over HTTP.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().String("cron", "", "cron schedule of runs (default \""+defaultCron+"\")")
	daemonCmd.Flags().String("listen", "", "listening address of the status server, host:port or unix://path")
	daemonCmd.Flags().BoolVar(&runNow, "run-now", false, "run once immediately on start")
	for _, key := range []string{"cron", "listen"} {
		if err := viper.BindPFlag(key, daemonCmd.Flags().Lookup(key)); err != nil {
			panic(err)
		}
	}
}

func runDaemon(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args, true)
	if err != nil {
		return err
	}

	// The pid file is held for the life of the daemon so one-shot runs from
	// cron cannot overlap with it.
	release, err := acquireLock(cfg.PidFile)
	if err != nil {
		return err
	}
	defer release()
	lowerPriority()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(reg)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, nil, recorder)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.keepConnecting(ctx)

	sched, err := daemon.New(cfg.Cron, rt.engine, daemon.WithLogger(logger))
	if err != nil {
		return &errdefs.ConfigError{Section: "cron", Msg: err.Error()}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	if runNow {
		go sched.RunOnce(ctx)
	}
	if next := sched.NextRun(); next != nil {
		logger.Info("Next run scheduled", zap.Time("at", *next))
	}

	if cfg.Listen != "" {
		s, err := server.New(
			server.WithAddr(cfg.Listen),
			server.WithEngine(rt.engine),
			server.WithStatus(sched.Last),
			server.WithGatherer(reg),
			server.WithLogger(logger),
		)
		if err != nil {
			sched.Stop()
			return err
		}
		logger.Info("Listening address: " + cfg.Listen)
		if err := s.Run(); !errors.Is(err, http.ErrServerClosed) {
			sched.Stop()
			return err
		}
	} else {
		<-ctx.Done()
	}

	// The signal that got us here has also cancelled ctx, so an in-flight
	// run is aborted and Stop only waits for it to unwind.
	logger.Info("Stopping scheduler")
	sched.Stop()
	return nil
}

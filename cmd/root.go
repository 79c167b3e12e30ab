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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/config"
	"github.com/bizflycloud/feather/pkg/errdefs"
	"github.com/bizflycloud/feather/pkg/lock"
	"github.com/bizflycloud/feather/pkg/support"
)

const (
	defaultConfigName = ".feather.yaml"
	defaultCron       = "*/15 * * * *"
	niceness          = 20
)

var (
	cfgFile   string
	verbosity int
	debug     bool
	dryRun    bool
	logger    *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "feather [config_file]",
	Short: "Tarsnap backup scheduler.",
	Long: `feather creates tarsnap archives for each configured backup when one of its
schedule levels is due, then deletes archives the retention policy no longer requires.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if logger != nil {
			logger.Error(err.Error(), zap.String("kind", errdefs.KindOf(err).String()))
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(errdefs.ExitCode(err))
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/"+defaultConfigName+")")
	flags.CountVarP(&verbosity, "verbose", "v", "verbosity; additional -v options provide additional detail")
	flags.BoolVar(&debug, "debug", false, "enable debug (default is false)")
	flags.String("pidfile", "", "pid file guarding against concurrent runs")
	flags.String("logfile", "", "also write JSON logs to this file")
	flags.String("max-runtime", "", "abort a run after this long (seconds or a duration such as 2h)")
	flags.String("binpath", "", "directory containing the tarsnap binary")
	flags.String("cachedir", "", "tarsnap cache directory")
	flags.String("keyfile", "", "tarsnap key file")
	flags.String("broker-url", "", "MQTT broker to publish archive events to")

	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be created and deleted without doing it")

	for key, flag := range map[string]string{
		"pidfile":     "pidfile",
		"logfile":     "logfile",
		"max_runtime": "max-runtime",
		"binpath":     "binpath",
		"cachedir":    "cachedir",
		"keyfile":     "keyfile",
		"broker_url":  "broker-url",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// initConfig sets up the console logger and environment overrides.
func initConfig() {
	logger = support.NewLogger(support.LogOptions{Verbosity: verbosity, Debug: debug})

	// FEATHER_PIDFILE, FEATHER_BROKER_URL, ...
	viper.SetEnvPrefix("feather")
	viper.AutomaticEnv() // read in environment variables that match
}

// configPath returns the positional config file, the --config flag, or
// the default in the home directory, in that order.
func configPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfgFile != "" {
		return cfgFile, nil
	}
	// Find home directory.
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultConfigName), nil
}

// setting returns the flag or environment value for key, then the value
// from the config file, then def.
func setting(key, fromFile, def string) string {
	if viper.IsSet(key) {
		if v := viper.GetString(key); v != "" {
			return v
		}
	}
	if fromFile != "" {
		return fromFile
	}
	return def
}

// loadConfig loads the config file and applies flag and environment
// overrides. The logger is rebuilt when a log file is configured; with
// logByDefault the platform log path is used when none is.
func loadConfig(args []string, logByDefault bool) (*config.Config, error) {
	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Debug("Using config file: " + cfg.Path)

	defaultLog, defaultPid, err := support.CheckPath()
	if err != nil {
		logger.Debug("Could not determine default paths", zap.Error(err))
		defaultLog = ""
		defaultPid = filepath.Join(os.TempDir(), "feather.pid")
	}
	if !logByDefault {
		defaultLog = ""
	}

	cfg.PidFile = setting("pidfile", cfg.PidFile, defaultPid)
	cfg.LogFile = setting("logfile", cfg.LogFile, defaultLog)
	cfg.BinPath = setting("binpath", cfg.BinPath, "")
	cfg.CacheDir = setting("cachedir", cfg.CacheDir, "")
	cfg.KeyFile = setting("keyfile", cfg.KeyFile, "")
	cfg.BrokerURL = setting("broker_url", cfg.BrokerURL, "")
	cfg.Listen = setting("listen", cfg.Listen, "")
	cfg.Cron = setting("cron", cfg.Cron, defaultCron)
	if v := setting("max_runtime", "", ""); v != "" {
		d, err := config.ParseSeconds(v)
		if err != nil || d < 0 {
			return nil, &errdefs.ConfigError{Section: "max_runtime", Msg: fmt.Sprintf("%q is not a number of seconds", v)}
		}
		cfg.MaxRuntime = d
	}

	if cfg.LogFile != "" {
		logger = support.NewLogger(support.LogOptions{Verbosity: verbosity, Debug: debug, File: cfg.LogFile})
	}
	return cfg, nil
}

// acquireLock takes the pid file, creating its directory if needed.
func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logger.Debug("Could not create pid file directory", zap.Error(err))
	}
	l, err := lock.Acquire(path)
	if err != nil {
		return nil, err
	}
	logger.Debug("Acquired pid file", zap.String("pidfile", l.Path()))
	return func() {
		if err := l.Release(); err != nil {
			logger.Warn("Could not remove pid file", zap.String("pidfile", l.Path()), zap.Error(err))
		}
	}, nil
}

// lowerPriority runs the rest of the process at the lowest priority.
func lowerPriority() {
	if err := support.Nice(niceness); err != nil {
		logger.Debug("Could not lower process priority", zap.Error(err))
	}
}

func runOnce(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}

	if !dryRun {
		release, err := acquireLock(cfg.PidFile)
		if err != nil {
			return err
		}
		defer release()
	}
	lowerPriority()

	rt, err := newRuntime(cfg, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	if dryRun {
		return rt.logPlan(ctx)
	}
	rt.connect()

	start := time.Now()
	report, err := rt.engine.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("Run completed",
		zap.Int("created", len(report.Created)),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

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
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/broker"
	"github.com/bizflycloud/feather/pkg/broker/mqtt"
	"github.com/bizflycloud/feather/pkg/config"
	"github.com/bizflycloud/feather/pkg/notify"
	"github.com/bizflycloud/feather/pkg/repository"
	"github.com/bizflycloud/feather/pkg/retention"
)

// runtime wires a loaded config to a repository, an engine and its observers.
type runtime struct {
	cfg    *config.Config
	engine *retention.Engine
	b      broker.Broker

	stopConnecting func()
}

// brokerRetryMin and brokerRetryMax bound the daemon's broker reconnect delay.
var (
	brokerRetryMin = time.Second
	brokerRetryMax = 2 * time.Minute
)

// newTarsnap builds the tarsnap repository described by cfg.
func newTarsnap(cfg *config.Config) (repository.Repository, error) {
	return repository.NewTarsnap(
		repository.WithBinPath(cfg.BinPath),
		repository.WithCacheDir(cfg.CacheDir),
		repository.WithKeyFile(cfg.KeyFile),
		repository.WithCheckpointBytes(cfg.CheckpointBytes),
		repository.WithVerbosity(verbosity),
		repository.WithLogger(logger),
	)
}

// newRuntime builds the engine for cfg. repo defaults to tarsnap.
func newRuntime(cfg *config.Config, repo repository.Repository, observers ...retention.Observer) (*runtime, error) {
	if repo == nil {
		var err error
		if repo, err = newTarsnap(cfg); err != nil {
			return nil, err
		}
	}
	rt := &runtime{cfg: cfg}

	opts := []retention.Option{
		retention.WithLogger(logger),
		retention.WithMaxRuntime(cfg.MaxRuntime),
	}
	if cfg.BrokerURL != "" {
		n, err := rt.newNotifier()
		if err != nil {
			logger.Warn("Event notifications disabled", zap.String("broker_url", cfg.BrokerURL), zap.Error(err))
		} else {
			opts = append(opts, retention.WithObserver(n))
		}
	}
	for _, o := range observers {
		opts = append(opts, retention.WithObserver(o))
	}

	engine, err := retention.New(cfg.Catalog, cfg.Targets, repo, opts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

// newNotifier builds the broker and its notifier. The broker is connected
// later by connect or keepConnecting; until then events are dropped.
func (rt *runtime) newNotifier() (*notify.Notifier, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	b, err := mqtt.NewBroker(
		mqtt.WithURL(rt.cfg.BrokerURL),
		mqtt.WithClientID("feather-"+host),
		mqtt.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	n, err := notify.New(b, host, notify.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	rt.b = b
	return n, nil
}

// connect makes a single attempt to reach the broker.
func (rt *runtime) connect() {
	if rt.b == nil {
		return
	}
	if err := rt.b.Connect(); err != nil {
		logger.Warn("Event notifications disabled", zap.String("broker_url", rt.cfg.BrokerURL), zap.Error(fmt.Errorf("connect %s: %w", rt.b, err)))
	}
}

// keepConnecting connects to the broker in the background, retrying with
// jittered backoff until it succeeds, ctx is done or close is called.
func (rt *runtime) keepConnecting(ctx context.Context) {
	if rt.b == nil || rt.stopConnecting != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	rt.stopConnecting = func() {
		cancel()
		<-done
	}

	go func() {
		defer close(done)
		b := &backoff.Backoff{Min: brokerRetryMin, Max: brokerRetryMax, Jitter: true}
		for {
			err := rt.b.Connect()
			if err == nil {
				logger.Info("Connected to broker", zap.String("broker", rt.b.String()))
				return
			}
			d := b.Duration()
			logger.Warn("Broker connect failed", zap.String("broker_url", rt.cfg.BrokerURL), zap.Duration("retry_in", d), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}()
}

func (rt *runtime) close() {
	if rt.stopConnecting != nil {
		rt.stopConnecting()
		rt.stopConnecting = nil
	}
	if rt.b == nil {
		return
	}
	if err := rt.b.Disconnect(); err != nil {
		logger.Debug("Broker disconnect failed", zap.Error(err))
	}
	rt.b = nil
}

// plan lists the repository and returns what a run would do right now.
func (rt *runtime) plan(ctx context.Context) ([]retention.CreateRequest, []retention.DeleteRequest, error) {
	names, err := rt.engine.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := rt.engine.Now()
	creates, err := rt.engine.PlanBackups(names, now)
	if err != nil {
		return nil, nil, err
	}
	return creates, rt.engine.PlanPrune(names, now), nil
}

// logPlan logs the planned work without doing it.
func (rt *runtime) logPlan(ctx context.Context) error {
	creates, deletes, err := rt.plan(ctx)
	if err != nil {
		return err
	}
	for _, c := range creates {
		logger.Warn("Would take backup", zap.String("archive", c.Name), zap.String("path", c.Path))
	}
	for _, d := range deletes {
		logger.Warn("Would delete archive", zap.String("archive", d.Name), zap.Duration("age", d.Age))
	}
	return nil
}

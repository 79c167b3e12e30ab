package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Option func(s *Server) error

// WithAddr returns an Option which set the server listening address.
func WithAddr(addr string) Option {
	return func(s *Server) error {
		s.Addr = addr
		return nil
	}
}

// WithEngine returns an Option which set the engine queried by /archives and /plan.
func WithEngine(e Engine) Option {
	return func(s *Server) error {
		if e == nil {
			return errors.New("nil engine")
		}
		s.engine = e
		return nil
	}
}

// WithStatus returns an Option which set the source of the last run report.
func WithStatus(f StatusFunc) Option {
	return func(s *Server) error {
		s.status = f
		return nil
	}
}

// WithGatherer returns an Option which set the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) error {
		s.gatherer = g
		return nil
	}
}

// WithLogger returns an Option which set the logger for Server.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

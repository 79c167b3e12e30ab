package mqtt

import (
	"errors"
	"net/url"

	"go.uber.org/zap"
)

type Option func(m *MQTTBroker) error

// WithURL returns an Option which set the broker url.
func WithURL(u string) Option {
	return func(m *MQTTBroker) error {
		if u == "" {
			return errors.New("empty broker url")
		}
		uri, err := url.Parse(u)
		if err != nil {
			return err
		}
		if uri.Host == "" {
			return errors.New("broker url has no host")
		}
		m.uri = uri
		return nil
	}
}

// WithClientID returns an Option which set the broker client id.
func WithClientID(id string) Option {
	return func(m *MQTTBroker) error {
		m.clientID = id
		return nil
	}
}

// WithLogger returns an Option which set the broker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *MQTTBroker) error {
		m.logger = logger
		return nil
	}
}

package broker

import "errors"

// ErrNoConnection is returned by a Broker used before Connect succeeded.
var ErrNoConnection = errors.New("no connection to broker server")

// Broker is the interface to perform async messaging.
type Broker interface {
	Connect() error
	Disconnect() error
	Publish(topic string, payload interface{}) error
	String() string
}

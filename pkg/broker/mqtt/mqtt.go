package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/broker"
)

const (
	clientDisconnectWaitTimeout = 250
	lastWillTestatement         = `{"status": "OFFLINE"}`
)

var _ broker.Broker = (*MQTTBroker)(nil)

var (
	ErrNoConnection = broker.ErrNoConnection
	ErrTimeout      = errors.New("timed out waiting for broker")
)

var tokenWaitTimeout = 3 * time.Second

// MQTTBroker implements broker.Broker interface.
type MQTTBroker struct {
	uri      *url.URL
	clientID string

	mu     sync.RWMutex
	client mqtt.Client

	qos      byte
	retained bool
	logger   *zap.Logger
}

// NewBroker creates new mqtt broker.
func NewBroker(opts ...Option) (*MQTTBroker, error) {
	m := &MQTTBroker{}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.uri == nil {
		return nil, errors.New("no broker url")
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.qos = 1
	return m, nil
}

func (m *MQTTBroker) server() string {
	switch m.uri.Scheme {
	case "mqtts", "ssl", "tls":
		return "ssl://" + m.uri.Host
	default:
		return "tcp://" + m.uri.Host
	}
}

func (m *MQTTBroker) opts() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.server())
	opts.SetUsername(m.uri.User.Username())
	if p, isSet := m.uri.User.Password(); isSet {
		opts.SetPassword(p)
	}
	opts.SetClientID(m.clientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(tokenWaitTimeout)

	var connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
		m.logger.Debug("Connected to broker", zap.String("broker", m.uri.Host))
	}

	var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
		m.logger.Warn("Connection lost with broker", zap.Error(err))
	}

	opts.OnConnectionLost = connectLostHandler
	opts.OnConnect = connectHandler

	opts.SetWill("feather/"+m.clientID, lastWillTestatement, 0, false)
	return opts
}

func (m *MQTTBroker) Connect() error {
	client := mqtt.NewClient(m.opts())
	token := client.Connect()
	if !token.WaitTimeout(2 * tokenWaitTimeout) {
		return ErrTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

func (m *MQTTBroker) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return ErrNoConnection
	}

	m.client.Disconnect(clientDisconnectWaitTimeout)
	m.client = nil

	return nil
}

func (m *MQTTBroker) Publish(topic string, payload interface{}) error {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return ErrNoConnection
	}
	token := client.Publish(topic, m.qos, m.retained, payload)
	if !token.WaitTimeout(tokenWaitTimeout) {
		return ErrTimeout
	}

	return token.Error()
}

func (m *MQTTBroker) String() string {
	return fmt.Sprintf("Broker [%s]", m.clientID)
}

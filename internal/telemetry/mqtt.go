package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"microgrid-ledger/internal/cycle"
)

const (
	publishQoS     = 1
	publishTimeout = 2 * time.Second
	keepAlive      = 30 * time.Second
	disconnectMs   = 250
)

// MQTTPublisher pushes cycle snapshots to a broker. Publishing is
// best-effort: a broker outage is logged and never fails a cycle.
type MQTTPublisher struct {
	client      mqtt.Client
	topicPrefix string
	logger      *log.Logger
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// NewMQTTPublisher connects to the broker and returns a publisher.
func NewMQTTPublisher(cfg MQTTConfig, logger *log.Logger) (*MQTTPublisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("telemetry: empty broker url")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "energy-ledger"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ledger"
	}
	if logger == nil {
		logger = log.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(cfg.TopicPrefix+"/status", "offline", publishQoS, true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect: %w", token.Error())
	}

	return &MQTTPublisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		logger:      logger,
	}, nil
}

// newPublisherWithClient is the constructor used by tests.
func newPublisherWithClient(client mqtt.Client, topicPrefix string, logger *log.Logger) *MQTTPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &MQTTPublisher{client: client, topicPrefix: topicPrefix, logger: logger}
}

// Publish sends one snapshot to <prefix>/cycles/<participant>.
func (p *MQTTPublisher) Publish(snap cycle.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Printf("telemetry marshal failed: participant=%s err=%v", snap.Participant, err)
		return
	}
	topic := fmt.Sprintf("%s/cycles/%s", p.topicPrefix, snap.Participant)
	token := p.client.Publish(topic, publishQoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Printf("telemetry publish timeout: topic=%s", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Printf("telemetry publish failed: topic=%s err=%v", topic, err)
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(disconnectMs)
}

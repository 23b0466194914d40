package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errNotConnected = errors.New("not connected")

// MQTTConfig configures the cellular uplink.
type MQTTConfig struct {
	Broker      string `yaml:"broker" mapstructure:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" mapstructure:"client_id" json:"clientId"`
	Username    string `yaml:"username" mapstructure:"username" json:"username"`
	Password    string `yaml:"password" mapstructure:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" mapstructure:"topic_prefix" json:"topicPrefix"`
	QoS         byte   `yaml:"qos" mapstructure:"qos" json:"qos"`
	KeepAlive   int    `yaml:"keepalive_sec" mapstructure:"keepalive_sec" json:"keepaliveSec"`
}

// MQTT publishes frames to <prefix>/telemetry. The paho client reconnects
// on its own; sends fail fast while the link is down.
type MQTT struct {
	notifier
	cfg   MQTTConfig
	log   *zap.Logger
	topic string
	m     mqtt.Client
}

func NewMQTT(name string, cfg MQTTConfig, log *zap.Logger) *MQTT {
	// Client ids must be unique per broker.
	if cfg.ClientID == "" {
		cfg.ClientID = "sc2-driverio-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "sc2-driverio"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &MQTT{
		notifier: notifier{name: name},
		cfg:      cfg,
		log:      log,
		topic:    fmt.Sprintf("%s/telemetry", cfg.TopicPrefix),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(cfg.TopicPrefix+"/c", []byte{0x00}, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	c.m = mqtt.NewClient(opts)
	return c
}

// Connect starts the background connection. It does not wait for the
// broker.
func (c *MQTT) Connect() {
	c.m.Connect()
}

func (c *MQTT) onConnect(client mqtt.Client) {
	c.log.Info("mqtt connect", zap.String("broker", c.cfg.Broker))
	client.Publish(c.cfg.TopicPrefix+"/c", 1, true, []byte{0x01})
	c.notify(true)
}

func (c *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("mqtt disconnect", zap.Error(err))
	c.notify(false)
}

func (c *MQTT) Name() string { return c.name }

func (c *MQTT) Send(ctx context.Context, payload []byte, ts time.Time) error {
	if !c.m.IsConnectionOpen() {
		return transportErr(c.name, errNotConnected)
	}
	token := c.m.Publish(c.topic, c.cfg.QoS, false, EncodeRadioFrame(payload, ts))

	wait := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return transportErr(c.name, context.DeadlineExceeded)
	}
	return transportErr(c.name, token.Error())
}

func (c *MQTT) Close() error {
	c.m.Disconnect(250)
	return nil
}

package ttn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
)

const handleTimeout = 10 * time.Second

// UplinkHandler processes one uplink envelope.
type UplinkHandler func(ctx context.Context, env models.UplinkEnvelope) error

// MQTTConfig locates an application on a TTN MQTT server.
type MQTTConfig struct {
	BrokerURL string
	Tenant    string
	AppID     string
	APIKey    string
}

// UplinkTopic is the wildcard topic carrying every device's uplinks for an application.
func UplinkTopic(appID, tenant string) string {
	return fmt.Sprintf("v3/%s@%s/devices/+/up", appID, tenant)
}

// MQTTSubscriber receives uplinks from TTN's MQTT integration, an alternative to the webhook.
type MQTTSubscriber struct {
	cfg     MQTTConfig
	topic   string
	handler UplinkHandler
	client  mqtt.Client
	ctx     context.Context
	log     zerolog.Logger
}

func NewMQTTSubscriber(cfg MQTTConfig, handler UplinkHandler) *MQTTSubscriber {
	return &MQTTSubscriber{
		cfg:     cfg,
		topic:   UplinkTopic(cfg.AppID, cfg.Tenant),
		handler: handler,
		ctx:     context.Background(),
		log:     logging.With().Str("component", "ttn-mqtt").Logger(),
	}
}

// Start connects and subscribes. The subscription is renewed on every reconnect.
func (s *MQTTSubscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID("lorawan-dashboard-" + uuid.NewString()[:8]).
		SetUsername(fmt.Sprintf("%s@%s", s.cfg.AppID, s.cfg.Tenant)).
		SetPassword(s.cfg.APIKey).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(s.topic, 0, s.onMessage)
			if token.WaitTimeout(handleTimeout) && token.Error() != nil {
				s.log.Error().Err(token.Error()).Str("topic", s.topic).Msg("subscribe failed")
				return
			}
			s.log.Info().Str("topic", s.topic).Msg("subscribed to uplinks")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn().Err(err).Msg("mqtt connection lost")
		})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(handleTimeout) {
		s.log.Warn().Str("broker", s.cfg.BrokerURL).Msg("mqtt connect still pending, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", s.cfg.BrokerURL, err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTSubscriber) Stop() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var env models.UplinkEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("discarding malformed uplink")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, handleTimeout)
	defer cancel()
	if err := s.handler(ctx, env); err != nil {
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Str("device_id", env.EndDeviceIDs.DeviceID).Msg("uplink not ingested")
	}
}

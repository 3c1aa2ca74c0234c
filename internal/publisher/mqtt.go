package publisher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client for both directions.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte

	mu   sync.Mutex
	subs map[string]Handler
}

// MQTTOptions configures the MQTT client.
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// PublishTimeout bounds how long Publish waits for the broker.
	PublishTimeout time.Duration
}

// NewMQTTPublisher creates and connects an MQTT client.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{qos: opts.QoS, subs: make(map[string]Handler)}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetWriteTimeout(opts.PublishTimeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("MQTT: connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			p.resubscribe(c)
		})

	p.client = mqtt.NewClient(clientOpts)
	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return p, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("publishing %s: not connected", topic)
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("publishing %s: %w", topic, ctx.Err())
	}
}

// Subscribe registers fn for messages on topic. The subscription is
// restored after every reconnect. fn runs on the client's delivery goroutine
// in arrival order and must not block: acknowledgements for Publish are read
// by that same goroutine.
func (p *MQTTPublisher) Subscribe(topic string, fn Handler) error {
	p.mu.Lock()
	p.subs[topic] = fn
	p.mu.Unlock()

	token := p.client.Subscribe(topic, p.qos, wrap(fn))
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) resubscribe(c mqtt.Client) {
	p.mu.Lock()
	subs := make(map[string]Handler, len(p.subs))
	for topic, fn := range p.subs {
		subs[topic] = fn
	}
	p.mu.Unlock()

	for topic, fn := range subs {
		token := c.Subscribe(topic, p.qos, wrap(fn))
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("MQTT: resubscribing to %s: %v", topic, err)
		}
	}
}

func wrap(fn Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Topic(), msg.Payload())
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

package util

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultPublishTimeout = 10 * time.Second

// MessageHandler receives the topic and payload of an incoming message.
type MessageHandler func(topic string, payload []byte)

// MQTTClient is the part of the broker connection the vehicle and accessory
// bridges use.
type MQTTClient interface {
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topics ...string) error
}

// NewMQTTClient wraps a connected paho client.
func NewMQTTClient(client mqtt.Client) MQTTClient {
	return &pahoClient{client: client}
}

type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return token.Error()
}

func (p *pahoClient) Subscribe(topic string, handler MessageHandler) error {
	token := p.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (p *pahoClient) Unsubscribe(topics ...string) error {
	token := p.client.Unsubscribe(topics...)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("timed out unsubscribing from %v", topics)
	}
	return token.Error()
}

package bus

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTBus is the broker-backed transport: an eclipse/paho.golang client
// managed by autopaho, which owns reconnection so this type only has to
// own the bounded buffer spec.md §4.3 requires while a reconnect is in
// flight. Named in this pack's nugget-thane-ai-agent manifest as the
// client used for exactly this kind of operational event stream.
type MQTTBus struct {
	cm *autopaho.ConnectionManager

	mu          sync.Mutex
	subscribers map[int]subscription
	nextID      int
	bufferSize  int
	buffer      []Message
	dropCount   uint64
}

// NewMQTTBus dials brokerURL (e.g. "mqtt://localhost:1883") and returns a
// Bus once the initial connection attempt has been handed to autopaho's
// background connection manager. Publish calls made while Connected reports
// false are buffered per bufferSize and flushed on connect. Subscribe is not
// buffered: it registers the handler locally and sends one broker subscribe
// request in the background.
func NewMQTTBus(ctx context.Context, brokerURL string, clientID string, bufferSize int) (*MQTTBus, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse broker url: %w", err)
	}

	mb := &MQTTBus{
		subscribers: make(map[int]subscription),
		bufferSize:  bufferSize,
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{u},
		KeepAlive:         20,
		ConnectRetryDelay: 2 * time.Second,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			mb.flush(ctx, cm)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					mb.dispatch(Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", brokerURL, err)
	}
	mb.cm = cm
	return mb, nil
}

func (mb *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !mb.Connected() {
		mb.mu.Lock()
		mb.buffer = append(mb.buffer, Message{Topic: topic, Payload: payload})
		if len(mb.buffer) > mb.bufferSize {
			mb.buffer = mb.buffer[1:]
			mb.dropCount++
		}
		mb.mu.Unlock()
		return nil
	}

	_, err := mb.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

func (mb *MQTTBus) Subscribe(pattern string, handler Handler) (unsubscribe func()) {
	mb.mu.Lock()
	id := mb.nextID
	mb.nextID++
	mb.subscribers[id] = subscription{pattern: pattern, handler: handler}
	mb.mu.Unlock()

	go func() {
		_, _ = mb.cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: pattern, QoS: 1}},
		})
	}()

	return func() {
		mb.mu.Lock()
		delete(mb.subscribers, id)
		mb.mu.Unlock()
	}
}

func (mb *MQTTBus) Connected() bool {
	if mb.cm == nil {
		return false
	}
	select {
	case <-mb.cm.Done():
		return false
	default:
		return true
	}
}

func (mb *MQTTBus) Close() error {
	return mb.cm.Disconnect(context.Background())
}

func (mb *MQTTBus) dispatch(msg Message) {
	mb.mu.Lock()
	subs := make([]subscription, 0, len(mb.subscribers))
	for _, s := range mb.subscribers {
		subs = append(subs, s)
	}
	mb.mu.Unlock()

	for _, s := range subs {
		if matches(s.pattern, msg.Topic) {
			s.handler(msg)
		}
	}
}

func (mb *MQTTBus) flush(ctx context.Context, cm *autopaho.ConnectionManager) {
	mb.mu.Lock()
	pending := mb.buffer
	mb.buffer = nil
	mb.mu.Unlock()

	for _, msg := range pending {
		_, _ = cm.Publish(ctx, &paho.Publish{Topic: msg.Topic, Payload: msg.Payload, QoS: 1})
	}
}

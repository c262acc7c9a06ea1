// Package mqtt carries raw LocoNet messages over an MQTT broker, one
// message per publish. It is the node's stand-in for the physical bus
// interface: framing, timing and arbitration stay on the other side of
// the broker.
package mqtt

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/locoio/loconet"
)

const subscribeTimeoutSeconds = 15
const connectionTimeoutSeconds = 5
const publishTimeoutSeconds = 4

const DefaultRxTopic = "loconet/rx"
const DefaultTxTopic = "loconet/tx"

const inboundBuffer = 64

// Client implements loconet.Transport: inbound bus messages arrive on
// the rx topic, outbound frames are published to the tx topic.
type Client struct {
	config  autopaho.ClientConfig
	conn    *autopaho.ConnectionManager
	logger  *log.Logger
	rxTopic string
	txTopic string

	inbound chan loconet.Message
}

func NewClient(broker, clientId, rxTopic, txTopic string) (mc *Client, err error) {
	addr, err := url.Parse(broker)
	if err != nil {
		return
	}

	if rxTopic == "" {
		rxTopic = DefaultRxTopic
	}
	if txTopic == "" {
		txTopic = DefaultTxTopic
	}

	mc = &Client{
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "MqttClient: ",
			Level:  log.GetLevel(),
		}),
		rxTopic: rxTopic,
		txTopic: txTopic,
		inbound: make(chan loconet.Message, inboundBuffer),
	}

	mc.config = autopaho.ClientConfig{
		BrokerUrls:            []*url.URL{addr},
		KeepAlive:             20,
		SessionExpiryInterval: 60,
		OnConnectionUp:        mc.onConnUp,
		OnConnectError:        mc.onConnError,
		ClientConfig: paho.ClientConfig{
			ClientID:           clientId,
			OnClientError:      mc.onConnError,
			OnServerDisconnect: mc.onSrvDisconnect,
			OnPublishReceived:  mc.onPublishRecv(),
		},
	}

	return
}

func (mc *Client) Connect(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, connectionTimeoutSeconds*time.Second)
	defer cancel()

	mc.conn, err = autopaho.NewConnection(ctx, mc.config)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt connection")
	}

	err = mc.conn.AwaitConnection(ctx)
	if err != nil {
		err = errors.Wrap(err, "failed awaiting mqtt connection")
	}
	return
}

// Receive hands out at most one pending inbound message, never blocking.
func (mc *Client) Receive() (loconet.Message, bool) {
	select {
	case m := <-mc.inbound:
		return m, true
	default:
		return nil, false
	}
}

func (mc *Client) Send(m loconet.Message) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeoutSeconds*time.Second)
	defer cancel()

	_, err = mc.conn.Publish(ctx, &paho.Publish{
		Topic:   mc.txTopic,
		QoS:     1,
		Payload: m,
	})
	return
}

func (mc *Client) Close() error {
	if mc.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return mc.conn.Disconnect(ctx)
}

func (mc *Client) onConnUp(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
	mc.logger.Info("Connected to MQTT broker")

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeoutSeconds*time.Second)
	defer cancel()

	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{QoS: 1, Topic: mc.rxTopic},
		},
	})
	if err != nil {
		mc.logger.Error("Failed to subscribe to rx topic", "topic", mc.rxTopic, "err", err)
	}
}

func (mc *Client) onConnError(err error) {
	mc.logger.Error("Received Mqtt connection error", "err", err)
}

func (mc *Client) onSrvDisconnect(d *paho.Disconnect) {
	mc.logger.Info("Disconnected from MQTT broker")
}

func (mc *Client) onPublishRecv() []func(paho.PublishReceived) (bool, error) {
	return []func(paho.PublishReceived) (bool, error){
		func(pr paho.PublishReceived) (bool, error) {
			msg := loconet.Message(pr.Packet.Payload)
			select {
			case mc.inbound <- msg:
			default:
				mc.logger.Warn("inbound buffer full, dropping message", "len", len(msg))
			}
			return true, nil
		},
	}
}

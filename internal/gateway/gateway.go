// Package gateway is the MQTT link: it bridges broker topics onto the
// transfer channels, the control command set and the light state.
package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"brite-server/internal/infra/async"
	"brite-server/internal/infra/mqtt"
	"brite-server/internal/lighting"
	"brite-server/internal/transfer"
)

const _qos byte = 0

// Worker subscribes one topic tree per device:
//
//	brite/<device>/<channel>/ingress   request frames  -> Channel.OnWrite
//	brite/<device>/<channel>/read      read access (optional u16 LE mtu)
//	brite/<device>/<channel>/chunk     staged chunk served for a read access
//	brite/<device>/<channel>/notify    notifications   <- Channel
//	brite/<device>/control             light commands (raw text)
//	brite/<device>/state               opened/closed   <- light worker
type Worker struct {
	client   mqtt.Client
	broker   async.InternalBroker
	deviceID string
	mtu      uint16
	channels map[string]*transfer.Channel
}

var _ async.Worker = (*Worker)(nil)

func NewWorker(client mqtt.Client, broker async.InternalBroker, deviceID string, mtu uint16, channels map[string]*transfer.Channel) *Worker {
	return &Worker{
		client:   client,
		broker:   broker,
		deviceID: deviceID,
		mtu:      mtu,
		channels: channels,
	}
}

// Notifier returns the link notifier for a channel, publishing notification
// frames on the channel's notify topic.
func (w *Worker) Notifier(channelName string) transfer.Notifier {
	topic := w.topic(channelName, "notify")
	return transfer.NotifierFunc(func(frame []byte) {
		if err := w.client.Publish(topic, frame); err != nil {
			slog.Error("publishing notification", slog.String("topic", topic), slog.Any("error", err))
		}
	})
}

func (w *Worker) Run(ctx context.Context, done func()) {
	slog.Debug("mqtt gateway started", slog.String("device_id", w.deviceID))
	defer done()

	for name, channel := range w.channels {
		if err := w.subscribeChannel(name, channel); err != nil {
			slog.Error("wiring transfer channel", slog.String("channel", name), slog.Any("error", err))
			return
		}
	}
	if err := w.client.Subscribe(w.controlTopic(), _qos, w.controlHandler(ctx)); err != nil {
		slog.Error("wiring control topic", slog.Any("error", err))
		return
	}

	subscription, err := w.broker.Subscribe(lighting.TopicState)
	if err != nil {
		slog.Error("subscribing to light state", slog.Any("error", err))
		return
	}
	defer w.broker.Unsubscribe(lighting.TopicState, subscription)

	for {
		select {
		case <-ctx.Done():
			slog.Info("mqtt gateway cancelled")
			return
		case msg, ok := <-subscription.Receiver:
			if !ok {
				return
			}
			w.publishState(msg.Event)
		}
	}
}

func (w *Worker) Shutdown() {}

func (w *Worker) subscribeChannel(name string, channel *transfer.Channel) error {
	ingressHandler := func(_ mqtt.Client, msg mqtt.Message) {
		if err := channel.OnWrite(msg.Payload(), w.mtu); err != nil {
			slog.Warn("request frame dropped",
				slog.String("channel", name), slog.Any("error", err))
		}
	}
	if err := w.client.Subscribe(w.topic(name, "ingress"), _qos, ingressHandler); err != nil {
		return err
	}

	chunkTopic := w.topic(name, "chunk")
	readHandler := func(_ mqtt.Client, msg mqtt.Message) {
		mtu := w.mtu
		if payload := msg.Payload(); len(payload) >= 2 {
			mtu = binary.LittleEndian.Uint16(payload)
		}
		chunk := channel.OnRead(mtu)
		if err := w.client.Publish(chunkTopic, chunk); err != nil {
			slog.Error("publishing chunk", slog.String("channel", name), slog.Any("error", err))
		}
	}
	return w.client.Subscribe(w.topic(name, "read"), _qos, readHandler)
}

func (w *Worker) controlHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		command, err := lighting.ParseCommand(msg.Payload())
		if err != nil {
			slog.Warn("control payload rejected", slog.Any("error", err))
			return
		}
		brokerMsg := async.BrokerMessage{Event: string(command)}
		if err := w.broker.Publish(ctx, lighting.TopicEvents, brokerMsg); err != nil {
			slog.Error("dispatching control command", slog.Any("error", err))
		}
	}
}

func (w *Worker) publishState(state string) {
	topic := fmt.Sprintf("brite/%s/state", w.deviceID)
	if err := w.client.Publish(topic, []byte(state)); err != nil {
		slog.Error("publishing light state", slog.Any("error", err))
	}
}

func (w *Worker) topic(channelName, suffix string) string {
	return fmt.Sprintf("brite/%s/%s/%s", w.deviceID, channelName, suffix)
}

func (w *Worker) controlTopic() string {
	return fmt.Sprintf("brite/%s/control", w.deviceID)
}

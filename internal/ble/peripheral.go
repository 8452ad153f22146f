// Package ble is the Bluetooth link: a GATT peripheral exposing the control
// and state characteristics plus one characteristic pair per transfer
// channel.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"brite-server/internal/infra/async"
	"brite-server/internal/lighting"
	"brite-server/internal/transfer"
	"brite-server/internal/transfer/wire"

	"tinygo.org/x/bluetooth"
)

const (
	ServiceUUID = "7e4e1701-1ea6-40c9-9dcc-13d34ffead57"
	ControlUUID = "7e4e1702-1ea6-40c9-9dcc-13d34ffead57"
	StateUUID   = "7e4e1703-1ea6-40c9-9dcc-13d34ffead57"

	SceneTransferUUID    = "7e4e1704-1ea6-40c9-9dcc-13d34ffead57"
	SceneChunkUUID       = "7e4e1705-1ea6-40c9-9dcc-13d34ffead57"
	ScheduleTransferUUID = "7e4e1706-1ea6-40c9-9dcc-13d34ffead57"
	ScheduleChunkUUID    = "7e4e1707-1ea6-40c9-9dcc-13d34ffead57"
)

// stagePollInterval paces the wait for the channel worker to process a read
// request before the next chunk is staged.
const (
	stagePollInterval = 5 * time.Millisecond
	stagePollAttempts = 40
)

// Endpoint binds one transfer channel to its characteristic pair: requests
// and notifications share the transfer characteristic, read accesses are
// served from the staged value of the chunk characteristic.
type Endpoint struct {
	Name         string
	Channel      *transfer.Channel
	TransferUUID string
	ChunkUUID    string

	transferChar bluetooth.Characteristic
	chunkChar    bluetooth.Characteristic
}

// Peripheral advertises the device and serves the GATT surface.
type Peripheral struct {
	adapter   *bluetooth.Adapter
	broker    async.InternalBroker
	localName string
	mtu       uint16
	endpoints []*Endpoint

	stateChar bluetooth.Characteristic
}

var _ async.Worker = (*Peripheral)(nil)

func NewPeripheral(broker async.InternalBroker, localName string, mtu uint16, endpoints []*Endpoint) *Peripheral {
	return &Peripheral{
		adapter:   bluetooth.DefaultAdapter,
		broker:    broker,
		localName: localName,
		mtu:       mtu,
		endpoints: endpoints,
	}
}

// Notifier returns the link notifier for a channel, pushing notification
// frames over the transfer characteristic.
func (p *Peripheral) Notifier(channelName string) transfer.Notifier {
	return transfer.NotifierFunc(func(frame []byte) {
		for _, endpoint := range p.endpoints {
			if endpoint.Name != channelName {
				continue
			}
			if _, err := endpoint.transferChar.Write(frame); err != nil {
				slog.Error("notifying over bluetooth",
					slog.String("channel", channelName), slog.Any("error", err))
			}
			return
		}
	})
}

func (p *Peripheral) Run(ctx context.Context, done func()) {
	slog.Debug("bluetooth peripheral started", slog.String("name", p.localName))
	defer done()

	if err := p.setup(ctx); err != nil {
		slog.Error("bluetooth setup", slog.Any("error", err))
		return
	}

	subscription, err := p.broker.Subscribe(lighting.TopicState)
	if err != nil {
		slog.Error("subscribing to light state", slog.Any("error", err))
		return
	}
	defer p.broker.Unsubscribe(lighting.TopicState, subscription)

	for {
		select {
		case <-ctx.Done():
			slog.Info("bluetooth peripheral cancelled")
			return
		case msg, ok := <-subscription.Receiver:
			if !ok {
				return
			}
			if _, err := p.stateChar.Write([]byte(msg.Event)); err != nil {
				slog.Error("notifying light state", slog.Any("error", err))
			}
		}
	}
}

func (p *Peripheral) Shutdown() {}

func (p *Peripheral) setup(ctx context.Context) error {
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	serviceUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("service uuid: %w", err)
	}
	controlUUID, err := bluetooth.ParseUUID(ControlUUID)
	if err != nil {
		return fmt.Errorf("control uuid: %w", err)
	}
	stateUUID, err := bluetooth.ParseUUID(StateUUID)
	if err != nil {
		return fmt.Errorf("state uuid: %w", err)
	}

	characteristics := []bluetooth.CharacteristicConfig{
		{
			UUID:       controlUUID,
			Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
			WriteEvent: p.controlWriteEvent(ctx),
		},
		{
			Handle: &p.stateChar,
			UUID:   stateUUID,
			Value:  []byte(lighting.StateClosed),
			Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
		},
	}

	for _, endpoint := range p.endpoints {
		transferUUID, err := bluetooth.ParseUUID(endpoint.TransferUUID)
		if err != nil {
			return fmt.Errorf("transfer uuid for %s: %w", endpoint.Name, err)
		}
		chunkUUID, err := bluetooth.ParseUUID(endpoint.ChunkUUID)
		if err != nil {
			return fmt.Errorf("chunk uuid for %s: %w", endpoint.Name, err)
		}

		characteristics = append(characteristics,
			bluetooth.CharacteristicConfig{
				Handle:     &endpoint.transferChar,
				UUID:       transferUUID,
				Flags:      bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission | bluetooth.CharacteristicNotifyPermission,
				WriteEvent: p.transferWriteEvent(endpoint),
			},
			bluetooth.CharacteristicConfig{
				Handle: &endpoint.chunkChar,
				UUID:   chunkUUID,
				Flags:  bluetooth.CharacteristicReadPermission,
			},
		)
	}

	err = p.adapter.AddService(&bluetooth.Service{
		UUID:            serviceUUID,
		Characteristics: characteristics,
	})
	if err != nil {
		return fmt.Errorf("adding gatt service: %w", err)
	}

	advertisement := p.adapter.DefaultAdvertisement()
	err = advertisement.Configure(bluetooth.AdvertisementOptions{
		LocalName:    p.localName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	})
	if err != nil {
		return fmt.Errorf("configuring advertisement: %w", err)
	}
	if err := advertisement.Start(); err != nil {
		return fmt.Errorf("starting advertisement: %w", err)
	}

	return nil
}

func (p *Peripheral) controlWriteEvent(ctx context.Context) func(bluetooth.Connection, int, []byte) {
	return func(_ bluetooth.Connection, offset int, value []byte) {
		if offset != 0 {
			return
		}
		command, err := lighting.ParseCommand(value)
		if err != nil {
			slog.Warn("control payload rejected", slog.Any("error", err))
			return
		}
		msg := async.BrokerMessage{Event: string(command)}
		if err := p.broker.Publish(ctx, lighting.TopicEvents, msg); err != nil {
			slog.Error("dispatching control command", slog.Any("error", err))
		}
	}
}

func (p *Peripheral) transferWriteEvent(endpoint *Endpoint) func(bluetooth.Connection, int, []byte) {
	return func(_ bluetooth.Connection, offset int, value []byte) {
		if offset != 0 {
			return
		}
		if err := endpoint.Channel.OnWrite(value, p.mtu); err != nil {
			slog.Warn("request frame dropped",
				slog.String("channel", endpoint.Name), slog.Any("error", err))
			return
		}
		if start, ok := nextReadStart(value); ok {
			go p.stageChunk(endpoint, start)
		}
	}
}

// nextReadStart reports the offset the next staged chunk must carry when the
// request advances a read session.
func nextReadStart(frame []byte) (uint32, bool) {
	msg, _, err := wire.DecodeRequest(frame)
	if err != nil {
		return 0, false
	}
	switch m := msg.(type) {
	case wire.StartRead:
		return 0, true
	case wire.ReadReceive:
		return m.NextStart, true
	default:
		return 0, false
	}
}

// stageChunk waits for the channel worker to process the read request, then
// writes the chunk at start into the read characteristic's value. The GATT
// stack serves reads from that staged value, so staging must happen before
// the client's next read access.
func (p *Peripheral) stageChunk(endpoint *Endpoint, start uint32) {
	for range stagePollAttempts {
		chunk := endpoint.Channel.OnRead(p.mtu)
		if chunk != nil {
			meta, _, err := wire.DecodeChunkMetaData(chunk)
			if err == nil && meta.Start == start {
				if _, err := endpoint.chunkChar.Write(chunk); err != nil {
					slog.Error("staging chunk",
						slog.String("channel", endpoint.Name), slog.Any("error", err))
				}
				return
			}
		}
		time.Sleep(stagePollInterval)
	}
	slog.Debug("no chunk to stage",
		slog.String("channel", endpoint.Name), slog.Uint64("start", uint64(start)))
}

// DefaultEndpoints binds the scene and schedule channels to their fixed
// characteristic UUIDs.
func DefaultEndpoints(scene, schedule *transfer.Channel) []*Endpoint {
	return []*Endpoint{
		{Name: "scene", Channel: scene, TransferUUID: SceneTransferUUID, ChunkUUID: SceneChunkUUID},
		{Name: "schedule", Channel: schedule, TransferUUID: ScheduleTransferUUID, ChunkUUID: ScheduleChunkUUID},
	}
}

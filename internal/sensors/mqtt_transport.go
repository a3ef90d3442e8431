// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// Wire format of the MQTT wearable bridge.
//
//	<prefix>/<id>/status  retained "online" / "offline"
//	<prefix>/<id>/hr      {"hr":[72,73]}
//	<prefix>/<id>/acc     {"rate":52,"samples":[{"x":..,"y":..,"z":..}]}
//	<prefix>/<id>/gyro    same as acc
//	<prefix>/<id>/cmd     {"cmd":"start","channel":"acc"}
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// WireFrame is the JSON payload of a sample topic.
type WireFrame struct {
	Rate    int        `json:"rate,omitempty"`
	Samples []imu.Vec3 `json:"samples,omitempty"`
	HR      []int      `json:"hr,omitempty"`
}

// WireCommand is the JSON payload of the cmd topic.
type WireCommand struct {
	Cmd     string `json:"cmd"`
	Channel string `json:"channel"`
}

// WearableTopic builds "<prefix>/<id>/<leaf>".
func WearableTopic(prefix, id, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, id, leaf)
}

// DecodeWireFrame turns a sample payload into a Frame of the given kind.
func DecodeWireFrame(kind imu.ChannelKind, payload []byte) (Frame, error) {
	var wf WireFrame
	if err := json.Unmarshal(payload, &wf); err != nil {
		return Frame{}, fmt.Errorf("decode %v frame: %w", kind, err)
	}
	f := Frame{Kind: kind, RateHz: wf.Rate}
	if kind == imu.HeartRate {
		f.HR = wf.HR
	} else {
		f.Vectors = wf.Samples
	}
	return f, nil
}

// MQTTTransport reaches wearables bridged onto an MQTT broker.
type MQTTTransport struct {
	client    mqtt.Client
	prefix    string
	opTimeout time.Duration
	logger    *zap.Logger

	mu sync.Mutex
	id string
}

// NewMQTTTransport wraps a paho client; the client does not need to be
// connected yet.
func NewMQTTTransport(client mqtt.Client, prefix string, logger *zap.Logger) *MQTTTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTTransport{
		client:    client,
		prefix:    prefix,
		opTimeout: 2 * time.Second,
		logger:    logger.Named("mqtt-transport"),
	}
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTTTransport) waitOp(tok mqtt.Token) error {
	if !tok.WaitTimeout(t.opTimeout) {
		return fmt.Errorf("mqtt operation timed out after %v", t.opTimeout)
	}
	return tok.Error()
}

// Open waits until the device announces itself online on its status topic.
func (t *MQTTTransport) Open(ctx context.Context, id string, status func(online bool)) error {
	if !t.client.IsConnected() {
		if err := waitToken(ctx, t.client.Connect()); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	}

	online := make(chan struct{})
	var once sync.Once
	topic := WearableTopic(t.prefix, id, "status")
	tok := t.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		switch string(msg.Payload()) {
		case StatusOnline:
			once.Do(func() { close(online) })
			status(true)
		case StatusOffline:
			status(false)
		default:
			t.logger.Debug("unknown status payload", zap.String("topic", msg.Topic()))
		}
	})
	if err := waitToken(ctx, tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	select {
	case <-online:
	case <-ctx.Done():
		t.client.Unsubscribe(topic)
		return ctx.Err()
	}

	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
	return nil
}

func (t *MQTTTransport) Close(id string) error {
	t.mu.Lock()
	if id == "" {
		id = t.id
	}
	t.id = ""
	t.mu.Unlock()

	topics := []string{WearableTopic(t.prefix, id, "status")}
	for _, k := range []imu.ChannelKind{imu.HeartRate, imu.Accelerometer, imu.Gyroscope} {
		topics = append(topics, WearableTopic(t.prefix, id, k.String()))
	}
	return t.waitOp(t.client.Unsubscribe(topics...))
}

func (t *MQTTTransport) deviceID() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == "" {
		return "", errors.New("no device open")
	}
	return t.id, nil
}

func (t *MQTTTransport) command(id, cmd string, kind imu.ChannelKind) error {
	payload, err := json.Marshal(WireCommand{Cmd: cmd, Channel: kind.String()})
	if err != nil {
		return err
	}
	return t.waitOp(t.client.Publish(WearableTopic(t.prefix, id, "cmd"), 1, false, payload))
}

func (t *MQTTTransport) Subscribe(kind imu.ChannelKind, h FrameHandler) error {
	id, err := t.deviceID()
	if err != nil {
		return err
	}
	topic := WearableTopic(t.prefix, id, kind.String())
	tok := t.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		f, err := DecodeWireFrame(kind, msg.Payload())
		if err != nil {
			t.logger.Warn("dropping frame", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		h(f)
	})
	if err := t.waitOp(tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return t.command(id, "start", kind)
}

func (t *MQTTTransport) Unsubscribe(kind imu.ChannelKind) error {
	id, err := t.deviceID()
	if err != nil {
		return err
	}
	topic := WearableTopic(t.prefix, id, kind.String())
	if err := t.waitOp(t.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return t.command(id, "stop", kind)
}

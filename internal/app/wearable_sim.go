// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

// WearableSimOptions tunes the simulated strap.
type WearableSimOptions struct {
	Prefix   string
	DeviceID string
	RateHz   int // motion sample rate
	Batch    int // samples per motion frame
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// WearableSim plays a chest strap on the MQTT bridge: it announces itself
// online, follows start/stop commands and publishes batched motion frames
// and one heart rate per second while a channel is on.
type WearableSim struct {
	client mqtt.Client
	opts   WearableSimOptions
	reader *sensors.SimReader
	logger *zap.Logger

	mu     sync.Mutex
	active map[imu.ChannelKind]bool
}

func NewWearableSim(client mqtt.Client, opts WearableSimOptions) *WearableSim {
	if opts.RateHz <= 0 {
		opts.RateHz = 50
	}
	if opts.Batch <= 0 {
		opts.Batch = 10
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WearableSim{
		client: client,
		opts:   opts,
		reader: sensors.NewSimReader(opts.Clock, imu.AxisZ),
		logger: opts.Logger.Named("wearable-sim").With(zap.String("device", opts.DeviceID)),
		active: map[imu.ChannelKind]bool{},
	}
}

func (s *WearableSim) topic(leaf string) string {
	return sensors.WearableTopic(s.opts.Prefix, s.opts.DeviceID, leaf)
}

// Active reports whether the bridge asked for a channel.
func (s *WearableSim) Active(kind imu.ChannelKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[kind]
}

func (s *WearableSim) onCommand(_ mqtt.Client, msg mqtt.Message) {
	var c sensors.WireCommand
	if err := json.Unmarshal(msg.Payload(), &c); err != nil {
		s.logger.Warn("bad command", zap.Error(err))
		return
	}
	kind, ok := imu.ParseChannelKind(c.Channel)
	if !ok {
		s.logger.Warn("unknown channel", zap.String("channel", c.Channel))
		return
	}
	s.mu.Lock()
	switch c.Cmd {
	case "start":
		s.active[kind] = true
	case "stop":
		delete(s.active, kind)
	default:
		s.mu.Unlock()
		s.logger.Warn("unknown command", zap.String("cmd", c.Cmd))
		return
	}
	s.mu.Unlock()
	s.logger.Info("command", zap.String("cmd", c.Cmd), zap.Stringer("channel", kind))
}

func (s *WearableSim) publish(leaf string, retained bool, payload any) error {
	var raw []byte
	switch p := payload.(type) {
	case string:
		raw = []byte(p)
	default:
		var err error
		if raw, err = json.Marshal(p); err != nil {
			return err
		}
	}
	token := s.client.Publish(s.topic(leaf), 0, retained, raw)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish %s: %w", leaf, token.Error())
	}
	return nil
}

// motionFrame reads one batch from the simulated sensor.
func (s *WearableSim) motionFrame(kind imu.ChannelKind) sensors.WireFrame {
	f := sensors.WireFrame{Rate: s.opts.RateHz, Samples: make([]imu.Vec3, 0, s.opts.Batch)}
	for i := 0; i < s.opts.Batch; i++ {
		var v imu.Vec3
		if kind == imu.Gyroscope {
			v, _ = s.reader.ReadGyro()
		} else {
			v, _ = s.reader.ReadAccel()
		}
		f.Samples = append(f.Samples, v)
	}
	return f
}

func (s *WearableSim) heartRate() int {
	return 70 + int(math.Round(8*math.Sin(s.reader.Elevation()*math.Pi/180)))
}

// Tick publishes one frame for every active motion channel.
func (s *WearableSim) Tick() {
	for _, kind := range []imu.ChannelKind{imu.Accelerometer, imu.Gyroscope} {
		if !s.Active(kind) {
			continue
		}
		if err := s.publish(kind.String(), false, s.motionFrame(kind)); err != nil {
			s.logger.Warn("motion frame", zap.Error(err))
		}
	}
}

// Beat publishes one heart rate reading when the channel is on.
func (s *WearableSim) Beat() {
	if !s.Active(imu.HeartRate) {
		return
	}
	if err := s.publish(imu.HeartRate.String(), false, sensors.WireFrame{HR: []int{s.heartRate()}}); err != nil {
		s.logger.Warn("heart rate frame", zap.Error(err))
	}
}

// Run announces the device and publishes until ctx is done, then marks it
// offline.
func (s *WearableSim) Run(ctx context.Context) error {
	token := s.client.Subscribe(s.topic("cmd"), 1, s.onCommand)
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	if err := s.publish("status", true, sensors.StatusOnline); err != nil {
		return err
	}
	s.logger.Info("wearable online", zap.Int("rate_hz", s.opts.RateHz), zap.Int("batch", s.opts.Batch))

	frames := s.opts.Clock.NewTicker(time.Duration(s.opts.Batch) * time.Second / time.Duration(s.opts.RateHz))
	defer frames.Stop()
	beats := s.opts.Clock.NewTicker(time.Second)
	defer beats.Stop()

	for {
		select {
		case <-ctx.Done():
			s.client.Unsubscribe(s.topic("cmd"))
			if err := s.publish("status", true, sensors.StatusOffline); err != nil {
				s.logger.Warn("offline status", zap.Error(err))
			}
			s.logger.Info("wearable offline")
			return nil
		case <-frames.Chan():
			s.Tick()
		case <-beats.Chan():
			s.Beat()
		}
	}
}

// RunWearableSim connects to the broker and runs a simulated device.
func RunWearableSim(ctx context.Context, broker, clientID string, opts WearableSimOptions) error {
	if !sensors.ValidDeviceID(opts.DeviceID) {
		return fmt.Errorf("invalid device id %q", opts.DeviceID)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	status := sensors.WearableTopic(opts.Prefix, opts.DeviceID, "status")
	client := newMQTTClient(broker, clientID, opts.Logger, func(o *mqtt.ClientOptions) {
		o.SetWill(status, sensors.StatusOffline, 1, true)
	})
	if err := connectMQTT(client, 10*time.Second); err != nil {
		return err
	}
	defer client.Disconnect(250)
	return NewWearableSim(client, opts).Run(ctx)
}

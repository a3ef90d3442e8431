// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/config"
	"github.com/relabs-tech/elevation_computer/internal/recording"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

// newMQTTClient builds a paho client that logs its connection changes. The
// client is not connected yet.
func newMQTTClient(broker, clientID string, logger *zap.Logger, extra ...func(*mqtt.ClientOptions)) mqtt.Client {
	log := logger.With(zap.String("broker", broker), zap.String("client_id", clientID))
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}
	for _, f := range extra {
		f(opts)
	}
	return mqtt.NewClient(opts)
}

// connectMQTT connects a client, bounded by timeout.
func connectMQTT(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect timeout after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	return nil
}

// NewWearableTransport picks the wearable link named by WEARABLE_TRANSPORT.
func NewWearableTransport(cfg *config.Config, logger *zap.Logger) sensors.Transport {
	if cfg.WearableTransport == "serial" {
		open := sensors.SerialPortOpener(cfg.WearableSerialPort, uint(cfg.WearableBaudRate))
		return sensors.NewSerialTransport(open, logger)
	}
	client := newMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID+"-wearable", logger)
	return sensors.NewMQTTTransport(client, cfg.WearableTopicPrefix, logger)
}

// NewReaderOpener picks the builtin IMU reader named by IMU_READER.
func NewReaderOpener(cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (sensors.ReaderOpener, error) {
	if cfg.IMUReader == "spi" {
		return sensors.SPIReaderOpener(sensors.SPIOptions{
			Device:     cfg.IMUSPIDevice,
			CSPin:      cfg.IMUCSPin,
			AccelRange: cfg.IMUAccelRange,
			GyroRange:  cfg.IMUGyroRange,
			Logger:     logger,
		}), nil
	}
	p, err := cfg.BuiltinProfile()
	if err != nil {
		return nil, err
	}
	return sensors.SimReaderOpener(clock, p.Vertical), nil
}

// NewEngineFromConfig builds both sources and the engine from cfg.
func NewEngineFromConfig(cfg *config.Config, logger *zap.Logger, scope tally.Scope) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := clockwork.NewRealClock()

	wp, err := cfg.WearableProfile()
	if err != nil {
		return nil, err
	}
	bp, err := cfg.BuiltinProfile()
	if err != nil {
		return nil, err
	}
	opener, err := NewReaderOpener(cfg, clock, logger)
	if err != nil {
		return nil, err
	}

	wearable := sensors.NewWearable(NewWearableTransport(cfg, logger), sensors.WearableOptions{
		ConnectTimeout: cfg.ConnectTimeout(),
		Logger:         logger,
	})
	builtin := sensors.NewBuiltin(opener, sensors.BuiltinOptions{
		ConnectTimeout:      cfg.ConnectTimeout(),
		SampleInterval:      time.Duration(cfg.IMUSampleInterval) * time.Millisecond,
		GyroPublishInterval: time.Duration(cfg.GyroPublishInterval) * time.Millisecond,
		Clock:               clock,
		Logger:              logger,
	})

	return NewEngine(EngineOptions{
		Wearable:         wearable,
		Builtin:          builtin,
		WearableProfile:  wp,
		BuiltinProfile:   bp,
		Selected:         cfg.Source,
		SubscriberBuffer: cfg.SubscriberBuffer,
		ExportDir:        cfg.ExportPath,
		Recording: recording.Options{
			DurationLimit:       cfg.RecordingDuration(),
			CheckInterval:       cfg.RecordingCheckInterval(),
			ClearHistoryOnStart: cfg.RecordingClearOnStart,
			Clock:               clock,
		},
		Logger: logger,
		Scope:  scope,
	})
}

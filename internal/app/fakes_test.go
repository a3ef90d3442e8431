// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/elevation_computer/internal/imu"
	"github.com/relabs-tech/elevation_computer/internal/recording"
	"github.com/relabs-tech/elevation_computer/internal/sensors"
)

type fakeSource struct {
	name string
	ch   *sensors.Channels

	mu         sync.Mutex
	connectErr error
	connected  string
	started    map[imu.ChannelKind]int
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, ch: sensors.NewChannels(), started: map[imu.ChannelKind]int{}}
}

func (f *fakeSource) Name() string                { return f.name }
func (f *fakeSource) Channels() *sensors.Channels { return f.ch }

func (f *fakeSource) Connect(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = id
	f.ch.Connected.Publish(true)
	return nil
}

func (f *fakeSource) Disconnect(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ""
	f.ch.Connected.Publish(false)
	return nil
}

func (f *fakeSource) StartChannel(kind imu.ChannelKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[kind]++
	if kind.IMUGroup() {
		f.ch.Measuring.Publish(true)
	}
	return nil
}

func (f *fakeSource) StopChannel(kind imu.ChannelKind) error {
	if kind.IMUGroup() {
		f.ch.Acceleration.Clear()
		f.ch.Gyro.Clear()
		f.ch.Measuring.Publish(false)
	}
	return nil
}

func (f *fakeSource) deviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) starts(kind imu.ChannelKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[kind]
}

// motion yields exactly one estimate per algorithm: a still gyroscope is
// published first when none is cached, then the accelerometer sample.
func (f *fakeSource) motion(acc imu.Vec3, ts int64) {
	if _, ok := f.ch.Gyro.Latest(); !ok {
		f.ch.Gyro.Publish(imu.RawSample{Timestamp: ts})
	}
	f.ch.Acceleration.Publish(imu.RawSample{Vec3: acc, Timestamp: ts})
}

type testEngine struct {
	*Engine
	wearable *fakeSource
	builtin  *fakeSource
	dir      string
}

func newTestEngine(t *testing.T, rec recording.Options) testEngine {
	t.Helper()
	te := testEngine{
		wearable: newFakeSource("wearable"),
		builtin:  newFakeSource("builtin"),
		dir:      t.TempDir(),
	}
	e, err := NewEngine(EngineOptions{
		Wearable:  te.wearable,
		Builtin:   te.builtin,
		ExportDir: te.dir,
		Recording: rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	te.Engine = e
	return te
}

type doneToken struct{}

var closedCh = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { return closedCh }
func (doneToken) Error() error                   { return nil }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

// recordingClient keeps everything published and hands subscriptions back
// to the test.
type recordingClient struct {
	mqtt.Client

	mu        sync.Mutex
	published []message
	retained  map[string]bool
	subs      map[string]mqtt.MessageHandler
}

func newRecordingClient() *recordingClient {
	return &recordingClient{retained: map[string]bool{}, subs: map[string]mqtt.MessageHandler{}}
}

func (c *recordingClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, message{topic, raw})
	c.retained[topic] = retained
	return doneToken{}
}

func (c *recordingClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = h
	return doneToken{}
}

func (c *recordingClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	return doneToken{}
}

func (c *recordingClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.subs[topic]
	c.mu.Unlock()
	if h != nil {
		h(c, message{topic, payload})
	}
}

func (c *recordingClient) messages(topic string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

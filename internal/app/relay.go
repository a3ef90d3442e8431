// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/elevation_computer/internal/aggregator"
)

// ErrPublishTimeout reports a snapshot the broker did not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// SnapshotTopic is where a source's snapshots are relayed.
func SnapshotTopic(base, source string) string {
	return base + "/" + source
}

// Relay republishes snapshots to MQTT as retained JSON, one topic per
// source.
type Relay struct {
	client  mqtt.Client
	base    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewRelay(client mqtt.Client, base string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:  client,
		base:    base,
		timeout: 2 * time.Second,
		logger:  logger.Named("relay"),
	}
}

// Publish sends one snapshot.
func (r *Relay) Publish(s aggregator.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	topic := SnapshotTopic(r.base, s.Source)
	token := r.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(r.timeout) {
		return fmt.Errorf("%w: %s after %v", ErrPublishTimeout, topic, r.timeout)
	}
	return token.Error()
}

// Forward publishes every snapshot from snaps until ctx is done or snaps
// closes. Publish errors are logged and skipped.
func (r *Relay) Forward(ctx context.Context, snaps <-chan aggregator.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			if err := r.Publish(s); err != nil {
				r.logger.Warn("publish snapshot", zap.String("source", s.Source), zap.Error(err))
			}
		}
	}
}

// Run relays every source of the engine until ctx is done.
func (r *Relay) Run(ctx context.Context, e *Engine) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range e.Sources() {
		snaps, cancel, err := e.Subscribe(name)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer cancel()
			r.Forward(ctx, snaps)
			return nil
		})
	}
	r.logger.Info("relaying snapshots", zap.String("topic", SnapshotTopic(r.base, "+")))
	return g.Wait()
}

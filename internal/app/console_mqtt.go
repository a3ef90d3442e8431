// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/aggregator"
	"github.com/relabs-tech/elevation_computer/internal/config"
)

func optFloat(p *float32) string {
	if p == nil {
		return "   --  "
	}
	return fmt.Sprintf("%7.2f", *p)
}

// FormatSnapshot renders one console line.
func FormatSnapshot(s aggregator.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%-8s] #%-6d", strings.ToUpper(s.Source), s.Seq)
	fmt.Fprintf(&b, " ALG1=%s ALG2=%s", optFloat(s.Angle1), optFloat(s.Angle2))
	if s.HR != nil {
		fmt.Fprintf(&b, "  HR=%3d", *s.HR)
	} else {
		b.WriteString("  HR= --")
	}
	if s.Acc != nil {
		fmt.Fprintf(&b, "  acc=(%6.2f,%6.2f,%6.2f)", s.Acc.X, s.Acc.Y, s.Acc.Z)
	}
	if s.Gyro != nil {
		fmt.Fprintf(&b, "  gyro=(%7.2f,%7.2f,%7.2f)", s.Gyro.X, s.Gyro.Y, s.Gyro.Z)
	}
	fmt.Fprintf(&b, "  connected=%t measuring=%t", s.Connected, s.Measuring)
	return b.String()
}

// consolePrinter rate limits output per source to one line per interval.
type consolePrinter struct {
	out      io.Writer
	interval time.Duration
	now      func() time.Time
	last     map[string]time.Time
}

func (p *consolePrinter) print(s aggregator.Snapshot) {
	t := p.now()
	if prev, ok := p.last[s.Source]; ok && t.Sub(prev) < p.interval {
		return
	}
	p.last[s.Source] = t
	fmt.Fprintln(p.out, FormatSnapshot(s))
}

// RunConsoleMQTT prints relayed snapshots until ctx is done.
func RunConsoleMQTT(ctx context.Context, out io.Writer, logger *zap.Logger) error {
	cfg := config.Get()
	client := newMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID+"-console", logger)
	if err := connectMQTT(client, cfg.ConnectTimeout()); err != nil {
		return err
	}
	defer client.Disconnect(250)

	p := &consolePrinter{
		out:      out,
		interval: time.Duration(cfg.ConsoleLogInterval) * time.Millisecond,
		now:      time.Now,
		last:     map[string]time.Time{},
	}
	lines := make(chan aggregator.Snapshot, 64)
	topic := SnapshotTopic(cfg.TopicSnapshot, "+")
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s aggregator.Snapshot
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			logger.Warn("console: snapshot unmarshal error", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		select {
		case lines <- s:
		default:
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	logger.Info("console: subscribed", zap.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			logger.Info("console: shutting down")
			return nil
		case s := <-lines:
			p.print(s)
		}
	}
}

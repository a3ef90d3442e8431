// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// The serial bridge speaks proprietary NMEA 0183 sentences:
//
//	$PWSTA,<id>,ONLINE*CS        device status (ONLINE / OFFLINE)
//	$PWACC,<rate>,x,y,z*CS       one accelerometer sample, m/s²
//	$PWGYR,<rate>,x,y,z*CS       one gyroscope sample, °/s
//	$PWHR,<bpm>*CS               one heart-rate sample
//	$PWCMD,START|STOP,HR|ACC|GYR*CS   host to device
const (
	typeStatus = "WSTA"
	typeAccel  = "WACC"
	typeGyro   = "WGYR"
	typeHR     = "WHR"
	typeCmd    = "WCMD"
)

// StatusSentence is a parsed $PWSTA.
type StatusSentence struct {
	nmea.BaseSentence
	DeviceID string
	Online   bool
}

// MotionSentence is a parsed $PWACC or $PWGYR.
type MotionSentence struct {
	nmea.BaseSentence
	RateHz int64
	Sample imu.Vec3
}

// HRSentence is a parsed $PWHR.
type HRSentence struct {
	nmea.BaseSentence
	BPM int64
}

// CommandSentence is a parsed $PWCMD.
type CommandSentence struct {
	nmea.BaseSentence
	Action  string
	Channel string
}

func parseStatus(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := StatusSentence{
		BaseSentence: s,
		DeviceID:     p.String(0, "device id"),
		Online:       strings.EqualFold(p.String(1, "status"), "ONLINE"),
	}
	return m, p.Err()
}

func parseMotion(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := MotionSentence{
		BaseSentence: s,
		RateHz:       p.Int64(0, "rate"),
		Sample: imu.Vec3{
			X: float32(p.Float64(1, "x")),
			Y: float32(p.Float64(2, "y")),
			Z: float32(p.Float64(3, "z")),
		},
	}
	return m, p.Err()
}

func parseHR(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := HRSentence{BaseSentence: s, BPM: p.Int64(0, "bpm")}
	return m, p.Err()
}

func parseCommand(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	m := CommandSentence{
		BaseSentence: s,
		Action:       p.String(0, "action"),
		Channel:      p.String(1, "channel"),
	}
	return m, p.Err()
}

// NewSentenceParser returns a parser that understands the bridge sentences.
// Sentences with a bad or missing checksum fail to parse.
func NewSentenceParser() *nmea.SentenceParser {
	return &nmea.SentenceParser{
		CustomParsers: map[string]nmea.ParserFunc{
			typeStatus: parseStatus,
			typeAccel:  parseMotion,
			typeGyro:   parseMotion,
			typeHR:     parseHR,
			typeCmd:    parseCommand,
		},
	}
}

// FormatSentence wraps body as "$body*CS\r\n".
func FormatSentence(body string) string {
	return fmt.Sprintf("$%s*%s\r\n", body, nmea.Checksum(body))
}

// SentenceChannel maps a channel kind to its $PWCMD token.
func SentenceChannel(kind imu.ChannelKind) string {
	switch kind {
	case imu.HeartRate:
		return "HR"
	case imu.Accelerometer:
		return "ACC"
	case imu.Gyroscope:
		return "GYR"
	}
	return ""
}

// ParseSentenceChannel is the inverse of SentenceChannel.
func ParseSentenceChannel(s string) (imu.ChannelKind, bool) {
	switch strings.ToUpper(s) {
	case "HR":
		return imu.HeartRate, true
	case "ACC":
		return imu.Accelerometer, true
	case "GYR":
		return imu.Gyroscope, true
	}
	return 0, false
}

// PortOpener opens the serial line.
type PortOpener func() (io.ReadWriteCloser, error)

// SerialPortOpener opens portName at baud with 8N1 framing.
func SerialPortOpener(portName string, baud uint) PortOpener {
	return func() (io.ReadWriteCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:        portName,
			BaudRate:        baud,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		})
	}
}

// SerialTransport reaches a wearable through a serial radio bridge.
type SerialTransport struct {
	open   PortOpener
	parser *nmea.SentenceParser
	logger *zap.Logger

	mu       sync.Mutex
	port     io.ReadWriteCloser
	id       string
	status   func(bool)
	online   chan struct{}
	handlers map[imu.ChannelKind]FrameHandler
	done     chan struct{}
}

func NewSerialTransport(open PortOpener, logger *zap.Logger) *SerialTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialTransport{
		open:     open,
		parser:   NewSentenceParser(),
		logger:   logger.Named("serial-transport"),
		handlers: map[imu.ChannelKind]FrameHandler{},
	}
}

func (t *SerialTransport) Open(ctx context.Context, id string, status func(online bool)) error {
	t.mu.Lock()
	if t.port != nil {
		t.mu.Unlock()
		return errors.New("serial bridge already open")
	}
	t.mu.Unlock()

	port, err := t.open()
	if err != nil {
		return fmt.Errorf("open serial bridge: %w", err)
	}

	online := make(chan struct{})
	done := make(chan struct{})
	t.mu.Lock()
	t.port = port
	t.id = id
	t.status = status
	t.online = online
	t.done = done
	t.mu.Unlock()

	go t.readLoop(port, done)

	select {
	case <-online:
		return nil
	case <-done:
		t.closePort()
		return errors.New("serial bridge closed before device came online")
	case <-ctx.Done():
		t.closePort()
		return ctx.Err()
	}
}

func (t *SerialTransport) closePort() error {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.id = ""
	t.status = nil
	t.online = nil
	t.handlers = map[imu.ChannelKind]FrameHandler{}
	t.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

func (t *SerialTransport) Close(string) error {
	return t.closePort()
}

func (t *SerialTransport) write(body string) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return errors.New("serial bridge not open")
	}
	if _, err := io.WriteString(port, FormatSentence(body)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (t *SerialTransport) Subscribe(kind imu.ChannelKind, h FrameHandler) error {
	ch := SentenceChannel(kind)
	if ch == "" {
		return fmt.Errorf("serial bridge: unsupported channel %v", kind)
	}
	t.mu.Lock()
	t.handlers[kind] = h
	t.mu.Unlock()
	return t.write("PWCMD,START," + ch)
}

func (t *SerialTransport) Unsubscribe(kind imu.ChannelKind) error {
	ch := SentenceChannel(kind)
	if ch == "" {
		return fmt.Errorf("serial bridge: unsupported channel %v", kind)
	}
	t.mu.Lock()
	delete(t.handlers, kind)
	t.mu.Unlock()
	return t.write("PWCMD,STOP," + ch)
}

func (t *SerialTransport) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debug("serial read stopped", zap.Error(err))
			}
			return
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sentence, err := t.parser.Parse(line)
		if err != nil {
			t.logger.Debug("dropping sentence", zap.String("line", line), zap.Error(err))
			continue
		}
		t.dispatch(sentence)
	}
}

func (t *SerialTransport) dispatch(sentence nmea.Sentence) {
	t.mu.Lock()
	id, status, online := t.id, t.status, t.online
	t.mu.Unlock()

	switch m := sentence.(type) {
	case StatusSentence:
		if !strings.EqualFold(m.DeviceID, id) {
			return
		}
		if m.Online && online != nil {
			select {
			case <-online:
			default:
				close(online)
			}
		}
		if status != nil {
			status(m.Online)
		}
	case MotionSentence:
		kind := imu.Accelerometer
		if m.DataType() == typeGyro {
			kind = imu.Gyroscope
		}
		t.deliver(Frame{Kind: kind, RateHz: int(m.RateHz), Vectors: []imu.Vec3{m.Sample}})
	case HRSentence:
		t.deliver(Frame{Kind: imu.HeartRate, HR: []int{int(m.BPM)}})
	}
}

func (t *SerialTransport) deliver(f Frame) {
	t.mu.Lock()
	h := t.handlers[f.Kind]
	t.mu.Unlock()
	if h != nil {
		h(f)
	}
}

// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/elevation_computer/internal/imu"
)

// SPIOptions selects and tunes an MPU9250 on the SPI bus.
type SPIOptions struct {
	Device     string // e.g. /dev/spidev0.0
	CSPin      string // e.g. GPIO8
	AccelRange int    // 0=±2g 1=±4g 2=±8g 3=±16g
	GyroRange  int    // 0=±250 1=±500 2=±1000 3=±2000 °/s
	Logger     *zap.Logger
}

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// AccelScale is m/s² per count for a full scale range index.
func AccelScale(rangeIdx int) float64 {
	return StandardGravity / float64(int(16384)>>uint(rangeIdx))
}

// GyroScale is °/s per count for a full scale range index.
func GyroScale(rangeIdx int) float64 {
	return float64(int(1)<<uint(rangeIdx)) / 131.0
}

type spiReader struct {
	dev       *mpu9250.MPU9250
	accScale  float64
	gyroScale float64
}

// SPIReaderOpener initializes an MPU9250 over SPI when the builtin source
// connects.
func SPIReaderOpener(opts SPIOptions) ReaderOpener {
	return func(ctx context.Context) (Reader, error) {
		return NewSPIReader(ctx, opts)
	}
}

// NewSPIReader runs init, self-test and calibration and applies the ranges.
// A failing self-test is logged, not fatal.
func NewSPIReader(ctx context.Context, opts SPIOptions) (Reader, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mpu9250")

	if opts.AccelRange < 0 || opts.AccelRange > 3 {
		return nil, fmt.Errorf("%w: accel range %d", ErrConnection, opts.AccelRange)
	}
	if opts.GyroRange < 0 || opts.GyroRange > 3 {
		return nil, fmt.Errorf("%w: gyro range %d", ErrConnection, opts.GyroRange)
	}
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("%w: CS pin %q not found", ErrSensorUnavailable, opts.CSPin)
	}
	tr, err := mpu9250.NewSpiTransport(opts.Device, cs)
	if err != nil {
		return nil, fmt.Errorf("%w: SPI transport (%s): %v", ErrSensorUnavailable, opts.Device, err)
	}
	dev, err := mpu9250.New(tr)
	if err != nil {
		return nil, fmt.Errorf("mpu9250 device: %w", err)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250 init: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := dev.SetAccelRange(byte(opts.AccelRange)); err != nil {
		return nil, fmt.Errorf("mpu9250 accel range: %w", err)
	}
	if err := dev.SetGyroRange(byte(opts.GyroRange)); err != nil {
		return nil, fmt.Errorf("mpu9250 gyro range: %w", err)
	}
	logger.Info("ranges set",
		zap.Int("accel_g", []int{2, 4, 8, 16}[opts.AccelRange]),
		zap.Int("gyro_dps", []int{250, 500, 1000, 2000}[opts.GyroRange]))

	if _, err := dev.SelfTest(); err != nil {
		logger.Warn("self-test failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := dev.Calibrate(); err != nil {
		logger.Warn("calibration failed", zap.Error(err))
	}

	return &spiReader{
		dev:       dev,
		accScale:  AccelScale(opts.AccelRange),
		gyroScale: GyroScale(opts.GyroRange),
	}, nil
}

func (s *spiReader) scale(x, y, z int16, k float64) imu.Vec3 {
	return imu.Vec3{X: float32(float64(x) * k), Y: float32(float64(y) * k), Z: float32(float64(z) * k)}
}

func (s *spiReader) ReadAccel() (imu.Vec3, error) {
	ax, err := s.dev.GetAccelerationX()
	if err != nil {
		return imu.Vec3{}, fmt.Errorf("accel X: %w", err)
	}
	ay, err := s.dev.GetAccelerationY()
	if err != nil {
		return imu.Vec3{}, fmt.Errorf("accel Y: %w", err)
	}
	az, err := s.dev.GetAccelerationZ()
	if err != nil {
		return imu.Vec3{}, fmt.Errorf("accel Z: %w", err)
	}
	return s.scale(ax, ay, az, s.accScale), nil
}

func (s *spiReader) ReadGyro() (imu.Vec3, error) {
	gx, err := s.dev.GetRotationX()
	if err != nil {
		return imu.Vec3{}, fmt.Errorf("gyro X: %w", err)
	}
	gy, err := s.dev.GetRotationY()
	if err != nil {
		return imu.Vec3{}, fmt.Errorf("gyro Y: %w", err)
	}
	gz, err := s.dev.GetRotationZ()
	if err != nil {
		return imu.Vec3{}, fmt.Errorf("gyro Z: %w", err)
	}
	return s.scale(gx, gy, gz, s.gyroScale), nil
}

// The MPU9250 always carries a gyroscope.
func (s *spiReader) HasGyro() bool { return true }

func (s *spiReader) Close() error { return nil }

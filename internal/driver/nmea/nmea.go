// Package nmea 实现通过串口读取 NMEA 0183 语句的 GPS 采集驱动。
package nmea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"daq-plugin/pkg/driver"
	"daq-plugin/pkg/logger"
)

// Kind 是清单中引用该驱动的名称。
const Kind = "nmea"

const maxLineLength = 512

// Reading 是一次采集的结果，Fix 为最后一次有效定位。
type Reading struct {
	Fix     Fix   `json:"fix"`
	Samples []Fix `json:"samples,omitempty"`
}

// Driver 从串口读取 GGA/RMC 语句并输出定位结果。
type Driver struct {
	mu          sync.Mutex
	device      string
	options     PortOptions
	readTimeout time.Duration
	fixTimeout  time.Duration
	minQuality  int
	open        Opener
	port        Port
	pending     []byte
	lastRMC     RMC
}

// New 创建使用真实串口的驱动。
func New() driver.Driver { return NewWithOpener(openSerial) }

// NewWithOpener 使用指定的串口打开函数创建驱动。
func NewWithOpener(open Opener) *Driver {
	return &Driver{open: open}
}

// Factory 供驱动管理器注册内置驱动。
func Factory() driver.Factory { return New }

func (d *Driver) Info() driver.Info {
	return driver.Info{
		Kind:        Kind,
		Name:        "NMEA GPS receiver",
		Description: "Reads GGA/RMC fixes from a serial GPS receiver.",
		Version:     "1.0.0",
	}
}

// Configure 读取 device、baud_rate、data_bits、stop_bits、parity、
// read_timeout、fix_timeout 与 min_quality。
func (d *Driver) Configure(cfg map[string]any) error {
	device, err := driver.String(cfg, "device", "")
	if err != nil {
		return err
	}
	if strings.TrimSpace(device) == "" {
		return errors.New("nmea driver requires device")
	}
	var opts PortOptions
	if opts.BaudRate, err = driver.Int(cfg, "baud_rate", 0); err != nil {
		return err
	}
	if opts.DataBits, err = driver.Int(cfg, "data_bits", 0); err != nil {
		return err
	}
	if opts.StopBits, err = driver.Int(cfg, "stop_bits", 0); err != nil {
		return err
	}
	if opts.Parity, err = driver.String(cfg, "parity", ""); err != nil {
		return err
	}
	if opts, err = opts.Normalize(); err != nil {
		return err
	}
	readTimeout, err := driver.Duration(cfg, "read_timeout", 200*time.Millisecond)
	if err != nil {
		return err
	}
	fixTimeout, err := driver.Duration(cfg, "fix_timeout", 5*time.Second)
	if err != nil {
		return err
	}
	minQuality, err := driver.Int(cfg, "min_quality", 1)
	if err != nil {
		return err
	}
	if readTimeout <= 0 || fixTimeout <= 0 {
		return errors.New("read_timeout and fix_timeout must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.device = device
	d.options = opts
	d.readTimeout = readTimeout
	d.fixTimeout = fixTimeout
	d.minQuality = minQuality
	return nil
}

func (d *Driver) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked()
}

func (d *Driver) openLocked() error {
	if d.port != nil {
		return nil
	}
	mode, err := d.options.SerialMode()
	if err != nil {
		return err
	}
	port, err := d.open(d.device, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.device, err)
	}
	if err := port.SetReadTimeout(d.readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}
	d.port = port
	d.pending = d.pending[:0]
	return nil
}

// Capture 读取 samples 个有效定位（默认 1），超过 timeout 仍未定位时返回瞬时故障。
func (d *Driver) Capture(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
	samples, err := driver.Int(req.Parameters, "samples", 1)
	if err != nil {
		return nil, err
	}
	if samples < 1 {
		return nil, errors.New("samples must be at least 1")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	timeout, err := driver.Duration(req.Parameters, "timeout", d.fixTimeout)
	if err != nil {
		return nil, err
	}
	if err := d.openLocked(); err != nil {
		return nil, driver.Transient(err)
	}

	deadline := time.Now().Add(timeout)
	fixes := make([]Fix, 0, samples)
	for len(fixes) < samples {
		line, err := d.readLine(ctx, deadline)
		if err != nil {
			return nil, err
		}
		fix, ok := d.consume(line)
		if ok {
			fixes = append(fixes, fix)
		}
	}

	reading := Reading{Fix: fixes[len(fixes)-1]}
	if samples > 1 {
		reading.Samples = fixes
	}
	data, err := json.Marshal(reading)
	if err != nil {
		return nil, fmt.Errorf("encode reading: %w", err)
	}
	return &driver.Payload{
		ContentType: "application/json",
		Data:        data,
		Metadata: map[string]string{
			"device":     d.device,
			"quality":    strconv.Itoa(reading.Fix.Quality),
			"satellites": strconv.Itoa(reading.Fix.Satellites),
		},
		CapturedAt: time.Now().UTC(),
	}, nil
}

// consume 处理一行语句，返回满足定位质量要求的 GGA 定位。
func (d *Driver) consume(line string) (Fix, bool) {
	sentence, err := Parse(line)
	if err != nil {
		logger.L().Debug("丢弃无效 NMEA 语句", slog.String("device", d.device), slog.String("error", err.Error()))
		return Fix{}, false
	}
	switch sentence.Type {
	case "RMC":
		if rmc, err := ParseRMC(sentence); err == nil {
			d.lastRMC = rmc
		}
	case "GGA":
		fix, err := ParseGGA(sentence)
		if err != nil || fix.Quality < d.minQuality || fix.Quality == 0 {
			return Fix{}, false
		}
		if d.lastRMC.Valid {
			fix.SpeedKnots = d.lastRMC.SpeedKnots
			fix.Course = d.lastRMC.Course
			if !d.lastRMC.Time.IsZero() {
				y, m, day := d.lastRMC.Time.Date()
				fix.Time = time.Date(y, m, day, fix.Time.Hour(), fix.Time.Minute(), fix.Time.Second(), fix.Time.Nanosecond(), time.UTC)
			}
		}
		return fix, true
	}
	return Fix{}, false
}

// readLine 从串口读取一行，串口读超时后检查 ctx 与截止时间。
func (d *Driver) readLine(ctx context.Context, deadline time.Time) (string, error) {
	buf := make([]byte, 128)
	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := string(d.pending[:i])
			d.pending = append(d.pending[:0], d.pending[i+1:]...)
			return strings.TrimRight(line, "\r"), nil
		}
		if len(d.pending) > maxLineLength {
			d.pending = d.pending[:0]
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", driver.Transientf("no gps fix from %s within deadline", d.device)
		}
		n, err := d.port.Read(buf)
		if err != nil {
			// 设备断开后关闭端口，下一次采集重新打开。
			_ = d.port.Close()
			d.port = nil
			return "", driver.Transient(fmt.Errorf("read %s: %w", d.device, err))
		}
		d.pending = append(d.pending, buf[:n]...)
	}
}

func (d *Driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

var _ driver.Driver = (*Driver)(nil)

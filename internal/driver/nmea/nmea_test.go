package nmea

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"daq-plugin/pkg/driver"
)

const (
	ggaFix   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	rmcFix   = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	ggaNoFix = "$GPGGA,123520,,,,,0,00,,,M,,M,,*61"
	ggaSouth = "$GNGGA,123521,3355.500,S,15112.250,W,2,11,0.8,10.0,M,,M,,*75"
)

// fakePort 按块返回预置数据，数据耗尽后模拟串口读超时。
type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	timeout time.Duration
	closed  bool
	readErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	chunk := p.chunks[0]
	n := copy(b, chunk)
	if n < len(chunk) {
		p.chunks[0] = chunk[n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func newTestDriver(t *testing.T, port *fakePort, cfg map[string]any) (*Driver, *serial.Mode) {
	t.Helper()
	var opened *serial.Mode
	d := NewWithOpener(func(path string, mode *serial.Mode) (Port, error) {
		if path != "/dev/ttyGPS" {
			return nil, errors.New("unexpected device " + path)
		}
		opened = mode
		return port, nil
	})
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["device"] = "/dev/ttyGPS"
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	return d, opened
}

func TestParseValidatesChecksum(t *testing.T) {
	s, err := Parse(ggaFix)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Talker != "GP" || s.Type != "GGA" || len(s.Fields) != 14 {
		t.Fatalf("unexpected sentence %+v", s)
	}
	if _, err := Parse(ggaFix[:len(ggaFix)-2] + "00"); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
	if _, err := Parse("garbage"); err == nil {
		t.Fatalf("expected error for garbage")
	}
}

func TestParseGGACoordinates(t *testing.T) {
	s, _ := Parse(ggaSouth)
	fix, err := ParseGGA(s)
	if err != nil {
		t.Fatalf("parse gga: %v", err)
	}
	if math.Abs(fix.Latitude-(-33.925)) > 1e-9 || math.Abs(fix.Longitude-(-(151+12.25/60))) > 1e-9 {
		t.Fatalf("unexpected coordinates %v, %v", fix.Latitude, fix.Longitude)
	}
	if fix.Quality != 2 || fix.Satellites != 11 || fix.Altitude != 10 {
		t.Fatalf("unexpected fix %+v", fix)
	}
}

func TestParseRMCDate(t *testing.T) {
	s, _ := Parse(rmcFix)
	rmc, err := ParseRMC(s)
	if err != nil {
		t.Fatalf("parse rmc: %v", err)
	}
	want := time.Date(1994, time.March, 23, 12, 35, 19, 0, time.UTC)
	if !rmc.Valid || !rmc.Time.Equal(want) || rmc.SpeedKnots != 22.4 {
		t.Fatalf("unexpected rmc %+v", rmc)
	}
}

func TestCaptureReturnsFirstValidFix(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		[]byte(ggaNoFix + "\r\n$GPGSV,garbage\r\n" + rmcFix[:20]),
		[]byte(rmcFix[20:] + "\r\n"),
		[]byte(ggaFix + "\r\n"),
	}}
	d, mode := newTestDriver(t, port, map[string]any{"baud_rate": 9600, "read_timeout": "50ms"})
	if mode.BaudRate != 9600 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Fatalf("unexpected serial mode %+v", mode)
	}
	if port.timeout != 50*time.Millisecond {
		t.Fatalf("read timeout not applied: %v", port.timeout)
	}

	payload, err := d.Capture(context.Background(), driver.CaptureRequest{RequestID: "r1", Capability: "gps"})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	var reading Reading
	if err := json.Unmarshal(payload.Data, &reading); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if math.Abs(reading.Fix.Latitude-(48+7.038/60)) > 1e-9 || reading.Fix.Satellites != 8 {
		t.Fatalf("unexpected fix %+v", reading.Fix)
	}
	if reading.Fix.SpeedKnots != 22.4 || reading.Fix.Time.Year() != 1994 {
		t.Fatalf("rmc data not merged: %+v", reading.Fix)
	}
	if payload.Metadata["satellites"] != "8" || payload.ContentType != "application/json" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCaptureCollectsSamples(t *testing.T) {
	port := &fakePort{chunks: [][]byte{[]byte(ggaFix + "\n" + ggaSouth + "\n")}}
	d, _ := newTestDriver(t, port, nil)
	payload, err := d.Capture(context.Background(), driver.CaptureRequest{Parameters: map[string]any{"samples": int64(2)}})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	var reading Reading
	if err := json.Unmarshal(payload.Data, &reading); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reading.Samples) != 2 || reading.Fix.Quality != 2 {
		t.Fatalf("unexpected reading %+v", reading)
	}
}

func TestCaptureWithoutFixIsTransient(t *testing.T) {
	port := &fakePort{chunks: [][]byte{[]byte(ggaNoFix + "\n")}}
	d, _ := newTestDriver(t, port, nil)
	_, err := d.Capture(context.Background(), driver.CaptureRequest{Parameters: map[string]any{"timeout": 60 * time.Millisecond}})
	if !driver.IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
}

func TestCaptureStopsOnContextCancel(t *testing.T) {
	d, _ := newTestDriver(t, &fakePort{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Capture(ctx, driver.CaptureRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestReadErrorClosesPortForReopen(t *testing.T) {
	port := &fakePort{readErr: errors.New("device unplugged")}
	d, _ := newTestDriver(t, port, nil)
	_, err := d.Capture(context.Background(), driver.CaptureRequest{})
	if !driver.IsTransient(err) {
		t.Fatalf("expected transient read error, got %v", err)
	}
	if !port.closed || d.port != nil {
		t.Fatalf("port should be closed after read error")
	}

	port.mu.Lock()
	port.readErr = nil
	port.chunks = [][]byte{[]byte(ggaFix + "\n")}
	port.mu.Unlock()
	if _, err := d.Capture(context.Background(), driver.CaptureRequest{}); err != nil {
		t.Fatalf("capture after reopen: %v", err)
	}
}

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{Parity: "even", StopBits: 2}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if opts.BaudRate != 4800 || opts.DataBits != 8 || opts.Parity != "E" {
		t.Fatalf("unexpected options %+v", opts)
	}
	mode, err := opts.SerialMode()
	if err != nil || mode.StopBits != serial.TwoStopBits || mode.Parity != serial.EvenParity {
		t.Fatalf("unexpected mode %+v, %v", mode, err)
	}
	if _, err := (PortOptions{DataBits: 9}).Normalize(); err == nil {
		t.Fatalf("expected error for data bits")
	}
	if _, err := (PortOptions{Parity: "mark"}).Normalize(); err == nil {
		t.Fatalf("expected error for parity")
	}
}

func TestConfigureRequiresDevice(t *testing.T) {
	if err := New().Configure(map[string]any{}); err == nil {
		t.Fatalf("expected error without device")
	}
}

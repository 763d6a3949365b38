package nmea

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrChecksum 表示语句校验和不匹配。
	ErrChecksum = errors.New("nmea checksum mismatch")
	// ErrUnsupported 表示不处理的语句类型。
	ErrUnsupported = errors.New("unsupported nmea sentence")
)

// Sentence 是一条已校验的 NMEA 0183 语句。
type Sentence struct {
	Talker string
	Type   string
	Fields []string
	Raw    string
}

// Fix 汇总 GGA 与 RMC 中的定位信息。
type Fix struct {
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude_m"`
	Quality    int       `json:"quality"`
	Satellites int       `json:"satellites"`
	HDOP       float64   `json:"hdop,omitempty"`
	SpeedKnots float64   `json:"speed_knots,omitempty"`
	Course     float64   `json:"course_deg,omitempty"`
	Raw        string    `json:"raw"`
}

// Parse 校验并拆分一行 NMEA 语句。无校验和的语句按原样接受。
func Parse(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if len(line) < 7 || (line[0] != '$' && line[0] != '!') {
		return Sentence{}, fmt.Errorf("invalid nmea sentence %q", line)
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want, err := strconv.ParseUint(body[star+1:], 16, 8)
		if err != nil {
			return Sentence{}, fmt.Errorf("invalid checksum field %q", body[star+1:])
		}
		body = body[:star]
		if byte(want) != checksum(body) {
			return Sentence{}, ErrChecksum
		}
	}
	fields := strings.Split(body, ",")
	head := fields[0]
	if len(head) < 5 {
		return Sentence{}, fmt.Errorf("invalid sentence address %q", head)
	}
	return Sentence{
		Talker: head[:len(head)-3],
		Type:   head[len(head)-3:],
		Fields: fields[1:],
		Raw:    line,
	}, nil
}

func checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// ParseGGA 解析 GGA 语句。
func ParseGGA(s Sentence) (Fix, error) {
	if s.Type != "GGA" {
		return Fix{}, ErrUnsupported
	}
	if len(s.Fields) < 9 {
		return Fix{}, fmt.Errorf("gga: expected at least 9 fields, got %d", len(s.Fields))
	}
	f := s.Fields
	fix := Fix{Raw: s.Raw}
	var err error
	if fix.Quality, err = optionalInt(f[5]); err != nil {
		return Fix{}, fmt.Errorf("gga quality: %w", err)
	}
	if fix.Satellites, err = optionalInt(f[6]); err != nil {
		return Fix{}, fmt.Errorf("gga satellites: %w", err)
	}
	if fix.Quality == 0 {
		return fix, nil
	}
	if fix.Time, err = parseClock(f[0], time.Time{}); err != nil {
		return Fix{}, err
	}
	if fix.Latitude, err = parseCoordinate(f[1], f[2], 2); err != nil {
		return Fix{}, err
	}
	if fix.Longitude, err = parseCoordinate(f[3], f[4], 3); err != nil {
		return Fix{}, err
	}
	if fix.HDOP, err = optionalFloat(f[7]); err != nil {
		return Fix{}, fmt.Errorf("gga hdop: %w", err)
	}
	if fix.Altitude, err = optionalFloat(f[8]); err != nil {
		return Fix{}, fmt.Errorf("gga altitude: %w", err)
	}
	return fix, nil
}

// RMC 是 RMC 语句中的速度、航向与日期。
type RMC struct {
	Valid      bool
	Time       time.Time
	SpeedKnots float64
	Course     float64
}

// ParseRMC 解析 RMC 语句。
func ParseRMC(s Sentence) (RMC, error) {
	if s.Type != "RMC" {
		return RMC{}, ErrUnsupported
	}
	if len(s.Fields) < 9 {
		return RMC{}, fmt.Errorf("rmc: expected at least 9 fields, got %d", len(s.Fields))
	}
	f := s.Fields
	out := RMC{Valid: f[1] == "A"}
	if !out.Valid {
		return out, nil
	}
	var err error
	if out.SpeedKnots, err = optionalFloat(f[6]); err != nil {
		return RMC{}, fmt.Errorf("rmc speed: %w", err)
	}
	if out.Course, err = optionalFloat(f[7]); err != nil {
		return RMC{}, fmt.Errorf("rmc course: %w", err)
	}
	if f[8] != "" {
		date, err := time.Parse("020106", f[8])
		if err != nil {
			return RMC{}, fmt.Errorf("rmc date: %w", err)
		}
		if out.Time, err = parseClock(f[0], date); err != nil {
			return RMC{}, err
		}
	}
	return out, nil
}

// parseClock 解析 hhmmss(.sss)，date 为零值时只保留时刻。
func parseClock(value string, date time.Time) (time.Time, error) {
	if len(value) < 6 {
		return time.Time{}, fmt.Errorf("invalid utc time %q", value)
	}
	h, err1 := strconv.Atoi(value[0:2])
	m, err2 := strconv.Atoi(value[2:4])
	sec, err3 := strconv.ParseFloat(value[4:], 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return time.Time{}, fmt.Errorf("invalid utc time %q: %w", value, err)
	}
	whole, frac := math.Modf(sec)
	y, mo, d := 0, time.January, 1
	if !date.IsZero() {
		y, mo, d = date.Date()
	}
	return time.Date(y, mo, d, h, m, int(whole), int(math.Round(frac*1e9)), time.UTC), nil
}

// parseCoordinate 将 (d)ddmm.mmmm 与半球标记转换为十进制度。
func parseCoordinate(value, hemisphere string, degreeDigits int) (float64, error) {
	if len(value) < degreeDigits+2 {
		return 0, fmt.Errorf("invalid coordinate %q", value)
	}
	deg, err := strconv.Atoi(value[:degreeDigits])
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", value, err)
	}
	minutes, err := strconv.ParseFloat(value[degreeDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", value, err)
	}
	out := float64(deg) + minutes/60
	switch hemisphere {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, fmt.Errorf("invalid hemisphere %q", hemisphere)
	}
	return out, nil
}

func optionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func optionalFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}
